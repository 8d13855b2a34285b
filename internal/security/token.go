package security

import (
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenService wraps JWT creation and validation. The subject claim carries
// the numeric user id.
type TokenService struct {
	secret    []byte
	expiresIn time.Duration
}

func NewTokenService(secret string, expiresIn time.Duration) *TokenService {
	return &TokenService{
		secret:    []byte(secret),
		expiresIn: expiresIn,
	}
}

// CreateForUser creates a JWT for the given user id using the default TTL.
func (t *TokenService) CreateForUser(userID int64) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": strconv.FormatInt(userID, 10),
		"iat": now.Unix(),
		"exp": now.Add(t.expiresIn).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// ParseUserID validates a token and returns the user id it was issued for.
func (t *TokenService) ParseUserID(tokenStr string) (int64, error) {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return t.secret, nil
	})
	if err != nil {
		return 0, err
	}
	if !token.Valid {
		return 0, jwt.ErrSignatureInvalid
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return 0, jwt.ErrTokenMalformed
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return 0, jwt.ErrTokenMalformed
	}
	id, err := strconv.ParseInt(sub, 10, 64)
	if err != nil {
		return 0, jwt.ErrTokenMalformed
	}
	return id, nil
}
