package security

import "golang.org/x/crypto/bcrypt"

// PasswordHasher hashes and verifies login passwords with bcrypt. The work
// factor comes from server config; values outside bcrypt's supported range
// fall back to the library default so an unset config still hashes safely.
type PasswordHasher struct {
	cost int
}

func NewPasswordHasher(cost int) *PasswordHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &PasswordHasher{cost: cost}
}

// Cost reports the effective work factor after range clamping.
func (h *PasswordHasher) Cost() int { return h.cost }

func (h *PasswordHasher) Hash(plain string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(plain), h.cost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

func (h *PasswordHasher) Verify(plain, hashed string) error {
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(plain))
}
