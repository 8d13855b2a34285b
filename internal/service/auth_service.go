package service

import (
	"context"
	"errors"
	"fmt"

	"portalchat/internal/domain"
	"portalchat/internal/security"
)

// AuthService handles registration and login.
type AuthService struct {
	users  domain.UserRepository
	tokens *security.TokenService
	hash   *security.PasswordHasher
}

func NewAuthService(users domain.UserRepository, tokens *security.TokenService, hash *security.PasswordHasher) *AuthService {
	return &AuthService{
		users:  users,
		tokens: tokens,
		hash:   hash,
	}
}

type RegisterInput struct {
	OfficeID int64
	Name     string
	Email    string
	Password string
}

type LoginInput struct {
	Email    string
	Password string
}

type TokenResponse struct {
	AccessToken string
	TokenType   string
	User        *domain.User
}

func (s *AuthService) Register(ctx context.Context, in RegisterInput) (*domain.User, error) {
	if in.Name == "" || in.Email == "" || in.Password == "" {
		return nil, fmt.Errorf("%w: name, email and password are required", domain.ErrInvalidInput)
	}

	if _, err := s.users.GetByEmail(ctx, in.Email); err == nil {
		return nil, fmt.Errorf("%w: email already registered", domain.ErrConflict)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("check email: %w", err)
	}
	if _, err := s.users.GetByOfficeID(ctx, in.OfficeID); err == nil {
		return nil, fmt.Errorf("%w: office already registered", domain.ErrConflict)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("check office: %w", err)
	}

	hashed, err := s.hash.Hash(in.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := &domain.User{
		OfficeID:     in.OfficeID,
		Name:         in.Name,
		Email:        in.Email,
		PasswordHash: hashed,
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

func (s *AuthService) Login(ctx context.Context, in LoginInput) (*TokenResponse, error) {
	user, err := s.users.GetByEmail(ctx, in.Email)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: incorrect email or password", domain.ErrUnauthorized)
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if err := s.hash.Verify(in.Password, user.PasswordHash); err != nil {
		return nil, fmt.Errorf("%w: incorrect email or password", domain.ErrUnauthorized)
	}

	token, err := s.tokens.CreateForUser(user.ID)
	if err != nil {
		return nil, fmt.Errorf("create token: %w", err)
	}
	return &TokenResponse{
		AccessToken: token,
		TokenType:   "bearer",
		User:        user,
	}, nil
}

// Authenticate resolves a bearer token to its account.
func (s *AuthService) Authenticate(ctx context.Context, token string) (*domain.User, error) {
	id, err := s.tokens.ParseUserID(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}
	return s.users.GetByID(ctx, id)
}
