package service

import (
	"context"

	"portalchat/internal/domain"
)

// UserService exposes the office directory the client browses when
// starting a conversation.
type UserService struct {
	users domain.UserRepository
}

func NewUserService(users domain.UserRepository) *UserService {
	return &UserService{users: users}
}

func (s *UserService) GetByID(ctx context.Context, id int64) (*domain.User, error) {
	return s.users.GetByID(ctx, id)
}

// Directory lists every registered office as a participant projection,
// excluding the caller.
func (s *UserService) Directory(ctx context.Context, callerID int64) ([]domain.Participant, error) {
	users, err := s.users.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Participant, 0, len(users))
	for _, u := range users {
		if u.ID == callerID {
			continue
		}
		out = append(out, u.Participant())
	}
	return out, nil
}
