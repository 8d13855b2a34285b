package service

import (
	"context"
	"errors"
	"fmt"

	"portalchat/internal/domain"
)

type ConversationService struct {
	conversations domain.ConversationRepository
	participants  domain.ParticipantRepository
	users         domain.UserRepository
}

func NewConversationService(
	conversations domain.ConversationRepository,
	participants domain.ParticipantRepository,
	users domain.UserRepository,
) *ConversationService {
	return &ConversationService{
		conversations: conversations,
		participants:  participants,
		users:         users,
	}
}

// CreateDirect opens a direct conversation with the office's account, or
// returns the existing one; there is never more than one per pair.
func (s *ConversationService) CreateDirect(ctx context.Context, creatorID, officeID int64) (*domain.Conversation, error) {
	other, err := s.users.GetByOfficeID(ctx, officeID)
	if err != nil {
		return nil, err
	}
	if other.ID == creatorID {
		return nil, fmt.Errorf("%w: cannot open a conversation with yourself", domain.ErrInvalidInput)
	}

	existing, err := s.conversations.FindDirect(ctx, creatorID, other.ID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("find direct conversation: %w", err)
	}

	conv := &domain.Conversation{Kind: domain.KindDirect}
	if err := s.conversations.Create(ctx, conv, []int64{creatorID, other.ID}); err != nil {
		return nil, err
	}
	return s.conversations.GetByID(ctx, conv.ID, creatorID)
}

// CreateGroup creates a named group with the creator as admin.
func (s *ConversationService) CreateGroup(ctx context.Context, creatorID int64, name string, officeIDs []int64) (*domain.Conversation, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: group name is required", domain.ErrInvalidInput)
	}
	memberIDs, err := s.resolveOffices(ctx, officeIDs)
	if err != nil {
		return nil, err
	}
	if len(memberIDs) == 0 {
		return nil, fmt.Errorf("%w: at least one member is required", domain.ErrInvalidInput)
	}

	ids := append([]int64{creatorID}, memberIDs...)
	conv := &domain.Conversation{
		Kind:    domain.KindGroup,
		Name:    name,
		AdminID: creatorID,
	}
	if err := s.conversations.Create(ctx, conv, dedupe(ids)); err != nil {
		return nil, err
	}
	return s.conversations.GetByID(ctx, conv.ID, creatorID)
}

// AddMembers adds offices to a group. Only the admin may do this.
func (s *ConversationService) AddMembers(ctx context.Context, callerID, conversationID int64, officeIDs []int64) (*domain.Conversation, error) {
	conv, err := s.conversations.GetByID(ctx, conversationID, callerID)
	if err != nil {
		return nil, err
	}
	if !conv.IsGroup() {
		return nil, fmt.Errorf("%w: members can only be added to groups", domain.ErrInvalidInput)
	}
	if conv.AdminID != callerID {
		return nil, fmt.Errorf("%w: only the group admin can add members", domain.ErrForbidden)
	}

	memberIDs, err := s.resolveOffices(ctx, officeIDs)
	if err != nil {
		return nil, err
	}
	if err := s.conversations.AddMembers(ctx, conversationID, memberIDs); err != nil {
		return nil, err
	}
	return s.conversations.GetByID(ctx, conversationID, callerID)
}

// Leave removes the caller from a group. A departing admin leaves the
// group without one.
func (s *ConversationService) Leave(ctx context.Context, callerID, conversationID int64) (*domain.Conversation, error) {
	conv, err := s.conversations.GetByID(ctx, conversationID, callerID)
	if err != nil {
		return nil, err
	}
	if !conv.IsGroup() {
		return nil, fmt.Errorf("%w: direct conversations cannot be left", domain.ErrInvalidInput)
	}
	if !conv.HasParticipant(callerID) {
		return nil, domain.ErrForbidden
	}
	if err := s.conversations.RemoveMember(ctx, conversationID, callerID); err != nil {
		return nil, err
	}
	return s.conversations.GetByID(ctx, conversationID, callerID)
}

// Delete removes a conversation for everyone. Direct conversations may be
// deleted by either party; groups only by the admin.
func (s *ConversationService) Delete(ctx context.Context, callerID, conversationID int64) (*domain.Conversation, error) {
	conv, err := s.conversations.GetByID(ctx, conversationID, callerID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(callerID) {
		return nil, domain.ErrForbidden
	}
	if conv.IsGroup() && conv.AdminID != callerID {
		return nil, fmt.Errorf("%w: only the group admin can delete the group", domain.ErrForbidden)
	}
	if err := s.conversations.Delete(ctx, conversationID); err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *ConversationService) ListForUser(ctx context.Context, userID int64, archived bool) ([]*domain.Conversation, error) {
	return s.conversations.ListForUser(ctx, userID, archived)
}

func (s *ConversationService) Get(ctx context.Context, conversationID, userID int64) (*domain.Conversation, error) {
	conv, err := s.conversations.GetByID(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(userID) {
		return nil, domain.ErrForbidden
	}
	return conv, nil
}

// SetPreferences updates the caller's pin/archive flags on a conversation.
func (s *ConversationService) SetPreferences(ctx context.Context, callerID, conversationID int64, pinned, archived *bool) error {
	return s.conversations.SetPreferences(ctx, conversationID, callerID, pinned, archived)
}

func (s *ConversationService) resolveOffices(ctx context.Context, officeIDs []int64) ([]int64, error) {
	ids := make([]int64, 0, len(officeIDs))
	for _, oid := range officeIDs {
		u, err := s.users.GetByOfficeID(ctx, oid)
		if err != nil {
			return nil, fmt.Errorf("resolve office %d: %w", oid, err)
		}
		ids = append(ids, u.ID)
	}
	return ids, nil
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
