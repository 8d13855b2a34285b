package domain

import (
	"context"
	"time"
)

// UserRepository defines persistence operations for accounts.
type UserRepository interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id int64) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	GetByOfficeID(ctx context.Context, officeID int64) (*User, error)
	List(ctx context.Context) ([]*User, error)
}

// ConversationRepository defines persistence operations for conversations
// and the per-user roster flags attached to them.
type ConversationRepository interface {
	Create(ctx context.Context, c *Conversation, memberIDs []int64) error
	GetByID(ctx context.Context, id, forUserID int64) (*Conversation, error)
	ListForUser(ctx context.Context, userID int64, archived bool) ([]*Conversation, error)
	FindDirect(ctx context.Context, userA, userB int64) (*Conversation, error)
	AddMembers(ctx context.Context, conversationID int64, memberIDs []int64) error
	RemoveMember(ctx context.Context, conversationID, userID int64) error
	SetPreferences(ctx context.Context, conversationID, userID int64, pinned, archived *bool) error
	Delete(ctx context.Context, conversationID int64) error
}

// MessageRepository defines persistence operations for messages, receipt
// watermarks and per-user hides.
type MessageRepository interface {
	Create(ctx context.Context, m *Message) error
	GetByID(ctx context.Context, id int64) (*Message, error)
	// ListVisible returns a conversation's history oldest-first, with
	// receipt sets populated and the caller's hidden messages excluded.
	ListVisible(ctx context.Context, conversationID, userID int64, limit int) ([]*Message, error)
	UpdateContent(ctx context.Context, id int64, content string, editedAt time.Time) error
	SoftDelete(ctx context.Context, id int64) error
	Hide(ctx context.Context, id, userID int64) error
	SetReadWatermark(ctx context.Context, conversationID, userID, upToMessageID int64) error
	SetDeliveredWatermark(ctx context.Context, conversationID, userID, upToMessageID int64) error
	LatestID(ctx context.Context, conversationID int64) (int64, error)
}

// ParticipantRepository defines membership lookups shared by the services
// and the channel hub.
type ParticipantRepository interface {
	ListParticipants(ctx context.Context, conversationID int64) ([]Participant, error)
	IsParticipant(ctx context.Context, conversationID, userID int64) (bool, error)
	ListConversationIDs(ctx context.Context, userID int64) ([]int64, error)
}
