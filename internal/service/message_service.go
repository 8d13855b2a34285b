package service

import (
	"context"
	"fmt"
	"time"

	"portalchat/internal/domain"
	"portalchat/internal/security"
)

const maxContentRunes = 5000

// MessageService owns message persistence and the receipt watermarks. The
// channel hub calls into it for every message-shaped command; the HTTP
// surface only reads history through it.
type MessageService struct {
	conversations domain.ConversationRepository
	participants  domain.ParticipantRepository
	messages      domain.MessageRepository
	encryptor     *security.Encryptor // nil disables encryption at rest

	HistoryLimit int
}

func NewMessageService(
	conversations domain.ConversationRepository,
	participants domain.ParticipantRepository,
	messages domain.MessageRepository,
	encryptor *security.Encryptor,
	historyLimit int,
) *MessageService {
	return &MessageService{
		conversations: conversations,
		participants:  participants,
		messages:      messages,
		encryptor:     encryptor,
		HistoryLimit:  historyLimit,
	}
}

type MessageCreateInput struct {
	ConversationID int64
	Content        string
	VoiceNote      string
}

func (s *MessageService) CreateMessage(ctx context.Context, in MessageCreateInput, sender *domain.User) (*domain.Message, error) {
	if in.Content == "" && in.VoiceNote == "" {
		return nil, fmt.Errorf("%w: message content cannot be empty", domain.ErrInvalidInput)
	}
	if len([]rune(in.Content)) > maxContentRunes {
		return nil, fmt.Errorf("%w: message content exceeds %d characters", domain.ErrInvalidInput, maxContentRunes)
	}
	if err := s.requireParticipant(ctx, in.ConversationID, sender.ID); err != nil {
		return nil, err
	}

	content, err := s.seal(in.Content)
	if err != nil {
		return nil, err
	}
	msg := &domain.Message{
		ConversationID: in.ConversationID,
		Sender:         sender.Participant(),
		Content:        content,
		VoiceNote:      in.VoiceNote,
		CreatedAt:      time.Now().UTC(),
		DeliveredBy:    domain.NewIDSet(),
		ReadBy:         domain.NewIDSet(),
	}
	if err := s.messages.Create(ctx, msg); err != nil {
		return nil, err
	}
	msg.Content = in.Content
	return msg, nil
}

func (s *MessageService) EditMessage(ctx context.Context, callerID, messageID int64, newContent string) (*domain.Message, error) {
	if newContent == "" {
		return nil, fmt.Errorf("%w: message content cannot be empty", domain.ErrInvalidInput)
	}
	if len([]rune(newContent)) > maxContentRunes {
		return nil, fmt.Errorf("%w: message content exceeds %d characters", domain.ErrInvalidInput, maxContentRunes)
	}

	msg, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.IsDeleted {
		return nil, fmt.Errorf("%w: message is deleted", domain.ErrConflict)
	}
	if msg.Sender.ID != callerID {
		return nil, domain.ErrForbidden
	}

	sealed, err := s.seal(newContent)
	if err != nil {
		return nil, err
	}
	editedAt := time.Now().UTC()
	if err := s.messages.UpdateContent(ctx, messageID, sealed, editedAt); err != nil {
		return nil, err
	}
	msg.Content = newContent
	msg.IsEdited = true
	msg.EditedAt = &editedAt
	return msg, nil
}

// DeleteForEveryone soft-deletes the caller's own message. The tombstone
// keeps its place in history.
func (s *MessageService) DeleteForEveryone(ctx context.Context, callerID, messageID int64) (*domain.Message, error) {
	msg, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.Sender.ID != callerID {
		return nil, domain.ErrForbidden
	}
	if err := s.messages.SoftDelete(ctx, messageID); err != nil {
		return nil, err
	}
	msg.IsDeleted = true
	msg.Content = ""
	msg.VoiceNote = ""
	return msg, nil
}

// HideForUser records a per-user hide. Nothing is broadcast; the message
// simply stops appearing in the caller's history fetches.
func (s *MessageService) HideForUser(ctx context.Context, callerID, messageID int64) error {
	msg, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return err
	}
	if err := s.requireParticipant(ctx, msg.ConversationID, callerID); err != nil {
		return err
	}
	return s.messages.Hide(ctx, messageID, callerID)
}

func (s *MessageService) ListMessages(ctx context.Context, conversationID, userID int64) ([]*domain.Message, error) {
	if err := s.requireParticipant(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	msgs, err := s.messages.ListVisible(ctx, conversationID, userID, s.HistoryLimit)
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		if m.IsDeleted {
			m.Content = ""
			m.VoiceNote = ""
			continue
		}
		m.Content = s.openSealed(m.Content)
	}
	return msgs, nil
}

// MarkRead advances the caller's read watermark. A read implies delivery,
// so the delivered watermark advances with it.
func (s *MessageService) MarkRead(ctx context.Context, conversationID, callerID, upToMessageID int64) error {
	if err := s.requireParticipant(ctx, conversationID, callerID); err != nil {
		return err
	}
	if err := s.messages.SetDeliveredWatermark(ctx, conversationID, callerID, upToMessageID); err != nil {
		return err
	}
	return s.messages.SetReadWatermark(ctx, conversationID, callerID, upToMessageID)
}

// MarkDelivered advances the caller's delivered watermark to the newest
// message in the conversation, returning the id it settled on.
func (s *MessageService) MarkDelivered(ctx context.Context, conversationID, callerID int64) (int64, error) {
	latest, err := s.messages.LatestID(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	if latest == 0 {
		return 0, nil
	}
	if err := s.messages.SetDeliveredWatermark(ctx, conversationID, callerID, latest); err != nil {
		return 0, err
	}
	return latest, nil
}

// ParticipantIDs returns the member ids of a conversation, for broadcasts.
func (s *MessageService) ParticipantIDs(ctx context.Context, conversationID int64) ([]int64, error) {
	parts, err := s.participants.ListParticipants(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(parts))
	for i, p := range parts {
		ids[i] = p.ID
	}
	return ids, nil
}

func (s *MessageService) requireParticipant(ctx context.Context, conversationID, userID int64) error {
	ok, err := s.participants.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return fmt.Errorf("check participant: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: not a participant in this conversation", domain.ErrForbidden)
	}
	return nil
}

func (s *MessageService) seal(content string) (string, error) {
	if s.encryptor == nil || content == "" {
		return content, nil
	}
	sealed, err := s.encryptor.Encrypt(content)
	if err != nil {
		return "", fmt.Errorf("encrypt content: %w", err)
	}
	return sealed, nil
}

// openSealed decrypts stored content, falling back to the raw value for
// rows written before encryption was enabled.
func (s *MessageService) openSealed(content string) string {
	if s.encryptor == nil || content == "" {
		return content
	}
	plain, err := s.encryptor.Decrypt(content)
	if err != nil {
		return content
	}
	return plain
}
