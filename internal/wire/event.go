package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"portalchat/internal/domain"
)

// ErrUnknownType marks envelopes whose type string is not part of the
// protocol. Callers log and discard these rather than failing the channel.
var ErrUnknownType = errors.New("unknown envelope type")

// Event type strings delivered by the server.
const (
	EvtMessageNew          = "chat.message.new"
	EvtMessageEdited       = "chat.message.edited"
	EvtMessageDeleted      = "chat.message.deleted"
	EvtMessageRead         = "chat.message.read"
	EvtMessageDelivered    = "chat.message.delivered"
	EvtAck                 = "chat.ack"
	EvtConversationCreated = "chat.created"
	EvtConversationUpdated = "chat.updated"
	EvtConversationDeleted = "chat.deleted"
	EvtError               = "error"
)

// Message is the wire shape of a chat message. Receipt sets travel as id
// slices and are converted to sets on the way into the engine.
type Message struct {
	ID             int64              `json:"id"`
	ConversationID int64              `json:"conversation_id"`
	Sender         domain.Participant `json:"sender"`
	Content        string             `json:"content"`
	VoiceNote      string             `json:"voice_note,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	EditedAt       *time.Time         `json:"edited_at,omitempty"`
	IsEdited       bool               `json:"is_edited"`
	IsDeleted      bool               `json:"is_deleted"`
	DeliveredIDs   []int64            `json:"delivered_ids,omitempty"`
	ReadIDs        []int64            `json:"read_ids,omitempty"`
}

// ToDomain converts the wire message into engine state.
func (m Message) ToDomain() *domain.Message {
	return &domain.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Sender:         m.Sender,
		Content:        m.Content,
		VoiceNote:      m.VoiceNote,
		CreatedAt:      m.CreatedAt,
		EditedAt:       m.EditedAt,
		IsEdited:       m.IsEdited,
		IsDeleted:      m.IsDeleted,
		DeliveredBy:    domain.NewIDSet(m.DeliveredIDs...),
		ReadBy:         domain.NewIDSet(m.ReadIDs...),
	}
}

// FromDomain converts engine/server state into the wire shape.
func FromDomain(m *domain.Message) Message {
	w := Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Sender:         m.Sender,
		Content:        m.Content,
		VoiceNote:      m.VoiceNote,
		CreatedAt:      m.CreatedAt,
		EditedAt:       m.EditedAt,
		IsEdited:       m.IsEdited,
		IsDeleted:      m.IsDeleted,
	}
	for id := range m.DeliveredBy {
		w.DeliveredIDs = append(w.DeliveredIDs, id)
	}
	for id := range m.ReadBy {
		w.ReadIDs = append(w.ReadIDs, id)
	}
	return w
}

// Event is a server-pushed notification. The set of implementations is
// closed; the engine dispatches with an exhaustive type switch so that an
// unhandled kind is a compile-visible gap rather than a silent drop.
type Event interface {
	eventType() string
}

// MessageNew announces a message authored by another party, or the echo of
// one of the user's own messages sent from elsewhere.
type MessageNew struct {
	Message Message `json:"message"`
}

// MessageEdited carries replacement content for a confirmed message.
type MessageEdited struct {
	ConversationID int64     `json:"conversation_id"`
	MessageID      int64     `json:"message_id"`
	Content        string    `json:"content"`
	EditedAt       time.Time `json:"edited_at"`
}

// MessageDeleted announces a soft delete for everyone.
type MessageDeleted struct {
	ConversationID int64 `json:"conversation_id"`
	MessageID      int64 `json:"message_id"`
}

// MessageRead reports that ReaderID has read every message in the
// conversation with id <= UpToMessageID (the watermark, inclusive).
type MessageRead struct {
	ConversationID int64 `json:"conversation_id"`
	UpToMessageID  int64 `json:"up_to_message_id"`
	ReaderID       int64 `json:"reader_id"`
}

// MessageDelivered reports delivery to RecipientID. When UpToMessageID is
// zero the receipt is bulk ("everything so far"); otherwise it is a
// watermark like MessageRead. Both shapes occur in the wild, so the engine
// accepts both.
type MessageDelivered struct {
	ConversationID int64 `json:"conversation_id"`
	RecipientID    int64 `json:"recipient_id"`
	UpToMessageID  int64 `json:"up_to_message_id,omitempty"`
}

// Ack resolves an optimistic send. On success Message carries the
// server-confirmed record; on failure Error explains the rejection.
type Ack struct {
	OK      bool     `json:"ok"`
	TempID  string   `json:"temp_id"`
	Message *Message `json:"message,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// ConversationCreated announces a new conversation visible to the user.
type ConversationCreated struct {
	Conversation domain.Conversation `json:"conversation"`
}

// ConversationUpdated announces metadata or membership changes.
type ConversationUpdated struct {
	Conversation domain.Conversation `json:"conversation"`
}

// ConversationDeleted removes a conversation from the roster.
type ConversationDeleted struct {
	ConversationID int64 `json:"conversation_id"`
}

// ServerError is a generic non-fatal diagnostic from the server.
type ServerError struct {
	Message string `json:"message"`
}

func (MessageNew) eventType() string          { return EvtMessageNew }
func (MessageEdited) eventType() string       { return EvtMessageEdited }
func (MessageDeleted) eventType() string      { return EvtMessageDeleted }
func (MessageRead) eventType() string         { return EvtMessageRead }
func (MessageDelivered) eventType() string    { return EvtMessageDelivered }
func (Ack) eventType() string                 { return EvtAck }
func (ConversationCreated) eventType() string { return EvtConversationCreated }
func (ConversationUpdated) eventType() string { return EvtConversationUpdated }
func (ConversationDeleted) eventType() string { return EvtConversationDeleted }
func (ServerError) eventType() string         { return EvtError }

// EncodeEvent wraps an event in its type envelope.
func EncodeEvent(e Event) ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event body: %w", err)
	}
	env := struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}{Type: e.eventType(), Data: body}
	return json.Marshal(env)
}

// DecodeEvent parses an inbound frame into a concrete event.
func DecodeEvent(data []byte) (Event, error) {
	var env struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode event envelope: %w", err)
	}

	var (
		evt Event
		err error
	)
	switch env.Type {
	case EvtMessageNew:
		var e MessageNew
		err = json.Unmarshal(env.Data, &e)
		evt = e
	case EvtMessageEdited:
		var e MessageEdited
		err = json.Unmarshal(env.Data, &e)
		evt = e
	case EvtMessageDeleted:
		var e MessageDeleted
		err = json.Unmarshal(env.Data, &e)
		evt = e
	case EvtMessageRead:
		var e MessageRead
		err = json.Unmarshal(env.Data, &e)
		evt = e
	case EvtMessageDelivered:
		var e MessageDelivered
		err = json.Unmarshal(env.Data, &e)
		evt = e
	case EvtAck:
		var e Ack
		err = json.Unmarshal(env.Data, &e)
		evt = e
	case EvtConversationCreated:
		var e ConversationCreated
		err = json.Unmarshal(env.Data, &e)
		evt = e
	case EvtConversationUpdated:
		var e ConversationUpdated
		err = json.Unmarshal(env.Data, &e)
		evt = e
	case EvtConversationDeleted:
		var e ConversationDeleted
		err = json.Unmarshal(env.Data, &e)
		evt = e
	case EvtError:
		var e ServerError
		err = json.Unmarshal(env.Data, &e)
		evt = e
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return evt, nil
}
