package domain

import "time"

// ConversationKind distinguishes two-party and group conversations.
type ConversationKind string

const (
	KindDirect ConversationKind = "direct"
	KindGroup  ConversationKind = "group"
)

// Participant is a conversation member as the server reports it.
type Participant struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	OfficeID int64  `json:"office_id,omitempty"`
}

// Preview is the denormalized cache of a conversation's newest message,
// used by the roster without retaining the full message body.
type Preview struct {
	MessageID  int64     `json:"message_id"`
	SenderName string    `json:"sender_name"`
	Content    string    `json:"content"`
	VoiceNote  bool      `json:"voice_note"`
	IsDeleted  bool      `json:"is_deleted"`
	SentAt     time.Time `json:"sent_at"`
}

// Conversation is a direct or group chat thread plus the per-user flags
// (pinned, archived, unseen) the roster tracks for it.
type Conversation struct {
	ID           int64            `json:"id"`
	Kind         ConversationKind `json:"kind"`
	Name         string           `json:"name,omitempty"`
	Participants []Participant    `json:"participants"`
	AdminID      int64            `json:"admin_id,omitempty"` // zero when vacated
	Pinned       bool             `json:"pinned"`
	Archived     bool             `json:"archived"`
	LastMessage  *Preview         `json:"last_message,omitempty"`
	Unseen       int              `json:"unseen"`
}

// IsGroup reports whether the conversation is a group thread.
func (c *Conversation) IsGroup() bool { return c.Kind == KindGroup }

// Counterpart returns the other participant of a direct conversation.
func (c *Conversation) Counterpart(selfID int64) (Participant, bool) {
	if c.IsGroup() {
		return Participant{}, false
	}
	for _, p := range c.Participants {
		if p.ID != selfID {
			return p, true
		}
	}
	return Participant{}, false
}

// RecipientIDs returns the ids of every current participant other than the
// sender. Removed members are absent from Participants and therefore never
// waited on for delivery or read tracking.
func (c *Conversation) RecipientIDs(senderID int64) []int64 {
	ids := make([]int64, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p.ID != senderID {
			ids = append(ids, p.ID)
		}
	}
	return ids
}

// HasParticipant reports whether the user is a current member.
func (c *Conversation) HasParticipant(userID int64) bool {
	for _, p := range c.Participants {
		if p.ID == userID {
			return true
		}
	}
	return false
}

// LastActivity is the ordering timestamp for the roster: the newest message
// if there is one, else the zero time.
func (c *Conversation) LastActivity() time.Time {
	if c.LastMessage != nil {
		return c.LastMessage.SentAt
	}
	return time.Time{}
}

// IDSet is a set of participant ids, used for receipt bookkeeping.
type IDSet map[int64]struct{}

func NewIDSet(ids ...int64) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s IDSet) Has(id int64) bool { _, ok := s[id]; return ok }

// Add returns the set with id added, allocating if the set is nil.
func (s IDSet) Add(id int64) IDSet {
	if s == nil {
		s = make(IDSet, 1)
	}
	s[id] = struct{}{}
	return s
}

// Message is a single chat message. Before the server acknowledges it the
// message carries only a client-generated TempID and ID is zero; once
// confirmed, ID is the authoritative server id and never changes.
type Message struct {
	ID             int64       `json:"id,omitempty"`
	TempID         string      `json:"temp_id,omitempty"`
	ConversationID int64       `json:"conversation_id"`
	Sender         Participant `json:"sender"`
	Content        string      `json:"content"`
	VoiceNote      string      `json:"voice_note,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	EditedAt       *time.Time  `json:"edited_at,omitempty"`
	IsEdited       bool        `json:"is_edited"`
	IsDeleted      bool        `json:"is_deleted"`
	DeliveredBy    IDSet       `json:"-"`
	ReadBy         IDSet       `json:"-"`
}

// Pending reports whether the message is still awaiting its server id.
func (m *Message) Pending() bool { return m.ID == 0 }

// ToPreview collapses the message into a roster preview.
func (m *Message) ToPreview() *Preview {
	return &Preview{
		MessageID:  m.ID,
		SenderName: m.Sender.Name,
		Content:    m.Content,
		VoiceNote:  m.VoiceNote != "",
		IsDeleted:  m.IsDeleted,
		SentAt:     m.CreatedAt,
	}
}
