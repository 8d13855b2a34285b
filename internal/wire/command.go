package wire

import (
	"encoding/json"
	"fmt"
)

// Command type strings sent over the channel.
const (
	CmdSubscribe     = "chat.subscribe"
	CmdUnsubscribe   = "chat.unsubscribe"
	CmdSendMessage   = "chat.message.send"
	CmdEditMessage   = "chat.message.edit"
	CmdDeleteMessage = "chat.message.delete"
	CmdReadMessages  = "chat.message.read"
)

// Command is a client-issued instruction serialized onto the channel. The
// set of implementations is closed.
type Command interface {
	commandType() string
}

// Subscribe asks the server to start pushing live events for a conversation.
type Subscribe struct {
	ConversationID int64 `json:"conversation_id"`
}

// Unsubscribe is advisory: the server stops pushing live events for the
// conversation; locally cached state is unaffected.
type Unsubscribe struct {
	ConversationID int64 `json:"conversation_id"`
}

// SendMessage carries an optimistic send. TempID correlates the eventual
// acknowledgment with the pending local record.
type SendMessage struct {
	ConversationID int64  `json:"conversation_id"`
	Content        string `json:"content"`
	VoiceNote      string `json:"voice_note,omitempty"`
	TempID         string `json:"temp_id"`
}

// EditMessage replaces the content of a previously confirmed message.
type EditMessage struct {
	MessageID int64  `json:"message_id"`
	Content   string `json:"content"`
}

// DeleteMessage soft-deletes for everyone when ForAll is set; otherwise the
// server records a hide visible only to the requesting user and broadcasts
// nothing.
type DeleteMessage struct {
	MessageID int64 `json:"message_id"`
	ForAll    bool  `json:"for_all"`
}

// ReadMessages reports the read watermark: every message in the
// conversation with id <= UpToMessageID is read by the sender of this
// command.
type ReadMessages struct {
	ConversationID int64 `json:"conversation_id"`
	UpToMessageID  int64 `json:"up_to_message_id"`
}

func (Subscribe) commandType() string     { return CmdSubscribe }
func (Unsubscribe) commandType() string   { return CmdUnsubscribe }
func (SendMessage) commandType() string   { return CmdSendMessage }
func (EditMessage) commandType() string   { return CmdEditMessage }
func (DeleteMessage) commandType() string { return CmdDeleteMessage }
func (ReadMessages) commandType() string  { return CmdReadMessages }

// EncodeCommand wraps a command in its type envelope.
func EncodeCommand(c Command) ([]byte, error) {
	body, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal command body: %w", err)
	}
	env := struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}{Type: c.commandType(), Data: body}
	return json.Marshal(env)
}

// DecodeCommand parses a command envelope; the server side of the channel
// uses it to dispatch on concrete types.
func DecodeCommand(data []byte) (Command, error) {
	var env struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode command envelope: %w", err)
	}

	var (
		cmd Command
		err error
	)
	switch env.Type {
	case CmdSubscribe:
		var c Subscribe
		err = json.Unmarshal(env.Data, &c)
		cmd = c
	case CmdUnsubscribe:
		var c Unsubscribe
		err = json.Unmarshal(env.Data, &c)
		cmd = c
	case CmdSendMessage:
		var c SendMessage
		err = json.Unmarshal(env.Data, &c)
		cmd = c
	case CmdEditMessage:
		var c EditMessage
		err = json.Unmarshal(env.Data, &c)
		cmd = c
	case CmdDeleteMessage:
		var c DeleteMessage
		err = json.Unmarshal(env.Data, &c)
		cmd = c
	case CmdReadMessages:
		var c ReadMessages
		err = json.Unmarshal(env.Data, &c)
		cmd = c
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return cmd, nil
}
