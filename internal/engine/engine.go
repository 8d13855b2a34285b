package engine

import (
	"context"
	"strings"
	"time"

	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"portalchat/internal/domain"
	"portalchat/internal/roster"
	"portalchat/internal/wire"
)

// Commander is the slice of the transport channel the engine drives.
// Sends are best-effort; the engine never blocks on them.
type Commander interface {
	Send(wire.Command) error
}

// API is the request/response collaborator surface the engine consumes
// outside the live channel.
type API interface {
	Messages(ctx context.Context, conversationID int64) ([]*domain.Message, error)
	AddMembers(ctx context.Context, conversationID int64, officeIDs []int64) (*domain.Conversation, error)
}

// NoticeLevel classifies user-visible notices. Nothing the engine surfaces
// is fatal; every failure degrades to a notice plus continued operation.
type NoticeLevel string

const (
	NoticeInfo  NoticeLevel = "info"
	NoticeError NoticeLevel = "error"
)

// Notifier receives presentation-layer signals. Implementations must not
// call back into the engine synchronously.
type Notifier interface {
	ConversationChanged(conversationID int64)
	RosterChanged()
	AutoScroll(conversationID int64)
	Notice(level NoticeLevel, message string)
}

// Config carries the engine's explicit session state. Identity and
// collaborators are injected here rather than read from any ambient store,
// so the engine is testable in isolation.
type Config struct {
	Self    domain.Participant
	Channel Commander
	API     API
	Roster  *roster.Store
	Notify  Notifier
	Logger  *zap.SugaredLogger
}

type openConversation struct {
	conv     domain.Conversation
	msgs     []*domain.Message
	atBottom bool
}

// Engine keeps the locally rendered conversation consistent with the
// server-authoritative event stream. It owns the ordered message list of
// the open conversation, the optimistic-send lifecycle, receipt
// aggregation, and the subscribe/unsubscribe discipline.
//
// All mutations are serialized through one mutex: inbound events arrive
// one at a time from the transport's read loop and user intents interleave
// with them exactly as a single-threaded event loop would.
type Engine struct {
	self   domain.Participant
	ch     Commander
	api    API
	roster *roster.Store
	notify Notifier
	log    *zap.SugaredLogger

	mu       sync.Mutex
	open     *openConversation
	fetchGen uint64
}

func New(cfg Config) *Engine {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Engine{
		self:   cfg.Self,
		ch:     cfg.Channel,
		api:    cfg.API,
		roster: cfg.Roster,
		notify: cfg.Notify,
		log:    log,
	}
}

// MessageView pairs a message with its derived display status.
type MessageView struct {
	domain.Message
	Status domain.Status
}

// Snapshot returns the open conversation and a copy of its message list
// with statuses computed fresh.
func (e *Engine) Snapshot() (domain.Conversation, []MessageView, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.open == nil {
		return domain.Conversation{}, nil, false
	}
	views := make([]MessageView, len(e.open.msgs))
	for i, m := range e.open.msgs {
		views[i] = MessageView{
			Message: *m,
			Status:  m.StatusFor(e.open.conv.RecipientIDs(m.Sender.ID)),
		}
	}
	return e.open.conv, views, true
}

// ActiveConversationID returns the id of the open conversation, or zero.
func (e *Engine) ActiveConversationID() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.open == nil {
		return 0
	}
	return e.open.conv.ID
}

// Open switches the engine to a conversation from the roster: the previous
// subscription is dropped, the new one established, and the history fetch
// started. A fetch that completes after another Open wins is discarded.
func (e *Engine) Open(ctx context.Context, conversationID int64) error {
	conv, ok := e.roster.Get(conversationID)
	if !ok {
		return domain.ErrNotFound
	}

	e.mu.Lock()
	if e.open != nil && e.open.conv.ID == conversationID {
		e.mu.Unlock()
		return nil
	}
	if e.open != nil {
		_ = e.ch.Send(wire.Unsubscribe{ConversationID: e.open.conv.ID})
	}
	e.open = &openConversation{conv: conv, atBottom: true}
	e.fetchGen++
	gen := e.fetchGen
	e.mu.Unlock()

	_ = e.ch.Send(wire.Subscribe{ConversationID: conversationID})
	e.roster.ClearUnseen(conversationID)
	e.notify.RosterChanged()

	go e.fetchHistory(ctx, conversationID, gen)
	return nil
}

// CloseActive unsubscribes and drops the open conversation, e.g. when the
// chat surface is dismissed. Cached roster state is unaffected.
func (e *Engine) CloseActive() {
	e.mu.Lock()
	var convID int64
	if e.open != nil {
		convID = e.open.conv.ID
		e.open = nil
	}
	e.mu.Unlock()
	if convID != 0 {
		_ = e.ch.Send(wire.Unsubscribe{ConversationID: convID})
	}
}

// Resubscribe replays the active subscription; the transport calls this
// after every reconnect.
func (e *Engine) Resubscribe() {
	e.mu.Lock()
	var convID int64
	if e.open != nil {
		convID = e.open.conv.ID
	}
	e.mu.Unlock()
	if convID != 0 {
		_ = e.ch.Send(wire.Subscribe{ConversationID: convID})
	}
}

func (e *Engine) fetchHistory(ctx context.Context, conversationID int64, gen uint64) {
	msgs, err := e.api.Messages(ctx, conversationID)

	e.mu.Lock()
	if e.open == nil || e.open.conv.ID != conversationID || gen != e.fetchGen {
		e.mu.Unlock()
		e.log.Debugw("discarding superseded history fetch", "conversation_id", conversationID)
		return
	}
	if err != nil {
		e.mu.Unlock()
		e.log.Warnw("history fetch failed", "conversation_id", conversationID, "err", err)
		e.notify.Notice(NoticeError, "failed to load messages")
		return
	}
	e.open.msgs = msgs
	var watermark int64
	if n := len(msgs); n > 0 {
		watermark = msgs[n-1].ID
	}
	e.mu.Unlock()

	if watermark > 0 {
		_ = e.ch.Send(wire.ReadMessages{ConversationID: conversationID, UpToMessageID: watermark})
	}
	e.notify.ConversationChanged(conversationID)
	e.notify.AutoScroll(conversationID)
}

// Send performs an optimistic send: the pending record is appended at once
// with a client timestamp and a fresh temp id, and the command goes out
// best-effort. Nothing blocks waiting for the acknowledgment.
func (e *Engine) Send(content, voiceNote string) error {
	content = strings.TrimSpace(content)
	if content == "" && voiceNote == "" {
		return domain.ErrInvalidInput
	}

	e.mu.Lock()
	if e.open == nil {
		e.mu.Unlock()
		return domain.ErrNoActiveChat
	}
	m := &domain.Message{
		TempID:         uuid.NewString(),
		ConversationID: e.open.conv.ID,
		Sender:         e.self,
		Content:        content,
		VoiceNote:      voiceNote,
		CreatedAt:      time.Now(),
		DeliveredBy:    domain.NewIDSet(),
		ReadBy:         domain.NewIDSet(),
	}
	e.open.msgs = append(e.open.msgs, m)
	convID := e.open.conv.ID
	cmd := wire.SendMessage{
		ConversationID: convID,
		Content:        content,
		VoiceNote:      voiceNote,
		TempID:         m.TempID,
	}
	e.mu.Unlock()

	e.notify.ConversationChanged(convID)
	e.notify.AutoScroll(convID)
	return e.ch.Send(cmd)
}

// Edit issues an edit for one of the user's own confirmed messages. The
// local record is updated when the broadcast comes back.
func (e *Engine) Edit(messageID int64, newContent string) error {
	newContent = strings.TrimSpace(newContent)
	if newContent == "" {
		return domain.ErrInvalidInput
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.open == nil {
		return domain.ErrNoActiveChat
	}
	m := e.findByID(messageID)
	if m == nil {
		return domain.ErrNotFound
	}
	if m.Sender.ID != e.self.ID || m.IsDeleted {
		return domain.ErrForbidden
	}
	return e.ch.Send(wire.EditMessage{MessageID: messageID, Content: newContent})
}

// Delete issues a delete-for-everyone for one of the user's own messages.
func (e *Engine) Delete(messageID int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.open == nil {
		return domain.ErrNoActiveChat
	}
	m := e.findByID(messageID)
	if m == nil {
		return domain.ErrNotFound
	}
	if m.Sender.ID != e.self.ID {
		return domain.ErrForbidden
	}
	return e.ch.Send(wire.DeleteMessage{MessageID: messageID, ForAll: true})
}

// Hide removes a message from the local view only. Other participants'
// copies are untouched and no broadcast is expected back; the server is
// told so the record stays hidden across refetches.
func (e *Engine) Hide(messageID int64) error {
	e.mu.Lock()
	if e.open == nil {
		e.mu.Unlock()
		return domain.ErrNoActiveChat
	}
	convID := e.open.conv.ID
	found := false
	for i, m := range e.open.msgs {
		if m.ID == messageID {
			e.open.msgs = append(e.open.msgs[:i], e.open.msgs[i+1:]...)
			found = true
			break
		}
	}
	e.mu.Unlock()

	if !found {
		return domain.ErrNotFound
	}
	e.notify.ConversationChanged(convID)
	return e.ch.Send(wire.DeleteMessage{MessageID: messageID, ForAll: false})
}

// MarkRead reports the read watermark for the newest confirmed message and
// clears the unseen counter.
func (e *Engine) MarkRead() {
	e.mu.Lock()
	if e.open == nil {
		e.mu.Unlock()
		return
	}
	convID := e.open.conv.ID
	var watermark int64
	for i := len(e.open.msgs) - 1; i >= 0; i-- {
		if id := e.open.msgs[i].ID; id > 0 {
			watermark = id
			break
		}
	}
	e.mu.Unlock()

	e.roster.ClearUnseen(convID)
	e.notify.RosterChanged()
	if watermark > 0 {
		_ = e.ch.Send(wire.ReadMessages{ConversationID: convID, UpToMessageID: watermark})
	}
}

// SetViewportAtBottom records whether the user is scrolled to the newest
// message. Reaching the bottom clears the unseen counter.
func (e *Engine) SetViewportAtBottom(atBottom bool) {
	e.mu.Lock()
	var convID int64
	if e.open != nil {
		e.open.atBottom = atBottom
		if atBottom {
			convID = e.open.conv.ID
		}
	}
	e.mu.Unlock()
	if convID != 0 {
		e.roster.ClearUnseen(convID)
		e.notify.RosterChanged()
	}
}

// AddMembers adds offices to the open group. Non-admins are rejected here,
// before anything reaches the server.
func (e *Engine) AddMembers(ctx context.Context, officeIDs []int64) error {
	e.mu.Lock()
	if e.open == nil {
		e.mu.Unlock()
		return domain.ErrNoActiveChat
	}
	conv := e.open.conv
	e.mu.Unlock()

	if !conv.IsGroup() {
		return domain.ErrInvalidInput
	}
	if conv.AdminID != e.self.ID {
		e.notify.Notice(NoticeError, "only the group admin can add members")
		return domain.ErrForbidden
	}
	updated, err := e.api.AddMembers(ctx, conv.ID, officeIDs)
	if err != nil {
		return err
	}
	e.applyConversationUpdate(updated)
	return nil
}

// HandleEvent applies one inbound channel event. The transport guarantees
// arrival-order, one-at-a-time delivery; the switch below is exhaustive
// over the protocol's event kinds.
func (e *Engine) HandleEvent(evt wire.Event) {
	switch ev := evt.(type) {
	case wire.MessageNew:
		e.onMessageNew(ev)
	case wire.MessageEdited:
		e.onMessageEdited(ev)
	case wire.MessageDeleted:
		e.onMessageDeleted(ev)
	case wire.MessageRead:
		e.onMessageRead(ev)
	case wire.MessageDelivered:
		e.onMessageDelivered(ev)
	case wire.Ack:
		e.onAck(ev)
	case wire.ConversationCreated:
		e.applyConversationUpdate(&ev.Conversation)
	case wire.ConversationUpdated:
		e.applyConversationUpdate(&ev.Conversation)
	case wire.ConversationDeleted:
		e.onConversationDeleted(ev)
	case wire.ServerError:
		e.notify.Notice(NoticeError, ev.Message)
	default:
		// Unreachable while wire's event set stays closed.
		e.log.Warnw("unhandled event kind", "event", evt)
	}
}

func (e *Engine) onMessageNew(ev wire.MessageNew) {
	msg := ev.Message.ToDomain()
	convID := msg.ConversationID

	e.mu.Lock()
	openConv := e.open != nil && e.open.conv.ID == convID
	var scroll, countUnseen bool
	if openConv {
		if existing := e.findByID(msg.ID); existing != nil {
			mergeMessage(existing, msg)
		} else {
			e.open.msgs = append(e.open.msgs, msg)
			if e.open.atBottom {
				scroll = true
			} else {
				countUnseen = true
			}
		}
	}
	e.mu.Unlock()

	// The roster preview updates for every conversation; the body is only
	// retained for the open one.
	e.roster.ApplyPreview(convID, msg.ToPreview())
	if !openConv || countUnseen {
		e.roster.IncrementUnseen(convID)
	}
	e.notify.RosterChanged()
	if openConv {
		e.notify.ConversationChanged(convID)
		if scroll {
			e.notify.AutoScroll(convID)
		}
	}
}

func (e *Engine) onMessageEdited(ev wire.MessageEdited) {
	e.mu.Lock()
	openConv := e.open != nil && e.open.conv.ID == ev.ConversationID
	if openConv {
		if m := e.findByID(ev.MessageID); m != nil {
			m.Content = ev.Content
			m.IsEdited = true
			t := ev.EditedAt
			m.EditedAt = &t
		}
	}
	e.mu.Unlock()

	// Background conversations only need the preview touched when the
	// edited message is the one previewed.
	if conv, ok := e.roster.Get(ev.ConversationID); ok {
		if lm := conv.LastMessage; lm != nil && lm.MessageID == ev.MessageID {
			p := *lm
			p.Content = ev.Content
			e.roster.ApplyPreview(ev.ConversationID, &p)
			e.notify.RosterChanged()
		}
	}
	if openConv {
		e.notify.ConversationChanged(ev.ConversationID)
	}
}

func (e *Engine) onMessageDeleted(ev wire.MessageDeleted) {
	e.mu.Lock()
	openConv := e.open != nil && e.open.conv.ID == ev.ConversationID
	if openConv {
		// The record keeps its position and timestamp; only content goes.
		if m := e.findByID(ev.MessageID); m != nil {
			m.IsDeleted = true
			m.Content = ""
			m.VoiceNote = ""
		}
	}
	e.mu.Unlock()

	if conv, ok := e.roster.Get(ev.ConversationID); ok {
		if lm := conv.LastMessage; lm != nil && lm.MessageID == ev.MessageID {
			p := *lm
			p.IsDeleted = true
			p.Content = ""
			p.VoiceNote = false
			e.roster.ApplyPreview(ev.ConversationID, &p)
			e.notify.RosterChanged()
		}
	}
	if openConv {
		e.notify.ConversationChanged(ev.ConversationID)
	}
}

func (e *Engine) onMessageRead(ev wire.MessageRead) {
	e.mu.Lock()
	openConv := e.open != nil && e.open.conv.ID == ev.ConversationID
	if openConv {
		for _, m := range e.open.msgs {
			if m.ID == 0 || m.ID > ev.UpToMessageID || m.Sender.ID == ev.ReaderID {
				continue
			}
			m.ReadBy = m.ReadBy.Add(ev.ReaderID)
		}
	}
	e.mu.Unlock()
	if openConv {
		e.notify.ConversationChanged(ev.ConversationID)
	}
}

func (e *Engine) onMessageDelivered(ev wire.MessageDelivered) {
	e.mu.Lock()
	openConv := e.open != nil && e.open.conv.ID == ev.ConversationID
	if openConv {
		for _, m := range e.open.msgs {
			if m.ID == 0 || m.Sender.ID == ev.RecipientID {
				continue
			}
			// Zero watermark means the bulk shape: everything so far.
			if ev.UpToMessageID > 0 && m.ID > ev.UpToMessageID {
				continue
			}
			m.DeliveredBy = m.DeliveredBy.Add(ev.RecipientID)
		}
	}
	e.mu.Unlock()
	if openConv {
		e.notify.ConversationChanged(ev.ConversationID)
	}
}

func (e *Engine) onAck(ev wire.Ack) {
	if !ev.OK {
		e.mu.Lock()
		var convID int64
		if e.open != nil {
			for i, m := range e.open.msgs {
				if m.TempID != "" && m.TempID == ev.TempID {
					e.open.msgs = append(e.open.msgs[:i], e.open.msgs[i+1:]...)
					convID = e.open.conv.ID
					break
				}
			}
		}
		e.mu.Unlock()

		reason := ev.Error
		if reason == "" {
			reason = "message send failed"
		}
		e.notify.Notice(NoticeError, reason)
		if convID != 0 {
			e.notify.ConversationChanged(convID)
		}
		return
	}
	if ev.Message == nil {
		e.log.Warnw("success ack without message", "temp_id", ev.TempID)
		return
	}

	confirmed := ev.Message.ToDomain()
	e.mu.Lock()
	var convID int64
	if e.open != nil && e.open.conv.ID == confirmed.ConversationID {
		if existing := e.findByID(confirmed.ID); existing != nil {
			// The broadcast echo beat the ack, so the confirmed record is
			// already in the list. Fold the ack into it and retire the
			// pending record; keeping both would duplicate the server id.
			mergeMessage(existing, confirmed)
			for i, m := range e.open.msgs {
				if m.TempID != "" && m.TempID == ev.TempID {
					e.open.msgs = append(e.open.msgs[:i], e.open.msgs[i+1:]...)
					break
				}
			}
			convID = e.open.conv.ID
		} else {
			for i, m := range e.open.msgs {
				if m.TempID != "" && m.TempID == ev.TempID {
					// Replace in place: the position is preserved and the
					// temp id retired, not kept as an alias.
					e.open.msgs[i] = confirmed
					convID = e.open.conv.ID
					break
				}
			}
		}
	}
	e.mu.Unlock()

	e.roster.ApplyPreview(confirmed.ConversationID, confirmed.ToPreview())
	e.notify.RosterChanged()
	if convID != 0 {
		e.notify.ConversationChanged(convID)
	}
}

func (e *Engine) applyConversationUpdate(conv *domain.Conversation) {
	e.roster.Upsert(conv)

	e.mu.Lock()
	openConv := e.open != nil && e.open.conv.ID == conv.ID
	if openConv {
		// Membership changes feed straight into receipt rosters.
		refreshed, ok := e.roster.Get(conv.ID)
		if ok {
			e.open.conv = refreshed
		}
	}
	e.mu.Unlock()

	e.notify.RosterChanged()
	if openConv {
		e.notify.ConversationChanged(conv.ID)
	}
}

func (e *Engine) onConversationDeleted(ev wire.ConversationDeleted) {
	e.roster.Remove(ev.ConversationID)

	e.mu.Lock()
	if e.open != nil && e.open.conv.ID == ev.ConversationID {
		e.open = nil
	}
	e.mu.Unlock()
	e.notify.RosterChanged()
}

// findByID locates a confirmed message in the open conversation. Callers
// hold e.mu.
func (e *Engine) findByID(id int64) *domain.Message {
	if id == 0 || e.open == nil {
		return nil
	}
	for _, m := range e.open.msgs {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// mergeMessage folds a duplicate new-message event into the existing
// record. Content fields take the event's values; receipt sets are
// unioned so replays never lose receipts.
func mergeMessage(dst, src *domain.Message) {
	dst.Content = src.Content
	dst.VoiceNote = src.VoiceNote
	dst.IsEdited = src.IsEdited
	dst.EditedAt = src.EditedAt
	dst.IsDeleted = src.IsDeleted
	if src.IsDeleted {
		dst.Content = ""
		dst.VoiceNote = ""
	}
	for id := range src.DeliveredBy {
		dst.DeliveredBy = dst.DeliveredBy.Add(id)
	}
	for id := range src.ReadBy {
		dst.ReadBy = dst.ReadBy.Add(id)
	}
}
