package ws

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"portalchat/internal/domain"
	"portalchat/internal/service"
	"portalchat/internal/wire"
)

func normalizeAllowedOrigins(origins []string) map[string]struct{} {
	res := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		o := strings.TrimSpace(strings.ToLower(origin))
		if o != "" {
			res[o] = struct{}{}
		}
	}
	return res
}

func makeCheckOrigin(allowedOrigins []string) func(r *http.Request) bool {
	allowed := normalizeAllowedOrigins(allowedOrigins)
	return func(r *http.Request) bool {
		origin := strings.TrimSpace(strings.ToLower(r.Header.Get("Origin")))
		if origin == "" {
			// Non-browser clients (the terminal client) send no Origin.
			return true
		}
		if _, ok := allowed[origin]; ok {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return false
		}
		normalized := strings.ToLower(fmt.Sprintf("%s://%s", u.Scheme, u.Host))
		_, ok := allowed[normalized]
		return ok
	}
}

func extractToken(r *http.Request) string {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return strings.TrimSpace(authHeader[len("Bearer "):])
	}
	// Browser WebSocket clients cannot set Authorization; they smuggle the
	// token through the subprotocol list.
	protocolHeader := r.Header.Get("Sec-WebSocket-Protocol")
	if protocolHeader != "" {
		parts := strings.Split(protocolHeader, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		if len(parts) >= 2 && strings.EqualFold(parts[0], "bearer") {
			return parts[1]
		}
	}
	return ""
}

// MakeHandler returns the HTTP handler for the /ws/chat endpoint. After
// the bearer-token handshake each inbound frame is decoded into a typed
// command and dispatched; malformed or unknown frames get an error event
// back, never a dropped connection.
func MakeHandler(
	hub *Hub,
	auth *service.AuthService,
	msgSvc *service.MessageService,
	participants domain.ParticipantRepository,
	allowedOrigins []string,
	log *zap.SugaredLogger,
) http.HandlerFunc {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	checkOrigin := makeCheckOrigin(allowedOrigins)
	upgrader := websocket.Upgrader{
		CheckOrigin:  checkOrigin,
		Subprotocols: []string{"bearer"},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		tokenStr := extractToken(r)
		if tokenStr == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		user, err := auth.Authenticate(r.Context(), tokenStr)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sess := hub.Register(user.ID, conn)
		defer hub.Unregister(sess)
		log.Infow("channel connected", "user_id", user.ID)

		// Coming online counts as delivery for everything sent while the
		// user was away. The bulk receipt (zero watermark) goes out once
		// per conversation.
		announceDelivered(r.Context(), hub, msgSvc, participants, user.ID, log)

		h := &commandHandler{
			hub:          hub,
			msgSvc:       msgSvc,
			participants: participants,
			user:         user,
			sess:         sess,
			log:          log,
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				log.Infow("channel disconnected", "user_id", user.ID)
				return
			}
			cmd, err := wire.DecodeCommand(data)
			if err != nil {
				log.Warnw("malformed command", "user_id", user.ID, "err", err)
				hub.SendTo(sess, wire.ServerError{Message: "malformed command"})
				continue
			}
			h.handle(r.Context(), cmd)
		}
	}
}

func announceDelivered(
	ctx context.Context,
	hub *Hub,
	msgSvc *service.MessageService,
	participants domain.ParticipantRepository,
	userID int64,
	log *zap.SugaredLogger,
) {
	convIDs, err := participants.ListConversationIDs(ctx, userID)
	if err != nil {
		log.Warnw("list conversations for delivery", "user_id", userID, "err", err)
		return
	}
	for _, convID := range convIDs {
		latest, err := msgSvc.MarkDelivered(ctx, convID, userID)
		if err != nil {
			log.Warnw("mark delivered", "conversation_id", convID, "err", err)
			continue
		}
		if latest == 0 {
			continue
		}
		ids, err := msgSvc.ParticipantIDs(ctx, convID)
		if err != nil {
			continue
		}
		hub.Broadcast(ids, wire.MessageDelivered{
			ConversationID: convID,
			RecipientID:    userID,
		})
	}
}

type commandHandler struct {
	hub          *Hub
	msgSvc       *service.MessageService
	participants domain.ParticipantRepository
	user         *domain.User
	sess         *Session
	log          *zap.SugaredLogger
}

func (h *commandHandler) handle(ctx context.Context, cmd wire.Command) {
	switch c := cmd.(type) {
	case wire.Subscribe:
		h.onSubscribe(ctx, c)
	case wire.Unsubscribe:
		h.sess.unsubscribe(c.ConversationID)
	case wire.SendMessage:
		h.onSend(ctx, c)
	case wire.EditMessage:
		h.onEdit(ctx, c)
	case wire.DeleteMessage:
		h.onDelete(ctx, c)
	case wire.ReadMessages:
		h.onRead(ctx, c)
	default:
		h.hub.SendTo(h.sess, wire.ServerError{Message: "unsupported command"})
	}
}

func (h *commandHandler) onSubscribe(ctx context.Context, c wire.Subscribe) {
	ok, err := h.participants.IsParticipant(ctx, c.ConversationID, h.user.ID)
	if err != nil || !ok {
		h.hub.SendTo(h.sess, wire.ServerError{Message: "not a participant in this conversation"})
		return
	}
	h.sess.subscribe(c.ConversationID)

	// Opening the conversation delivers everything in it.
	latest, err := h.msgSvc.MarkDelivered(ctx, c.ConversationID, h.user.ID)
	if err != nil {
		h.log.Warnw("mark delivered on subscribe", "conversation_id", c.ConversationID, "err", err)
		return
	}
	if latest == 0 {
		return
	}
	h.broadcast(ctx, c.ConversationID, wire.MessageDelivered{
		ConversationID: c.ConversationID,
		RecipientID:    h.user.ID,
		UpToMessageID:  latest,
	})
}

func (h *commandHandler) onSend(ctx context.Context, c wire.SendMessage) {
	msg, err := h.msgSvc.CreateMessage(ctx, service.MessageCreateInput{
		ConversationID: c.ConversationID,
		Content:        c.Content,
		VoiceNote:      c.VoiceNote,
	}, h.user)
	if err != nil {
		h.log.Warnw("create message", "user_id", h.user.ID, "err", err)
		h.hub.SendTo(h.sess, wire.Ack{OK: false, TempID: c.TempID, Error: rejectionReason(err)})
		return
	}

	confirmed := wire.FromDomain(msg)
	h.hub.SendTo(h.sess, wire.Ack{OK: true, TempID: c.TempID, Message: &confirmed})

	ids, err := h.msgSvc.ParticipantIDs(ctx, msg.ConversationID)
	if err != nil {
		h.log.Errorw("list participants", "conversation_id", msg.ConversationID, "err", err)
		return
	}
	h.hub.BroadcastExcept(ids, h.sess, wire.MessageNew{Message: confirmed})

	// Recipients with a live session have the message on screen or in
	// their roster immediately; record that as delivery.
	for _, id := range ids {
		if id == h.user.ID || !h.hub.Connected(id) {
			continue
		}
		if _, err := h.msgSvc.MarkDelivered(ctx, msg.ConversationID, id); err != nil {
			continue
		}
		h.hub.Broadcast(ids, wire.MessageDelivered{
			ConversationID: msg.ConversationID,
			RecipientID:    id,
			UpToMessageID:  msg.ID,
		})
	}
}

func (h *commandHandler) onEdit(ctx context.Context, c wire.EditMessage) {
	msg, err := h.msgSvc.EditMessage(ctx, h.user.ID, c.MessageID, c.Content)
	if err != nil {
		h.log.Warnw("edit message", "message_id", c.MessageID, "err", err)
		h.hub.SendTo(h.sess, wire.ServerError{Message: rejectionReason(err)})
		return
	}
	h.broadcast(ctx, msg.ConversationID, wire.MessageEdited{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		Content:        msg.Content,
		EditedAt:       *msg.EditedAt,
	})
}

func (h *commandHandler) onDelete(ctx context.Context, c wire.DeleteMessage) {
	if !c.ForAll {
		// A hide touches only the requester's view; nothing is broadcast.
		if err := h.msgSvc.HideForUser(ctx, h.user.ID, c.MessageID); err != nil {
			h.log.Warnw("hide message", "message_id", c.MessageID, "err", err)
			h.hub.SendTo(h.sess, wire.ServerError{Message: rejectionReason(err)})
		}
		return
	}
	msg, err := h.msgSvc.DeleteForEveryone(ctx, h.user.ID, c.MessageID)
	if err != nil {
		h.log.Warnw("delete message", "message_id", c.MessageID, "err", err)
		h.hub.SendTo(h.sess, wire.ServerError{Message: rejectionReason(err)})
		return
	}
	h.broadcast(ctx, msg.ConversationID, wire.MessageDeleted{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
	})
}

func (h *commandHandler) onRead(ctx context.Context, c wire.ReadMessages) {
	if err := h.msgSvc.MarkRead(ctx, c.ConversationID, h.user.ID, c.UpToMessageID); err != nil {
		h.log.Warnw("mark read", "conversation_id", c.ConversationID, "err", err)
		h.hub.SendTo(h.sess, wire.ServerError{Message: rejectionReason(err)})
		return
	}
	h.broadcast(ctx, c.ConversationID, wire.MessageRead{
		ConversationID: c.ConversationID,
		UpToMessageID:  c.UpToMessageID,
		ReaderID:       h.user.ID,
	})
}

func (h *commandHandler) broadcast(ctx context.Context, conversationID int64, evt wire.Event) {
	ids, err := h.msgSvc.ParticipantIDs(ctx, conversationID)
	if err != nil {
		h.log.Errorw("list participants", "conversation_id", conversationID, "err", err)
		return
	}
	h.hub.Broadcast(ids, evt)
}

// rejectionReason strips wrapping so clients see a short human-readable
// reason rather than an internal error chain.
func rejectionReason(err error) string {
	msg := err.Error()
	if i := strings.LastIndex(msg, ": "); i >= 0 {
		return msg[i+2:]
	}
	return msg
}
