package ws

import (
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"portalchat/internal/wire"
)

// Session is one live channel connection. A user may hold several at once
// (portal tabs); each tracks its own conversation subscriptions.
type Session struct {
	UserID int64

	mu   sync.Mutex
	conn *websocket.Conn
	subs map[int64]struct{}
}

func (s *Session) send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Session) subscribe(conversationID int64) {
	s.mu.Lock()
	s.subs[conversationID] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) unsubscribe(conversationID int64) {
	s.mu.Lock()
	delete(s.subs, conversationID)
	s.mu.Unlock()
}

// Hub tracks the live sessions keyed by user id and fans events out to
// them. It knows nothing about chat semantics; callers decide who hears
// what.
type Hub struct {
	mu       sync.RWMutex
	sessions map[int64]map[*Session]struct{}
	log      *zap.SugaredLogger
}

func NewHub(log *zap.SugaredLogger) *Hub {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Hub{
		sessions: make(map[int64]map[*Session]struct{}),
		log:      log,
	}
}

// Register adds a connection for the given user.
func (h *Hub) Register(userID int64, conn *websocket.Conn) *Session {
	s := &Session{
		UserID: userID,
		conn:   conn,
		subs:   make(map[int64]struct{}),
	}
	h.mu.Lock()
	if h.sessions[userID] == nil {
		h.sessions[userID] = make(map[*Session]struct{})
	}
	h.sessions[userID][s] = struct{}{}
	h.mu.Unlock()
	return s
}

// Unregister removes a session.
func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.sessions[s.UserID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.sessions, s.UserID)
		}
	}
}

// SendTo delivers an event to a single session.
func (h *Hub) SendTo(s *Session, evt wire.Event) {
	data, err := wire.EncodeEvent(evt)
	if err != nil {
		h.log.Errorw("encode event", "err", err)
		return
	}
	if err := s.send(data); err != nil {
		h.log.Debugw("session write failed", "user_id", s.UserID, "err", err)
	}
}

// Broadcast delivers an event to every session of the given users.
func (h *Hub) Broadcast(userIDs []int64, evt wire.Event) {
	h.BroadcastExcept(userIDs, nil, evt)
}

// BroadcastExcept delivers an event to every session of the given users,
// skipping one session (typically the originator, which got an ack
// instead). Failed writes are logged; cleanup happens when the session's
// read loop exits.
func (h *Hub) BroadcastExcept(userIDs []int64, except *Session, evt wire.Event) {
	data, err := wire.EncodeEvent(evt)
	if err != nil {
		h.log.Errorw("encode event", "err", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, uid := range userIDs {
		for s := range h.sessions[uid] {
			if s == except {
				continue
			}
			if err := s.send(data); err != nil {
				h.log.Debugw("session write failed", "user_id", uid, "err", err)
			}
		}
	}
}

// Connected reports whether the user has at least one live session.
func (h *Hub) Connected(userID int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[userID]) > 0
}
