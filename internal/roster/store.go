package roster

import (
	"sort"
	"strings"
	"sync"

	"portalchat/internal/domain"
)

// KindFilter narrows the roster to one conversation kind.
type KindFilter string

const (
	FilterAll    KindFilter = "all"
	FilterDirect KindFilter = "direct"
	FilterGroup  KindFilter = "group"
)

// Filter is a pure projection over the roster. Filtering is recomputed on
// every List call rather than patched incrementally, so the view can never
// drift from the underlying state.
type Filter struct {
	Kind     KindFilter
	Archived bool
	Query    string
}

// Store holds the conversations visible to the user. It is mutated both by
// the sync engine (previews, unseen counters, membership events) and by
// direct user actions (pin, archive, local delete); every mutation goes
// through a store method so writers always operate on the latest snapshot.
type Store struct {
	mu    sync.RWMutex
	convs map[int64]*domain.Conversation
}

func NewStore() *Store {
	return &Store{convs: make(map[int64]*domain.Conversation)}
}

// Replace swaps in a freshly fetched conversation list, carrying over the
// locally tracked unseen counters.
func (s *Store) Replace(convs []*domain.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make(map[int64]*domain.Conversation, len(convs))
	for _, c := range convs {
		cp := *c
		if prev, ok := s.convs[c.ID]; ok {
			cp.Unseen = prev.Unseen
		}
		next[cp.ID] = &cp
	}
	s.convs = next
}

// Upsert inserts or replaces a conversation. The unseen counter and the
// pin/archive flags are per-user state that broadcast events do not carry,
// so they survive the replacement.
func (s *Store) Upsert(conv *domain.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *conv
	if prev, ok := s.convs[conv.ID]; ok {
		cp.Unseen = prev.Unseen
		cp.Pinned = prev.Pinned
		cp.Archived = prev.Archived
	}
	s.convs[cp.ID] = &cp
}

// Remove drops a conversation, for an explicit deletion event or a local
// delete.
func (s *Store) Remove(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.convs, id)
}

// Get returns a copy of the conversation, if present.
func (s *Store) Get(id int64) (domain.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[id]
	if !ok {
		return domain.Conversation{}, false
	}
	return *c, true
}

// ApplyPreview updates the denormalized last-message cache.
func (s *Store) ApplyPreview(convID int64, p *domain.Preview) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.convs[convID]; ok {
		c.LastMessage = p
	}
}

// IncrementUnseen bumps the unseen counter and returns the new value.
func (s *Store) IncrementUnseen(convID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.convs[convID]; ok {
		c.Unseen++
		return c.Unseen
	}
	return 0
}

// ClearUnseen resets the unseen counter.
func (s *Store) ClearUnseen(convID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.convs[convID]; ok {
		c.Unseen = 0
	}
}

// SetPinned toggles the pin flag.
func (s *Store) SetPinned(convID int64, pinned bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.convs[convID]; ok {
		c.Pinned = pinned
	}
}

// SetArchived toggles the archive flag.
func (s *Store) SetArchived(convID int64, archived bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.convs[convID]; ok {
		c.Archived = archived
	}
}

// List returns the conversations matching the filter, ordered for display:
// pinned before unpinned, most recent activity first within each group,
// ties broken by ascending conversation id so the order is deterministic.
func (s *Store) List(f Filter) []domain.Conversation {
	s.mu.RLock()
	res := make([]domain.Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		if matches(c, f) {
			res = append(res, *c)
		}
	}
	s.mu.RUnlock()

	sort.Slice(res, func(i, j int) bool {
		a, b := &res[i], &res[j]
		if a.Pinned != b.Pinned {
			return a.Pinned
		}
		at, bt := a.LastActivity(), b.LastActivity()
		if !at.Equal(bt) {
			return at.After(bt)
		}
		return a.ID < b.ID
	})
	return res
}

func matches(c *domain.Conversation, f Filter) bool {
	switch f.Kind {
	case FilterDirect:
		if c.IsGroup() {
			return false
		}
	case FilterGroup:
		if !c.IsGroup() {
			return false
		}
	}
	if c.Archived != f.Archived {
		return false
	}
	q := strings.ToLower(strings.TrimSpace(f.Query))
	if q == "" {
		return true
	}
	if c.IsGroup() && strings.Contains(strings.ToLower(c.Name), q) {
		return true
	}
	for _, p := range c.Participants {
		if strings.Contains(strings.ToLower(p.Name), q) {
			return true
		}
	}
	if c.LastMessage != nil && strings.Contains(strings.ToLower(c.LastMessage.Content), q) {
		return true
	}
	return false
}
