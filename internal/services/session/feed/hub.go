package feed

import (
	"context"
	"strings"
	"sync"

	"github.com/louisbranch/encounter.space/internal/services/session/domain"
)

// Hub fans published rows out to per-session subscribers.
type Hub struct {
	mu    sync.Mutex
	rooms map[string]*room
}

type room struct {
	mu     sync.Mutex
	latest int64
	subs   map[*Subscription]struct{}
}

// Subscription receives rows of one session until closed.
type Subscription struct {
	hub       *Hub
	sessionID string
	box       *mailbox
	once      sync.Once
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{rooms: make(map[string]*room)}
}

func (h *Hub) room(sessionID string) *room {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rooms[sessionID]
}

// Publish delivers s to every subscriber of s.ID. Rows older than the last
// published version are ignored.
func (h *Hub) Publish(s domain.Session) {
	if h == nil || strings.TrimSpace(s.ID) == "" {
		return
	}
	r := h.room(s.ID)
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.Version <= r.latest {
		return
	}
	r.latest = s.Version
	for sub := range r.subs {
		sub.box.offer(s)
	}
}

// Subscribe registers for rows of sessionID.
func (h *Hub) Subscribe(sessionID string) *Subscription {
	sub := &Subscription{hub: h, sessionID: sessionID, box: newMailbox()}
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[sessionID]
	if !ok {
		r = &room{subs: make(map[*Subscription]struct{})}
		h.rooms[sessionID] = r
	}
	r.mu.Lock()
	r.subs[sub] = struct{}{}
	r.mu.Unlock()
	return sub
}

// Stream adapts Subscribe to a channel that closes when ctx ends.
func (h *Hub) Stream(ctx context.Context, sessionID string) (<-chan domain.Session, error) {
	sub := h.Subscribe(sessionID)
	go func() {
		<-ctx.Done()
		sub.Close()
	}()
	return sub.C(), nil
}

// C returns the delivery channel. It is closed by Close.
func (s *Subscription) C() <-chan domain.Session {
	return s.box.ch
}

// Offer pushes a row directly to this subscriber, typically the snapshot read
// right after subscribing.
func (s *Subscription) Offer(row domain.Session) bool {
	return s.box.offer(row)
}

// Close unregisters the subscription and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() {
		h := s.hub
		h.mu.Lock()
		if r, ok := h.rooms[s.sessionID]; ok {
			r.mu.Lock()
			delete(r.subs, s)
			if len(r.subs) == 0 {
				delete(h.rooms, s.sessionID)
			}
			r.mu.Unlock()
		}
		h.mu.Unlock()
		s.box.close()
	})
}

// Subscribers returns how many subscriptions sessionID has.
func (h *Hub) Subscribers(sessionID string) int {
	r := h.room(sessionID)
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// CloseAll closes every open subscription. Connected sockets end and remote
// clients re-dial.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	var subs []*Subscription
	for _, r := range h.rooms {
		r.mu.Lock()
		for sub := range r.subs {
			subs = append(subs, sub)
		}
		r.mu.Unlock()
	}
	h.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}
