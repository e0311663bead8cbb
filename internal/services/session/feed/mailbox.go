package feed

import (
	"sync"

	"github.com/louisbranch/encounter.space/internal/services/session/domain"
)

// mailbox is a one-slot, version-ordered, latest-wins queue.
type mailbox struct {
	mu     sync.Mutex
	ch     chan domain.Session
	last   int64
	closed bool
}

func newMailbox() *mailbox {
	return &mailbox{ch: make(chan domain.Session, 1)}
}

// offer replaces any undelivered row with s. Rows not newer than the last
// offered version are dropped.
func (m *mailbox) offer(s domain.Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || s.Version <= m.last {
		return false
	}
	m.last = s.Version
	select {
	case <-m.ch:
	default:
	}
	m.ch <- s.Clone()
	return true
}

func (m *mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.ch)
}
