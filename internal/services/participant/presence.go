package participant

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/louisbranch/encounter.space/internal/platform/telemetry/metrics"
	"github.com/louisbranch/encounter.space/internal/platform/timeouts"
)

const instrumentationScope = "github.com/louisbranch/encounter.space/internal/services/participant"

// DefaultPollCycles bounds the fallback participant poll after the local join.
const DefaultPollCycles = 10

// PresenceTracker counts who is in the room from transport callbacks and
// fallback polls. The count is for display only; activation is decided by the
// session server from the stored join stamps.
type PresenceTracker struct {
	sessionID string

	mu      sync.Mutex
	present map[string]bool
	self    string

	events  metric.Int64Counter
	current metric.Int64UpDownCounter
}

// NewPresenceTracker builds a tracker for one session.
func NewPresenceTracker(sessionID string) *PresenceTracker {
	return &PresenceTracker{
		sessionID: sessionID,
		present:   make(map[string]bool),
		events: metrics.Int64Counter(instrumentationScope, "encounter.participant.presence.events",
			"Transport membership events observed by a participant"),
		current: metrics.Int64UpDownCounter(instrumentationScope, "encounter.participant.present",
			"Participants currently observed in the room"),
	}
}

// Observe applies a transport event and reports whether membership changed.
func (p *PresenceTracker) Observe(ctx context.Context, ev TransportEvent) bool {
	if ev.Kind != TransportJoined && ev.Kind != TransportLeft {
		return false
	}
	metrics.Add(ctx, p.events, p.sessionID, attribute.String("kind", string(ev.Kind)), attribute.Bool("local", ev.Local))

	p.mu.Lock()
	defer p.mu.Unlock()
	if ev.Local && ev.ParticipantID != "" {
		p.self = ev.ParticipantID
	}
	id := ev.ParticipantID
	if id == "" && ev.Local {
		id = p.self
	}
	if id == "" {
		return false
	}
	return p.set(ctx, id, ev.Kind == TransportJoined)
}

// Reconcile replaces membership with a polled participant list. It returns
// whether membership changed and whether self is in the list.
func (p *PresenceTracker) Reconcile(ctx context.Context, ids []string) (changed, selfPresent bool) {
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id != "" {
			seen[id] = true
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for id := range p.present {
		if !seen[id] && p.set(ctx, id, false) {
			changed = true
		}
	}
	for id := range seen {
		if p.set(ctx, id, true) {
			changed = true
		}
	}
	return changed, p.self != "" && seen[p.self]
}

// SetSelf records the participant id of this process.
func (p *PresenceTracker) SetSelf(id string) {
	p.mu.Lock()
	p.self = id
	p.mu.Unlock()
}

// Count returns how many participants are present.
func (p *PresenceTracker) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.present)
}

// Present lists present participant ids in sorted order.
func (p *PresenceTracker) Present() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.present))
	for id := range p.present {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Reset clears membership, as when leaving the room.
func (p *PresenceTracker) Reset(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id := range p.present {
		p.set(ctx, id, false)
	}
}

// set must be called with p.mu held.
func (p *PresenceTracker) set(ctx context.Context, id string, present bool) bool {
	if p.present[id] == present {
		return false
	}
	if present {
		p.present[id] = true
		p.current.Add(ctx, 1, metrics.SessionAttrs(p.sessionID))
	} else {
		delete(p.present, id)
		p.current.Add(ctx, -1, metrics.SessionAttrs(p.sessionID))
	}
	return true
}

// presencePoll lists room participants a bounded number of times. Stopping it
// is tied to activation: the coordinator cancels the poll once the stored row
// is active.
type presencePoll struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// startPresencePoll calls report with each listing, at most cycles times.
// report must return once ctx is done.
func startPresencePoll(ctx context.Context, transport Transport, interval time.Duration, cycles int, report func(ctx context.Context, ids []string, err error)) *presencePoll {
	if interval <= 0 {
		interval = timeouts.PresencePoll
	}
	if cycles <= 0 {
		cycles = DefaultPollCycles
	}
	ctx, cancel := context.WithCancel(ctx)
	poll := &presencePoll{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(poll.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for i := 0; i < cycles; i++ {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			ids, err := transport.Participants(ctx)
			if ctx.Err() != nil {
				return
			}
			report(ctx, ids, err)
		}
	}()
	return poll
}

// Stop cancels the poll and waits for it to exit. It is nil-safe.
func (p *presencePoll) Stop() {
	if p == nil {
		return
	}
	p.cancel()
	<-p.done
}
