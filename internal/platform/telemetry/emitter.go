package telemetry

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Event is one audit record for a session.
type Event struct {
	SessionID  string
	Name       string
	Actor      string
	Version    int64
	Attributes map[string]string
	Timestamp  time.Time
}

// Store persists audit events.
type Store interface {
	AppendSessionEvent(ctx context.Context, evt Event) error
}

// Emitter stamps and stores audit events. A nil Emitter, or one without a
// store, drops events silently.
type Emitter struct {
	store Store
	clock func() time.Time
}

// NewEmitter builds an emitter. A nil clock falls back to time.Now.
func NewEmitter(store Store, clock func() time.Time) *Emitter {
	return &Emitter{store: store, clock: clock}
}

// Emit stores evt, filling Timestamp when unset.
func (e *Emitter) Emit(ctx context.Context, evt Event) error {
	if e == nil || e.store == nil {
		return nil
	}
	if strings.TrimSpace(evt.Name) == "" {
		return fmt.Errorf("event name is required")
	}
	if evt.Timestamp.IsZero() {
		clock := e.clock
		if clock == nil {
			clock = time.Now
		}
		evt.Timestamp = clock().UTC()
	}
	if err := e.store.AppendSessionEvent(ctx, evt); err != nil {
		return fmt.Errorf("append session event %s: %w", evt.Name, err)
	}
	return nil
}
