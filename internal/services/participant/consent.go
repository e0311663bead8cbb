package participant

import (
	"context"
	"sync"

	apperrors "github.com/louisbranch/encounter.space/internal/platform/errors"
	"github.com/louisbranch/encounter.space/internal/services/session/domain"
)

// ConsentCoordinator gates recording on both parties' consent. Every consent
// change is checked against an in-progress recording, which is stopped before
// the change returns.
type ConsentCoordinator struct {
	recorder Recorder

	mu        sync.Mutex
	a, b      domain.Consent
	rowA      domain.Consent
	rowB      domain.Consent
	version   int64
	recording bool

	// pending is this party's own denial until a stored row reflects it.
	pending      domain.Consent
	pendingParty domain.Party
	// resetOther hides the other party's stored grant after a local denial
	// until a row shows the server reset it.
	resetOther bool
}

// NewConsentCoordinator builds a coordinator with both answers unset.
func NewConsentCoordinator(recorder Recorder) *ConsentCoordinator {
	return &ConsentCoordinator{
		recorder: recorder,
		a:        domain.ConsentUnset,
		b:        domain.ConsentUnset,
		rowA:     domain.ConsentUnset,
		rowB:     domain.ConsentUnset,
	}
}

// Observe adopts the consents of a stored row. Rows older than the last one
// observed are ignored, and a pending local answer stays in force until a row
// carries it. It reports whether a recording was stopped.
func (c *ConsentCoordinator) Observe(ctx context.Context, s domain.Session) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.Version < c.version {
		return false, nil
	}
	c.version = s.Version
	c.rowA, c.rowB = normalizeConsent(s.RecordingConsentA), normalizeConsent(s.RecordingConsentB)
	if c.pending != "" && c.rowOf(c.pendingParty) == c.pending {
		c.pending = ""
	}
	if c.resetOther && c.rowOf(c.pendingParty.Other()) != domain.ConsentGranted {
		c.resetOther = false
	}
	c.deriveLocked()
	if s.Status.Terminal() {
		return c.stopLocked(ctx)
	}
	return c.enforceLocked(ctx)
}

// SetLocal applies this party's own answer ahead of the server round trip.
// A denial stops recording immediately, resets the other grant locally and
// stays in force until a stored row carries it. A grant only takes effect
// once the server stores it.
func (c *ConsentCoordinator) SetLocal(ctx context.Context, party domain.Party, granted bool) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingParty = party
	c.pending = ""
	if !granted {
		c.pending = domain.ConsentDenied
		if c.rowOf(party.Other()) == domain.ConsentGranted {
			c.resetOther = true
		}
	}
	c.deriveLocked()
	return c.enforceLocked(ctx)
}

// deriveLocked computes the effective answers: the stored row with the
// pending local answer laid over it.
func (c *ConsentCoordinator) deriveLocked() {
	c.a, c.b = c.rowA, c.rowB
	if c.pendingParty == "" {
		return
	}
	own, other := &c.a, &c.b
	if c.pendingParty == domain.PartyB {
		own, other = &c.b, &c.a
	}
	if c.pending != "" {
		*own = c.pending
	}
	if c.resetOther && *other == domain.ConsentGranted {
		*other = domain.ConsentUnset
	}
}

func (c *ConsentCoordinator) rowOf(party domain.Party) domain.Consent {
	if party == domain.PartyB {
		return c.rowB
	}
	return c.rowA
}

// BothConsented reports whether recording is currently permitted.
func (c *ConsentCoordinator) BothConsented() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.BothConsented(c.a, c.b)
}

// Recording reports whether a recording is in progress.
func (c *ConsentCoordinator) Recording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recording
}

// StartRecording starts the recorder when both parties consented at the time
// of the call.
func (c *ConsentCoordinator) StartRecording(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !domain.BothConsented(c.a, c.b) {
		return apperrors.New(apperrors.CodeRecordingNotPermitted, "recording needs both parties' consent")
	}
	if c.recording {
		return nil
	}
	if c.recorder == nil {
		return apperrors.New(apperrors.CodeRecordingNotPermitted, "no recorder configured")
	}
	if err := c.recorder.StartRecording(ctx); err != nil {
		return err
	}
	c.recording = true
	return nil
}

// StopRecording stops an in-progress recording.
func (c *ConsentCoordinator) StopRecording(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.stopLocked(ctx)
	return err
}

func (c *ConsentCoordinator) enforceLocked(ctx context.Context) (bool, error) {
	if !c.recording || domain.BothConsented(c.a, c.b) {
		return false, nil
	}
	return c.stopLocked(ctx)
}

func (c *ConsentCoordinator) stopLocked(ctx context.Context) (bool, error) {
	if !c.recording {
		return false, nil
	}
	// Not recording after any stop attempt, even a failed one.
	c.recording = false
	if c.recorder == nil {
		return true, nil
	}
	return true, c.recorder.StopRecording(ctx)
}

func normalizeConsent(c domain.Consent) domain.Consent {
	if c == "" {
		return domain.ConsentUnset
	}
	return c
}
