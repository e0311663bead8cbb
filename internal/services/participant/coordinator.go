package participant

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/louisbranch/encounter.space/internal/platform/errors"
	"github.com/louisbranch/encounter.space/internal/platform/timeouts"
	"github.com/louisbranch/encounter.space/internal/services/session/domain"
)

const (
	eventBuffer  = 64
	noticeBuffer = 32
)

// Config configures one participant's coordinator.
type Config struct {
	SessionID string
	Party     domain.Party
	// Token is an optional join token delivered with the booking.
	Token   string
	RoomURL string

	Tick         time.Duration
	Resync       time.Duration
	PollInterval time.Duration
	PollCycles   int
	Locale       string

	// LocalClock is the device clock; nil uses time.Now.
	LocalClock func() time.Time
	Logf       func(string, ...any)
}

// Deps are the collaborators of a Coordinator.
type Deps struct {
	API       SessionAPI
	Clock     TimeSource
	Feed      FeedSource
	Transport Transport
	Recorder  Recorder
}

// Snapshot is what a participant's screen shows.
type Snapshot struct {
	Session        domain.Session
	Present        int
	Recording      bool
	BothConsented  bool
	GraceRemaining time.Duration
	CallRemaining  time.Duration
	Charge         *domain.ChargeResult
	Refund         *domain.RefundResult
}

// Coordinator drives one participant through a session. All state lives on
// the coordinator and is mutated only by its event loop.
type Coordinator struct {
	cfg       Config
	api       SessionAPI
	feed      FeedSource
	transport Transport

	clock    *ClockSync
	tokens   *TokenManager
	presence *PresenceTracker
	consent  *ConsentCoordinator
	notices  *noticePrinter
	machine  *machine

	events   chan event
	out      chan Notice
	stopped  chan struct{}
	running  atomic.Bool
	inflight sync.WaitGroup
	poll     *presencePoll

	mu   sync.Mutex
	snap Snapshot
}

// NewCoordinator validates cfg and builds a coordinator. Run starts it.
func NewCoordinator(cfg Config, deps Deps) (*Coordinator, error) {
	cfg.SessionID = strings.TrimSpace(cfg.SessionID)
	if cfg.SessionID == "" {
		return nil, errors.New("session id is required")
	}
	if !cfg.Party.Valid() {
		return nil, fmt.Errorf("party %q is invalid", cfg.Party)
	}
	if deps.API == nil || deps.Feed == nil || deps.Transport == nil {
		return nil, errors.New("session api, feed and transport are required")
	}
	if cfg.Tick <= 0 {
		cfg.Tick = timeouts.Tick
	}
	if cfg.Resync <= 0 {
		cfg.Resync = timeouts.ClockResync
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = timeouts.PresencePoll
	}
	if cfg.PollCycles <= 0 {
		cfg.PollCycles = DefaultPollCycles
	}
	if cfg.Logf == nil {
		cfg.Logf = log.Printf
	}
	timeSource := deps.Clock
	if timeSource == nil {
		if ts, ok := deps.API.(TimeSource); ok {
			timeSource = ts
		}
	}
	printer, err := newNoticePrinter(cfg.Locale)
	if err != nil {
		return nil, fmt.Errorf("load notices: %w", err)
	}

	clock := NewClockSync(timeSource, cfg.LocalClock)
	tokens := NewTokenManager(deps.API, clock.Now)
	if strings.TrimSpace(cfg.Token) != "" {
		if strings.TrimSpace(cfg.RoomURL) == "" {
			return nil, errors.New("room url is required with a join token")
		}
		if err := tokens.Seed(cfg.SessionID, cfg.Party, cfg.Token, cfg.RoomURL); err != nil {
			return nil, fmt.Errorf("seed join token: %w", err)
		}
	}
	return &Coordinator{
		cfg:       cfg,
		api:       deps.API,
		feed:      deps.Feed,
		transport: deps.Transport,
		clock:     clock,
		tokens:    tokens,
		presence:  NewPresenceTracker(cfg.SessionID),
		consent:   NewConsentCoordinator(deps.Recorder),
		notices:   printer,
		machine:   newMachine(cfg.Party),
		events:    make(chan event, eventBuffer),
		out:       make(chan Notice, noticeBuffer),
		stopped:   make(chan struct{}),
	}, nil
}

// Notices delivers user-facing messages. It is closed when Run returns.
func (c *Coordinator) Notices() <-chan Notice {
	return c.out
}

// Clock exposes the server-time estimate.
func (c *Coordinator) Clock() *ClockSync {
	return c.clock
}

// Join connects to the video room; the join is stamped by the server once
// the transport reports this participant present.
func (c *Coordinator) Join() { c.send(event{kind: evJoinRequested}) }

// EndCall asks to end an active call.
func (c *Coordinator) EndCall() { c.send(event{kind: evEndCall}) }

// RetryCredential retries after a credential notice.
func (c *Coordinator) RetryCredential() { c.send(event{kind: evRetryCredential}) }

// SetConsent submits this party's recording answer. A denial stops any
// recording before SetConsent returns.
func (c *Coordinator) SetConsent(ctx context.Context, granted bool) error {
	if !granted {
		if _, err := c.consent.SetLocal(ctx, c.cfg.Party, false); err != nil {
			return fmt.Errorf("stop recording: %w", err)
		}
	}
	c.send(event{kind: evConsent, granted: granted})
	return nil
}

// StartRecording starts recording when both parties have consented.
func (c *Coordinator) StartRecording(ctx context.Context) error {
	return c.consent.StartRecording(ctx)
}

// Snapshot returns the current view with countdowns computed at call time.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	snap := c.snap
	c.mu.Unlock()
	now := c.clock.Now()
	snap.GraceRemaining, _ = domain.GraceRemaining(snap.Session, now)
	snap.CallRemaining, _ = domain.CallRemaining(snap.Session, now)
	snap.Recording = c.consent.Recording()
	snap.BothConsented = c.consent.BothConsented()
	return snap
}

// Run subscribes to the session and processes events until ctx ends. It
// never forces a terminal transition on teardown.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("coordinator already ran")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := c.clock.Resync(ctx); err != nil {
		c.cfg.Logf("participant %s: %v", c.cfg.SessionID, err)
	}
	rows, err := c.feed.Stream(ctx, c.cfg.SessionID)
	if err != nil {
		c.teardown(ctx)
		return fmt.Errorf("subscribe session %s: %w", c.cfg.SessionID, err)
	}
	c.inflight.Add(3)
	go func() {
		defer c.inflight.Done()
		c.clock.Run(ctx, c.cfg.Resync, c.cfg.Logf)
	}()
	go func() {
		defer c.inflight.Done()
		c.forwardRows(ctx, rows)
	}()
	go func() {
		defer c.inflight.Done()
		c.forwardTransport(ctx)
	}()

	ticker := time.NewTicker(c.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.teardown(ctx)
			return nil
		case <-ticker.C:
			c.handle(ctx, event{kind: evTick})
		case ev := <-c.events:
			c.handle(ctx, ev)
		}
	}
}

func (c *Coordinator) forwardRows(ctx context.Context, rows <-chan domain.Session) {
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-rows:
			if !ok {
				return
			}
			c.post(ctx, event{kind: evRow, session: s})
		}
	}
}

func (c *Coordinator) forwardTransport(ctx context.Context) {
	events := c.transport.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind == TransportError {
				c.post(ctx, event{kind: evTransportFailed, err: ev.Err})
				continue
			}
			c.presence.Observe(ctx, ev)
			c.post(ctx, event{kind: evPresence, local: ev.Local, joined: ev.Kind == TransportJoined})
		}
	}
}

// handle folds one event into the machine and executes the effects.
func (c *Coordinator) handle(ctx context.Context, ev event) {
	ev.now = c.clock.Now()
	for _, eff := range c.machine.step(ev) {
		if eff.async() {
			c.spawn(ctx, eff)
			continue
		}
		c.apply(ctx, eff)
	}
	c.refreshSnapshot()
}

// apply runs an inline effect on the loop goroutine.
func (c *Coordinator) apply(ctx context.Context, eff effect) {
	switch eff.kind {
	case effSyncConsent:
		stopped, err := c.consent.Observe(ctx, eff.session)
		c.recordingStopped(stopped, eff.session.Status.Terminal(), err)
	case effLocalConsent:
		stopped, err := c.consent.SetLocal(ctx, c.cfg.Party, eff.granted)
		c.recordingStopped(stopped, false, err)
	case effStopRecording:
		if err := c.consent.StopRecording(ctx); err != nil {
			c.cfg.Logf("participant %s: stop recording: %v", c.cfg.SessionID, err)
		}
	case effStartPoll:
		c.poll.Stop()
		c.poll = startPresencePoll(ctx, c.transport, c.cfg.PollInterval, c.cfg.PollCycles, c.reportPoll)
	case effStopPoll:
		c.poll.Stop()
		c.poll = nil
	case effNotice:
		c.emit(c.notices.notice(eff.notice, eff.err, eff.args...))
	}
}

func (c *Coordinator) recordingStopped(stopped, terminal bool, err error) {
	if err != nil {
		c.cfg.Logf("participant %s: stop recording: %v", c.cfg.SessionID, err)
	}
	if stopped && !terminal {
		c.emit(c.notices.notice(NoticeRecordingStopped, nil))
	}
}

func (c *Coordinator) reportPoll(ctx context.Context, ids []string, err error) {
	selfPresent := false
	if err == nil {
		_, selfPresent = c.presence.Reconcile(ctx, ids)
	} else {
		c.cfg.Logf("participant %s: presence poll: %v", c.cfg.SessionID, err)
	}
	c.post(ctx, event{kind: evPoll, selfPresent: selfPresent, err: err})
}

// spawn runs a call to the session server off the loop and posts its result.
func (c *Coordinator) spawn(ctx context.Context, eff effect) {
	sess := c.machine.row
	if sess.ID == "" {
		sess.ID = c.cfg.SessionID
	}
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		callCtx, cancel := context.WithTimeout(ctx, timeouts.Request)
		defer cancel()
		if ev, ok := c.call(callCtx, sess, eff); ok {
			c.post(ctx, ev)
		}
	}()
}

func (c *Coordinator) call(ctx context.Context, sess domain.Session, eff effect) (event, bool) {
	id := c.cfg.SessionID
	switch eff.kind {
	case effConnect:
		cred, err := c.tokens.EnsureToken(ctx, sess, c.cfg.Party)
		if err != nil {
			return event{kind: evConnected, err: err}, true
		}
		selfID, err := c.transport.Join(ctx, cred.RoomURL, cred.Token)
		if err != nil {
			if apperrors.CodeOf(err) == apperrors.CodeUnknown {
				err = apperrors.Wrap(apperrors.CodeTransportFailed, "join video room", err)
			}
			return event{kind: evConnected, err: err}, true
		}
		// Known before the poll starts, so a dropped local join event is
		// still found by Reconcile.
		c.presence.SetSelf(selfID)
		return event{kind: evConnected}, true
	case effMarkJoined:
		token, err := c.token(ctx, sess, eff.refresh)
		if err != nil {
			return event{kind: evMarkJoined, err: err}, true
		}
		row, err := c.api.MarkJoined(ctx, id, token)
		c.rejectOnCredential(err)
		return event{kind: evMarkJoined, session: row, err: err}, true
	case effTransition:
		token, err := c.token(ctx, sess, eff.refresh)
		if err != nil {
			return event{kind: evTransitioned, to: eff.to, err: err}, true
		}
		row, err := c.api.Transition(ctx, id, token, eff.expected, eff.to, eff.reason)
		c.rejectOnCredential(err)
		return event{kind: evTransitioned, to: eff.to, session: row, err: err}, true
	case effExpireGrace:
		resp, err := c.api.ExpireGrace(ctx, id)
		return event{kind: evExpired, session: resp.Session, refund: resp.Refund, err: err}, true
	case effFinalize:
		token, err := c.token(ctx, sess, eff.refresh)
		if err != nil {
			return event{kind: evFinalized, err: err}, true
		}
		result, err := c.api.Finalize(ctx, id, token, eff.at)
		c.rejectOnCredential(err)
		return event{kind: evFinalized, charge: result, err: err}, true
	case effSubmitConsent:
		token, err := c.token(ctx, sess, eff.refresh)
		if err != nil {
			return event{kind: evConsentSubmitted, err: err}, true
		}
		row, err := c.api.SetConsent(ctx, id, token, eff.granted)
		c.rejectOnCredential(err)
		return event{kind: evConsentSubmitted, session: row, err: err}, true
	case effReread:
		row, err := c.api.GetSession(ctx, id)
		if err != nil {
			c.cfg.Logf("participant %s: re-read: %v", id, err)
		}
		return event{kind: evReread, session: row, err: err}, true
	case effResync:
		if err := c.clock.Resync(ctx); err != nil {
			c.cfg.Logf("participant %s: %v", id, err)
		}
		return event{}, false
	case effLeave:
		if err := c.transport.Leave(ctx); err != nil {
			c.cfg.Logf("participant %s: leave room: %v", id, err)
		}
		c.presence.Reset(ctx)
		return event{}, false
	default:
		return event{}, false
	}
}

func (c *Coordinator) token(ctx context.Context, sess domain.Session, refresh bool) (string, error) {
	if refresh {
		c.tokens.Invalidate(c.cfg.SessionID, c.cfg.Party)
	}
	cred, err := c.tokens.EnsureToken(ctx, sess, c.cfg.Party)
	if err != nil {
		return "", err
	}
	return cred.Token, nil
}

// rejectOnCredential forgets a token the server refused.
func (c *Coordinator) rejectOnCredential(err error) {
	if err != nil && apperrors.ClassOf(err) == apperrors.ClassCredential {
		c.tokens.Invalidate(c.cfg.SessionID, c.cfg.Party)
	}
}

// post delivers an event to the loop unless ctx ends first.
func (c *Coordinator) post(ctx context.Context, ev event) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}

// send delivers a user action. Actions after teardown are dropped.
func (c *Coordinator) send(ev event) {
	select {
	case c.events <- ev:
	case <-c.stopped:
	}
}

// emit publishes a notice without blocking the loop; the oldest pending
// notice is dropped when the reader falls behind.
func (c *Coordinator) emit(n Notice) {
	for {
		select {
		case c.out <- n:
			return
		default:
		}
		select {
		case dropped := <-c.out:
			c.cfg.Logf("participant %s: notice dropped: %s", c.cfg.SessionID, dropped.Kind)
		default:
		}
	}
}

func (c *Coordinator) refreshSnapshot() {
	m := c.machine
	snap := Snapshot{
		Session: m.row,
		Present: c.presence.Count(),
		Charge:  m.charge,
		Refund:  m.refund,
	}
	c.mu.Lock()
	c.snap = snap
	c.mu.Unlock()
}

// teardown stops local work: poll, effects in flight, the room connection and
// any recording. It leaves the stored session as is.
func (c *Coordinator) teardown(ctx context.Context) {
	c.poll.Stop()
	c.poll = nil
	c.inflight.Wait()

	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeouts.Request)
	defer cancel()
	if !c.machine.left && (c.machine.connected || c.machine.connecting) {
		c.machine.left = true
		if err := c.transport.Leave(cleanupCtx); err != nil {
			c.cfg.Logf("participant %s: leave room: %v", c.cfg.SessionID, err)
		}
	}
	if err := c.consent.StopRecording(cleanupCtx); err != nil {
		c.cfg.Logf("participant %s: stop recording: %v", c.cfg.SessionID, err)
	}
	c.presence.Reset(cleanupCtx)
	close(c.stopped)
	close(c.out)
}
