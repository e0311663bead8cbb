package participant

import (
	"time"

	apperrors "github.com/louisbranch/encounter.space/internal/platform/errors"
	"github.com/louisbranch/encounter.space/internal/services/session/domain"
)

const (
	// maxMarkAttempts bounds join acks re-sent after a rejected credential.
	maxMarkAttempts = 2
	// maxFinalizeRetries bounds re-queries while another settler holds the
	// settlement claim.
	maxFinalizeRetries = 5
	finalizeRetryDelay = 2 * time.Second
)

type eventKind int

const (
	evRow eventKind = iota + 1
	evTick
	evJoinRequested
	evRetryCredential
	evEndCall
	evConsent
	evPresence
	evTransportFailed
	evPoll
	evConnected
	evMarkJoined
	evTransitioned
	evExpired
	evFinalized
	evConsentSubmitted
	evReread
)

// event is one input of the state machine. now is the server-time estimate
// when the coordinator picked the event up.
type event struct {
	kind eventKind
	now  time.Time

	session domain.Session

	to      domain.Status
	granted bool

	local       bool
	joined      bool
	selfPresent bool

	charge domain.ChargeResult
	refund domain.RefundResult
	err    error
}

type effectKind int

const (
	effConnect effectKind = iota + 1
	effMarkJoined
	effTransition
	effExpireGrace
	effFinalize
	effSubmitConsent
	effReread
	effResync
	effSyncConsent
	effLocalConsent
	effStopRecording
	effStartPoll
	effStopPoll
	effLeave
	effNotice
)

// effect is one action requested by the state machine. Calls to the session
// server run asynchronously and report back as events; the rest run inline.
type effect struct {
	kind effectKind

	expected domain.Status
	to       domain.Status
	reason   string
	granted  bool
	refresh  bool
	at       time.Time
	session  domain.Session

	notice NoticeKind
	args   []any
	err    error
}

func (e effect) async() bool {
	switch e.kind {
	case effConnect, effMarkJoined, effTransition, effExpireGrace, effFinalize, effSubmitConsent, effReread, effResync, effLeave:
		return true
	default:
		return false
	}
}

// machine is the per-session state of one participant. step is its only
// mutator and performs no I/O.
type machine struct {
	party domain.Party

	row    domain.Session
	hasRow bool

	wantJoin          bool
	connecting        bool
	connected         bool
	credentialBlocked bool
	selfPresent       bool
	markInFlight      bool
	markAttempts      int
	joinAcked         bool

	activating    bool
	wantEnd       bool
	endRequested  bool
	failRequested bool
	grace         GraceMonitor
	expiring      bool

	finalizeRequested bool
	finalizeRetries   int
	finalizeRetryAt   time.Time
	charge            *domain.ChargeResult
	refund            *domain.RefundResult

	polling   bool
	left      bool
	announced map[NoticeKind]bool
}

func newMachine(party domain.Party) *machine {
	return &machine{party: party, announced: make(map[NoticeKind]bool)}
}

func (m *machine) step(ev event) []effect {
	switch ev.kind {
	case evRow, evReread:
		if ev.err != nil {
			return nil
		}
		return m.onRow(ev.session, ev.now)
	case evTick:
		return m.onTick(ev.now)
	case evJoinRequested:
		return m.onJoinRequested()
	case evRetryCredential:
		if !m.credentialBlocked {
			return nil
		}
		m.credentialBlocked = false
		if m.selfPresent && !m.joinAcked {
			return m.markJoined(true)
		}
		return m.connect()
	case evEndCall:
		m.wantEnd = true
		return m.requestEnd(domain.EndReasonPartyEnded)
	case evConsent:
		return m.onConsent(ev.granted)
	case evPresence:
		return m.onPresence(ev)
	case evPoll:
		if ev.err == nil && ev.selfPresent && !m.selfPresent {
			return m.onSelfJoined()
		}
		return nil
	case evTransportFailed:
		return m.onTransportFailed(ev.err)
	case evConnected:
		return m.onConnected(ev.err)
	case evMarkJoined:
		return m.onMarkJoined(ev)
	case evTransitioned:
		return m.onTransitioned(ev)
	case evExpired:
		return m.onExpired(ev)
	case evFinalized:
		return m.onFinalized(ev)
	case evConsentSubmitted:
		return m.onConsentSubmitted(ev)
	default:
		return nil
	}
}

func (m *machine) onRow(s domain.Session, now time.Time) []effect {
	if m.hasRow && s.Version <= m.row.Version {
		return nil
	}
	m.row = s
	m.hasRow = true
	effects := []effect{{kind: effSyncConsent, session: s}}
	if s.JoinedAt(m.party) != nil {
		m.joinAcked = true
	}

	switch s.Status {
	case domain.StatusWaiting:
		if !s.BothJoined() {
			effects = append(effects, m.announce(NoticeWaiting)...)
			break
		}
		if !m.activating {
			m.activating = true
			effects = append(effects, m.transition(domain.StatusWaiting, domain.StatusActive, ""))
		}
	case domain.StatusActive:
		m.activating = false
		effects = append(effects, m.stopPoll()...)
		effects = append(effects, m.announce(NoticeCallStarted, s.ScheduledDurationSeconds/60)...)
		if m.wantEnd {
			effects = append(effects, m.requestEnd(domain.EndReasonPartyEnded)...)
		}
	case domain.StatusEnding:
		effects = append(effects, m.stopPoll()...)
		effects = append(effects, m.announce(NoticeCallEnding)...)
		effects = append(effects, m.finalize(now)...)
	case domain.StatusCompleted:
		effects = append(effects, m.finalize(now)...)
		effects = append(effects, m.terminal()...)
	case domain.StatusCancelledNoShow:
		effects = append(effects, m.announce(NoticeNoShow)...)
		effects = append(effects, m.terminal()...)
	case domain.StatusFailed:
		effects = append(effects, m.announce(NoticeSessionFailed)...)
		effects = append(effects, m.terminal()...)
	}
	return effects
}

func (m *machine) onTick(now time.Time) []effect {
	if !m.hasRow {
		return nil
	}
	switch m.row.Status {
	case domain.StatusWaiting:
		if !m.expiring && m.grace.Check(m.row, now) {
			m.expiring = true
			return []effect{{kind: effExpireGrace}}
		}
	case domain.StatusActive:
		if domain.DeadlineReached(m.row, now) {
			return m.requestEnd(domain.EndReasonDeadlineReached)
		}
	case domain.StatusEnding, domain.StatusCompleted:
		if !m.finalizeRetryAt.IsZero() && !now.Before(m.finalizeRetryAt) {
			m.finalizeRetryAt = time.Time{}
			return m.finalize(now)
		}
	}
	return nil
}

func (m *machine) onJoinRequested() []effect {
	if m.wantJoin || (m.hasRow && m.row.Status.Terminal()) {
		return nil
	}
	m.wantJoin = true
	return m.connect()
}

func (m *machine) connect() []effect {
	if m.connecting || m.connected || m.left {
		return nil
	}
	m.connecting = true
	return []effect{{kind: effConnect}}
}

// onConnected starts the fallback poll as soon as the room is joined, so a
// dropped local joined event is still noticed.
func (m *machine) onConnected(err error) []effect {
	m.connecting = false
	if err != nil {
		return m.onCallError(err)
	}
	m.connected = true
	return m.startPoll()
}

func (m *machine) onPresence(ev event) []effect {
	if ev.local {
		if ev.joined {
			return m.onSelfJoined()
		}
		m.selfPresent = false
		if m.left || (m.hasRow && m.row.Status.Terminal()) {
			return nil
		}
		return []effect{m.noticeEffect(NoticeSelfLeft, apperrors.New(apperrors.CodePresenceLost, "left the room"))}
	}
	if !ev.joined && m.hasRow && m.row.Status == domain.StatusActive {
		return []effect{m.noticeEffect(NoticePeerLeft, apperrors.New(apperrors.CodePresenceLost, "peer left the room"))}
	}
	return nil
}

// onSelfJoined asks the server to stamp the join.
func (m *machine) onSelfJoined() []effect {
	m.selfPresent = true
	m.connected = true
	effects := m.startPoll()
	if !m.joinAcked {
		effects = append(effects, m.markJoined(false)...)
	}
	return effects
}

// startPoll runs the participant poll until the session activates.
func (m *machine) startPoll() []effect {
	if m.polling || (m.hasRow && m.row.Status != domain.StatusScheduled && m.row.Status != domain.StatusWaiting) {
		return nil
	}
	m.polling = true
	return []effect{{kind: effStartPoll}}
}

func (m *machine) markJoined(refresh bool) []effect {
	if m.markInFlight || m.joinAcked {
		return nil
	}
	m.markInFlight = true
	m.markAttempts++
	return []effect{{kind: effMarkJoined, refresh: refresh}}
}

func (m *machine) onMarkJoined(ev event) []effect {
	m.markInFlight = false
	if ev.err == nil {
		m.joinAcked = true
		m.markAttempts = 0
		return m.onRow(ev.session, ev.now)
	}
	if apperrors.ClassOf(ev.err) == apperrors.ClassCredential && m.markAttempts < maxMarkAttempts {
		return m.markJoined(true)
	}
	return m.onCallError(ev.err)
}

func (m *machine) requestEnd(reason domain.EndReason) []effect {
	if m.endRequested || !m.hasRow || m.row.Status != domain.StatusActive {
		return nil
	}
	m.endRequested = true
	return []effect{m.transition(domain.StatusActive, domain.StatusEnding, string(reason))}
}

func (m *machine) transition(expected, to domain.Status, reason string) effect {
	return effect{kind: effTransition, expected: expected, to: to, reason: reason}
}

func (m *machine) onTransitioned(ev event) []effect {
	switch ev.to {
	case domain.StatusActive:
		m.activating = false
	case domain.StatusEnding:
		m.endRequested = false
	case domain.StatusFailed:
		m.failRequested = false
	}
	if ev.err == nil {
		return m.onRow(ev.session, ev.now)
	}
	if apperrors.HasCode(ev.err, apperrors.CodeSessionDeadlineNotReached) {
		// The server clock is behind the estimate; the next tick retries.
		return []effect{{kind: effResync}}
	}
	return m.onCallError(ev.err)
}

func (m *machine) onExpired(ev event) []effect {
	m.expiring = false
	if ev.err == nil {
		effects := m.onRow(ev.session, ev.now)
		if ev.refund.Amount > 0 && m.refund == nil {
			refund := ev.refund
			m.refund = &refund
			effects = append(effects, m.announce(NoticeRefundIssued, refund.Amount)...)
		}
		return effects
	}
	if apperrors.HasCode(ev.err, apperrors.CodeSessionDeadlineNotReached) {
		m.grace.Rearm()
		return []effect{{kind: effResync}}
	}
	if apperrors.ClassOf(ev.err) == apperrors.ClassFinalization {
		// The cancellation is stored even when the refund is not.
		return []effect{m.noticeEffect(NoticeFinalizationFailed, ev.err), {kind: effReread}}
	}
	return m.onCallError(ev.err)
}

func (m *machine) finalize(now time.Time) []effect {
	if m.finalizeRequested || m.charge != nil {
		return nil
	}
	m.finalizeRequested = true
	return []effect{{kind: effFinalize, at: now}}
}

func (m *machine) onFinalized(ev event) []effect {
	if ev.err == nil {
		m.finalizeRetryAt = time.Time{}
		charge := ev.charge
		m.charge = &charge
		return m.announce(NoticeCallCompleted, charge.CreditsCharged)
	}
	if apperrors.HasCode(ev.err, apperrors.CodeFinalizationInProgress) {
		m.finalizeRequested = false
		if m.row.Status == domain.StatusCompleted {
			// The other settler finished while this call was in flight; no
			// later row will arrive to trigger the replay.
			return m.finalize(ev.now)
		}
		m.finalizeRetries++
		if m.finalizeRetries > maxFinalizeRetries {
			return []effect{m.noticeEffect(NoticeFinalizationFailed, ev.err)}
		}
		m.finalizeRetryAt = ev.now.Add(finalizeRetryDelay)
		return nil
	}
	if apperrors.ClassOf(ev.err) == apperrors.ClassCredential {
		m.finalizeRequested = false
		return []effect{{kind: effFinalize, at: ev.now, refresh: true}}
	}
	return []effect{m.noticeEffect(NoticeFinalizationFailed, ev.err)}
}

func (m *machine) onConsent(granted bool) []effect {
	if m.hasRow && m.row.Status.Terminal() {
		return nil
	}
	return []effect{
		{kind: effLocalConsent, granted: granted},
		{kind: effSubmitConsent, granted: granted},
	}
}

func (m *machine) onConsentSubmitted(ev event) []effect {
	if ev.err == nil {
		return m.onRow(ev.session, ev.now)
	}
	return m.onCallError(ev.err)
}

func (m *machine) onTransportFailed(err error) []effect {
	if err == nil {
		err = apperrors.New(apperrors.CodeTransportFailed, "video transport failed")
	} else if apperrors.CodeOf(err) == apperrors.CodeUnknown {
		err = apperrors.Wrap(apperrors.CodeTransportFailed, "video transport failed", err)
	}
	return m.onCallError(err)
}

// onCallError applies the error policy: conflicts re-read, credential
// failures wait for a retry, fatal failures fail an unstarted session.
func (m *machine) onCallError(err error) []effect {
	switch apperrors.ClassOf(err) {
	case apperrors.ClassConflict:
		return []effect{{kind: effReread}}
	case apperrors.ClassCredential:
		m.credentialBlocked = true
		return []effect{m.noticeEffect(NoticeCredentialRetry, err)}
	case apperrors.ClassDrift:
		return []effect{{kind: effResync}}
	case apperrors.ClassPresence:
		return []effect{m.noticeEffect(NoticeSelfLeft, err)}
	case apperrors.ClassFinalization:
		return []effect{m.noticeEffect(NoticeFinalizationFailed, err)}
	case apperrors.ClassFatal:
		return m.fail(err)
	default:
		// Terminal or invalid-transition answers mean the local row is stale.
		return []effect{{kind: effReread}}
	}
}

func (m *machine) fail(err error) []effect {
	effects := []effect{m.noticeEffect(NoticeSessionFailed, err)}
	m.announced[NoticeSessionFailed] = true
	if !m.hasRow || m.failRequested || m.row.StartedAt != nil {
		return effects
	}
	if !domain.CanTransition(m.row.Status, domain.StatusFailed) {
		return effects
	}
	m.failRequested = true
	return append(effects, m.transition(m.row.Status, domain.StatusFailed, string(apperrors.CodeOf(err))))
}

func (m *machine) stopPoll() []effect {
	if !m.polling {
		return nil
	}
	m.polling = false
	return []effect{{kind: effStopPoll}}
}

// terminal releases everything a finished session holds. It never requests a
// transition.
func (m *machine) terminal() []effect {
	effects := m.stopPoll()
	effects = append(effects, effect{kind: effStopRecording})
	if !m.left && (m.connected || m.connecting) {
		m.left = true
		effects = append(effects, effect{kind: effLeave})
	}
	return effects
}

// announce emits kind once per session.
func (m *machine) announce(kind NoticeKind, args ...any) []effect {
	if m.announced[kind] {
		return nil
	}
	m.announced[kind] = true
	return []effect{{kind: effNotice, notice: kind, args: args}}
}

func (m *machine) noticeEffect(kind NoticeKind, err error) effect {
	return effect{kind: effNotice, notice: kind, err: err}
}
