package domain

import (
	"strings"
	"time"

	apperrors "github.com/louisbranch/encounter.space/internal/platform/errors"
)

// EndReason records why a session entered ending.
type EndReason string

const (
	EndReasonPartyEnded      EndReason = "party_ended"
	EndReasonDeadlineReached EndReason = "deadline_reached"
)

// Session is the durable lifecycle row both participants converge on.
type Session struct {
	ID                       string `json:"id"`
	PartyAID                 string `json:"party_a_id"`
	PartyBID                 string `json:"party_b_id"`
	ScheduledDurationSeconds int64  `json:"scheduled_duration_seconds"`
	Status                   Status `json:"status"`

	StartedAt      *time.Time `json:"started_at,omitempty"`
	GraceExpiresAt *time.Time `json:"grace_expires_at,omitempty"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	EndReason      EndReason  `json:"end_reason,omitempty"`
	FailureReason  string     `json:"failure_reason,omitempty"`

	PartyAJoinedAt *time.Time `json:"party_a_joined_at,omitempty"`
	PartyBJoinedAt *time.Time `json:"party_b_joined_at,omitempty"`

	CreditsReserved int64 `json:"credits_reserved"`
	PayoutAmount    int64 `json:"payout_amount"`

	RecordingConsentA Consent `json:"recording_consent_a"`
	RecordingConsentB Consent `json:"recording_consent_b"`

	// Version increments on every write and orders change-feed deliveries.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Reservation is the input for a newly scheduled session.
type Reservation struct {
	ID                       string
	PartyAID                 string
	PartyBID                 string
	ScheduledDurationSeconds int64
	CreditsReserved          int64
	PayoutAmount             int64
}

// NewSession builds a scheduled row from a reservation.
func NewSession(r Reservation, now time.Time) (Session, error) {
	s := Session{
		ID:                       strings.TrimSpace(r.ID),
		PartyAID:                 strings.TrimSpace(r.PartyAID),
		PartyBID:                 strings.TrimSpace(r.PartyBID),
		ScheduledDurationSeconds: r.ScheduledDurationSeconds,
		Status:                   StatusScheduled,
		CreditsReserved:          r.CreditsReserved,
		PayoutAmount:             r.PayoutAmount,
		RecordingConsentA:        ConsentUnset,
		RecordingConsentB:        ConsentUnset,
		Version:                  1,
		CreatedAt:                now.UTC(),
		UpdatedAt:                now.UTC(),
	}
	switch {
	case s.ID == "":
		return Session{}, apperrors.New(apperrors.CodeInvalidArgument, "session id is required")
	case s.PartyAID == "" || s.PartyBID == "":
		return Session{}, apperrors.New(apperrors.CodeInvalidArgument, "both party ids are required")
	case s.PartyAID == s.PartyBID:
		return Session{}, apperrors.New(apperrors.CodeInvalidArgument, "parties must be distinct")
	case s.ScheduledDurationSeconds <= 0:
		return Session{}, apperrors.New(apperrors.CodeInvalidArgument, "scheduled duration must be positive")
	case s.CreditsReserved < 0 || s.PayoutAmount < 0:
		return Session{}, apperrors.New(apperrors.CodeInvalidArgument, "monetary amounts must not be negative")
	}
	return s, nil
}

// ScheduledDuration returns the reserved call length.
func (s Session) ScheduledDuration() time.Duration {
	return time.Duration(s.ScheduledDurationSeconds) * time.Second
}

// EndsAt is StartedAt plus the scheduled duration. It is never stored.
func (s Session) EndsAt() (time.Time, bool) {
	if s.StartedAt == nil {
		return time.Time{}, false
	}
	return s.StartedAt.Add(s.ScheduledDuration()), true
}

// PartyID returns the user id seated at p.
func (s Session) PartyID(p Party) string {
	if p == PartyA {
		return s.PartyAID
	}
	return s.PartyBID
}

// PartyOf returns the seat held by userID.
func (s Session) PartyOf(userID string) (Party, bool) {
	switch strings.TrimSpace(userID) {
	case "":
		return "", false
	case s.PartyAID:
		return PartyA, true
	case s.PartyBID:
		return PartyB, true
	default:
		return "", false
	}
}

// JoinedAt returns the server-stamped join time of p, if any.
func (s Session) JoinedAt(p Party) *time.Time {
	if p == PartyA {
		return s.PartyAJoinedAt
	}
	return s.PartyBJoinedAt
}

// BothJoined reports whether both join acknowledgments are stored.
func (s Session) BothJoined() bool {
	return s.PartyAJoinedAt != nil && s.PartyBJoinedAt != nil
}

// AnyJoined reports whether at least one party has joined.
func (s Session) AnyJoined() bool {
	return s.PartyAJoinedAt != nil || s.PartyBJoinedAt != nil
}

// ConsentOf returns p's recording answer.
func (s Session) ConsentOf(p Party) Consent {
	var c Consent
	if p == PartyA {
		c = s.RecordingConsentA
	} else {
		c = s.RecordingConsentB
	}
	if c == "" {
		return ConsentUnset
	}
	return c
}

// BothConsented reports whether recording is currently permitted.
func (s Session) BothConsented() bool {
	return BothConsented(s.ConsentOf(PartyA), s.ConsentOf(PartyB))
}

func (s *Session) setConsent(p Party, c Consent) {
	if p == PartyA {
		s.RecordingConsentA = c
	} else {
		s.RecordingConsentB = c
	}
}

func (s *Session) setJoinedAt(p Party, at time.Time) {
	at = at.UTC()
	if p == PartyA {
		s.PartyAJoinedAt = &at
	} else {
		s.PartyBJoinedAt = &at
	}
}

// Clone returns a copy that shares no timestamp pointers with s.
func (s Session) Clone() Session {
	out := s
	out.StartedAt = cloneTime(s.StartedAt)
	out.GraceExpiresAt = cloneTime(s.GraceExpiresAt)
	out.EndedAt = cloneTime(s.EndedAt)
	out.PartyAJoinedAt = cloneTime(s.PartyAJoinedAt)
	out.PartyBJoinedAt = cloneTime(s.PartyBJoinedAt)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Validate checks the row invariants.
func (s Session) Validate() error {
	if !s.Status.Valid() {
		return invariant(s, "unknown status %q", s.Status)
	}
	if s.StartedAt != nil {
		if !s.BothJoined() {
			return invariant(s, "started without both join acknowledgments")
		}
		switch s.Status {
		case StatusActive, StatusEnding, StatusCompleted:
		default:
			return invariant(s, "started_at set while %s", s.Status)
		}
		if s.GraceExpiresAt != nil {
			return invariant(s, "grace deadline kept after start")
		}
	}
	switch s.Status {
	case StatusActive, StatusEnding, StatusCompleted:
		if s.StartedAt == nil {
			return invariant(s, "%s without started_at", s.Status)
		}
	case StatusCancelledNoShow:
		if s.StartedAt != nil {
			return invariant(s, "no-show with started_at")
		}
	case StatusWaiting:
		if s.GraceExpiresAt == nil {
			return invariant(s, "waiting without grace deadline")
		}
	}
	if s.EndedAt != nil && s.StartedAt != nil && s.EndedAt.Before(*s.StartedAt) {
		return invariant(s, "ended before start")
	}
	return nil
}

func invariant(s Session, format string, args ...any) error {
	err := apperrors.Newf(apperrors.CodeSessionInvariant, format, args...)
	err.Metadata = map[string]string{"session_id": s.ID, "status": string(s.Status)}
	return err
}
