package domain

import (
	"time"

	apperrors "github.com/louisbranch/encounter.space/internal/platform/errors"
)

// JoinMark is a server-verified join acknowledgment.
type JoinMark struct {
	Party Party
	At    time.Time
}

// ConsentMark is one party's recording answer.
type ConsentMark struct {
	Party Party
	Value Consent
}

// Patch is a partial update applied under a conditional write. Zero fields
// leave the row unchanged.
type Patch struct {
	Status         Status
	StartedAt      *time.Time
	GraceExpiresAt *time.Time
	ClearGrace     bool
	EndedAt        *time.Time
	EndReason      EndReason
	FailureReason  string
	Join           *JoinMark
	Consent        *ConsentMark
}

// Empty reports whether p changes nothing.
func (p Patch) Empty() bool {
	return p.Status == "" && p.StartedAt == nil && p.GraceExpiresAt == nil && !p.ClearGrace &&
		p.EndedAt == nil && p.EndReason == "" && p.FailureReason == "" && p.Join == nil && p.Consent == nil
}

// Apply returns s with p applied, Version incremented and UpdatedAt set to now.
// The result is validated against the row invariants.
func Apply(s Session, p Patch, now time.Time) (Session, error) {
	next := s.Clone()
	if s.Status.Terminal() && !p.Empty() {
		return Session{}, terminal(s)
	}

	if p.Status != "" && p.Status != s.Status {
		if !CanTransition(s.Status, p.Status) {
			return Session{}, invalidTransition(s, p.Status)
		}
		next.Status = p.Status
	}
	if p.Join != nil {
		if !p.Join.Party.Valid() {
			return Session{}, apperrors.New(apperrors.CodeInvalidArgument, "join party is invalid")
		}
		if next.JoinedAt(p.Join.Party) == nil {
			next.setJoinedAt(p.Join.Party, p.Join.At)
		}
	}
	if p.StartedAt != nil {
		if s.StartedAt != nil {
			return Session{}, invariant(s, "started_at is already set")
		}
		next.StartedAt = cloneTime(p.StartedAt)
	}
	if p.ClearGrace {
		next.GraceExpiresAt = nil
	} else if p.GraceExpiresAt != nil {
		next.GraceExpiresAt = cloneTime(p.GraceExpiresAt)
	}
	if p.EndedAt != nil {
		if s.EndedAt != nil {
			return Session{}, invariant(s, "ended_at is already set")
		}
		next.EndedAt = cloneTime(p.EndedAt)
		next.EndReason = p.EndReason
	}
	if p.FailureReason != "" {
		next.FailureReason = p.FailureReason
	}
	if p.Consent != nil {
		if !p.Consent.Party.Valid() {
			return Session{}, apperrors.New(apperrors.CodeInvalidArgument, "consent party is invalid")
		}
		applyConsent(&next, p.Consent.Party, p.Consent.Value)
	}

	if err := next.Validate(); err != nil {
		return Session{}, err
	}
	next.Version = s.Version + 1
	next.UpdatedAt = now.UTC()
	return next, nil
}

// PlanJoin builds the acknowledgment for party joining at server time now.
// The first join moves a scheduled session to waiting and opens the grace
// window. A repeated join returns an empty patch.
func PlanJoin(s Session, party Party, now time.Time, grace time.Duration) (Patch, error) {
	if !party.Valid() {
		return Patch{}, apperrors.New(apperrors.CodeInvalidArgument, "party is invalid")
	}
	if s.Status.Terminal() {
		return Patch{}, terminal(s)
	}
	if s.JoinedAt(party) != nil {
		return Patch{}, nil
	}
	now = now.UTC()
	mark := &JoinMark{Party: party, At: now}

	switch s.Status {
	case StatusScheduled:
		deadline := now.Add(grace)
		return Patch{Status: StatusWaiting, Join: mark, GraceExpiresAt: &deadline}, nil
	case StatusWaiting:
		if GraceExpired(s, now) {
			err := apperrors.New(apperrors.CodeSessionConflict, "grace period expired before join")
			err.Metadata = map[string]string{"session_id": s.ID}
			return Patch{}, err
		}
		return Patch{Join: mark}, nil
	default:
		return Patch{Join: mark}, nil
	}
}

// PlanActivate starts the call at server time now. Both parties must have
// been acknowledged.
func PlanActivate(s Session, now time.Time) (Patch, error) {
	if s.Status != StatusWaiting {
		return Patch{}, invalidTransition(s, StatusActive)
	}
	if !s.BothJoined() {
		err := invalidTransition(s, StatusActive)
		err.Message = "both parties must be present before activation"
		return Patch{}, err
	}
	started := now.UTC()
	return Patch{Status: StatusActive, StartedAt: &started, ClearGrace: true}, nil
}

// PlanExpireGrace cancels a one-sided session whose grace window has elapsed
// at server time now.
func PlanExpireGrace(s Session, now time.Time) (Patch, error) {
	if s.Status != StatusWaiting {
		return Patch{}, invalidTransition(s, StatusCancelledNoShow)
	}
	if s.BothJoined() {
		err := invalidTransition(s, StatusCancelledNoShow)
		err.Message = "both parties joined; session must activate"
		return Patch{}, err
	}
	if !GraceExpired(s, now) {
		return Patch{}, deadlineNotReached(s, "grace period has not expired")
	}
	return Patch{Status: StatusCancelledNoShow}, nil
}

// PlanEnd moves an active call to ending. A deadline end requires server time
// to have reached EndsAt. The stamped end never exceeds EndsAt.
func PlanEnd(s Session, now time.Time, reason EndReason) (Patch, error) {
	if s.Status != StatusActive {
		return Patch{}, invalidTransition(s, StatusEnding)
	}
	endsAt, _ := s.EndsAt()
	now = now.UTC()
	switch reason {
	case EndReasonDeadlineReached:
		if now.Before(endsAt) {
			return Patch{}, deadlineNotReached(s, "call deadline has not been reached")
		}
	case EndReasonPartyEnded:
	default:
		return Patch{}, apperrors.Newf(apperrors.CodeInvalidArgument, "unknown end reason %q", reason)
	}
	ended := now
	if ended.After(endsAt) {
		ended = endsAt
	}
	return Patch{Status: StatusEnding, EndedAt: &ended, EndReason: reason}, nil
}

// PlanComplete closes an ending session after settlement.
func PlanComplete(s Session) (Patch, error) {
	if s.Status != StatusEnding {
		return Patch{}, invalidTransition(s, StatusCompleted)
	}
	return Patch{Status: StatusCompleted}, nil
}

// PlanFail marks an unrecoverable setup failure.
func PlanFail(s Session, reason string) (Patch, error) {
	if !CanTransition(s.Status, StatusFailed) {
		return Patch{}, invalidTransition(s, StatusFailed)
	}
	if reason == "" {
		reason = "unrecoverable failure"
	}
	return Patch{Status: StatusFailed, FailureReason: reason}, nil
}

// PlanConsent records party's recording answer.
func PlanConsent(s Session, party Party, value Consent) (Patch, error) {
	if !party.Valid() {
		return Patch{}, apperrors.New(apperrors.CodeInvalidArgument, "party is invalid")
	}
	if value != ConsentGranted && value != ConsentDenied {
		return Patch{}, apperrors.Newf(apperrors.CodeInvalidArgument, "consent must be granted or denied, got %q", value)
	}
	if s.Status.Terminal() {
		return Patch{}, terminal(s)
	}
	return Patch{Consent: &ConsentMark{Party: party, Value: value}}, nil
}

func invalidTransition(s Session, to Status) *apperrors.Error {
	return apperrors.WithMetadata(
		apperrors.CodeSessionInvalidTransition,
		"cannot move session from "+string(s.Status)+" to "+string(to),
		map[string]string{"session_id": s.ID, "from": string(s.Status), "to": string(to)},
	)
}

func terminal(s Session) *apperrors.Error {
	return apperrors.WithMetadata(
		apperrors.CodeSessionTerminal,
		"session is "+string(s.Status),
		map[string]string{"session_id": s.ID, "status": string(s.Status)},
	)
}

func deadlineNotReached(s Session, message string) *apperrors.Error {
	return apperrors.WithMetadata(apperrors.CodeSessionDeadlineNotReached, message,
		map[string]string{"session_id": s.ID})
}
