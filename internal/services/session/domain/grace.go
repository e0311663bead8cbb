package domain

import "time"

// DefaultGrace is how long a lone participant waits before a no-show.
const DefaultGrace = 300 * time.Second

// GraceRemaining returns the time left in the grace window at now. It is
// false unless the session is waiting.
func GraceRemaining(s Session, now time.Time) (time.Duration, bool) {
	if s.Status != StatusWaiting || s.GraceExpiresAt == nil {
		return 0, false
	}
	return clampRemaining(s.GraceExpiresAt.Sub(now)), true
}

// GraceExpired reports whether a waiting, unstarted session has reached its
// grace deadline at now.
func GraceExpired(s Session, now time.Time) bool {
	if s.Status != StatusWaiting || s.StartedAt != nil || s.GraceExpiresAt == nil {
		return false
	}
	return !now.Before(*s.GraceExpiresAt)
}

// CallRemaining returns the time left before EndsAt. It is false unless the
// session is active.
func CallRemaining(s Session, now time.Time) (time.Duration, bool) {
	if s.Status != StatusActive {
		return 0, false
	}
	endsAt, ok := s.EndsAt()
	if !ok {
		return 0, false
	}
	return clampRemaining(endsAt.Sub(now)), true
}

// DeadlineReached reports whether an active call has run its full duration.
func DeadlineReached(s Session, now time.Time) bool {
	remaining, ok := CallRemaining(s, now)
	return ok && remaining == 0
}

func clampRemaining(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
