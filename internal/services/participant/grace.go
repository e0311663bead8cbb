package participant

import (
	"time"

	"github.com/louisbranch/encounter.space/internal/services/session/domain"
)

// GraceMonitor fires once per session when a waiting, unstarted session
// passes its grace deadline on the server-time estimate. The server re-checks
// the deadline with its own clock.
type GraceMonitor struct {
	fired bool
}

// Check reports whether the expiry request should be sent now. It returns
// true at most once until Rearm.
func (g *GraceMonitor) Check(s domain.Session, now time.Time) bool {
	if g.fired || !domain.GraceExpired(s, now) {
		return false
	}
	g.fired = true
	return true
}

// Rearm allows another expiry request, as after the server answered that its
// clock has not reached the deadline yet.
func (g *GraceMonitor) Rearm() {
	g.fired = false
}

// Remaining is the grace time left at now; false outside waiting.
func (g *GraceMonitor) Remaining(s domain.Session, now time.Time) (time.Duration, bool) {
	return domain.GraceRemaining(s, now)
}
