package participant

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/louisbranch/encounter.space/internal/platform/errors"
	"github.com/louisbranch/encounter.space/internal/platform/timeouts"
)

// offsetSmoothing weights a new sample against the running offset.
const offsetSmoothing = 0.5

// ClockSync estimates server time as the local clock plus a smoothed offset.
// Deadline decisions read Now; the offset is refreshed by Resync.
type ClockSync struct {
	source TimeSource
	local  func() time.Time

	mu     sync.RWMutex
	offset time.Duration
	synced bool
}

// NewClockSync builds a clock against source. A nil local clock uses time.Now.
func NewClockSync(source TimeSource, local func() time.Time) *ClockSync {
	if local == nil {
		local = time.Now
	}
	return &ClockSync{source: source, local: local}
}

// Now returns the current server-time estimate.
func (c *ClockSync) Now() time.Time {
	c.mu.RLock()
	offset := c.offset
	c.mu.RUnlock()
	return c.local().Add(offset).UTC()
}

// Offset returns the current offset and whether any sample was taken.
func (c *ClockSync) Offset() (time.Duration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offset, c.synced
}

// Resync samples the server clock once. The sample is corrected by half the
// round trip; the first sample is taken as is and later ones are blended in.
// On failure the last offset stays in effect.
func (c *ClockSync) Resync(ctx context.Context) error {
	if c.source == nil {
		return apperrors.New(apperrors.CodeClockResyncFailed, "time source is not configured")
	}
	sent := c.local()
	millis, err := c.source.ServerNowMillis(ctx)
	received := c.local()
	if err != nil {
		return apperrors.Wrap(apperrors.CodeClockResyncFailed, "clock resync failed", err)
	}
	rtt := received.Sub(sent)
	if rtt < 0 {
		rtt = 0
	}
	sample := time.UnixMilli(millis).Add(rtt / 2).Sub(received)

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.synced {
		c.offset = sample
		c.synced = true
	} else {
		c.offset += time.Duration(float64(sample-c.offset) * offsetSmoothing)
	}
	return nil
}

// Run resyncs every interval until ctx ends. Failures go to logf and never
// stop the loop.
func (c *ClockSync) Run(ctx context.Context, interval time.Duration, logf func(string, ...any)) {
	if interval <= 0 {
		interval = timeouts.ClockResync
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.resyncWithTimeout(ctx); err != nil && ctx.Err() == nil && logf != nil {
				logf("participant: %v", err)
			}
		}
	}
}

func (c *ClockSync) resyncWithTimeout(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, timeouts.Request)
	defer cancel()
	return c.Resync(ctx)
}
