package participant

import (
	"context"
	"errors"
	"testing"
	"time"

	apperrors "github.com/louisbranch/encounter.space/internal/platform/errors"
)

func TestClockSync_FirstSampleIsAdopted(t *testing.T) {
	local := newTestClock(t0)
	source := &fakeTimeSource{server: func() time.Time { return local.Now().Add(10 * time.Second) }}
	clock := NewClockSync(source, local.Now)

	if _, synced := clock.Offset(); synced {
		t.Fatal("expected unsynced clock")
	}
	if err := clock.Resync(context.Background()); err != nil {
		t.Fatalf("resync: %v", err)
	}
	offset, synced := clock.Offset()
	if !synced || offset != 10*time.Second {
		t.Fatalf("offset = %v synced = %v, want 10s", offset, synced)
	}
	if got := clock.Now(); !got.Equal(t0.Add(10 * time.Second)) {
		t.Fatalf("now = %v", got)
	}
}

func TestClockSync_CorrectsForRoundTrip(t *testing.T) {
	local := newTestClock(t0)
	server := t0.Add(time.Minute)
	// The server answers with its time at send; the reply takes 2s to arrive.
	source := &fakeTimeSource{server: func() time.Time { return server }, delay: 2 * time.Second, local: local}
	clock := NewClockSync(source, local.Now)

	if err := clock.Resync(context.Background()); err != nil {
		t.Fatalf("resync: %v", err)
	}
	// sample = server + rtt/2 - received = t0+60s+1s - (t0+2s)
	offset, _ := clock.Offset()
	if offset != 59*time.Second {
		t.Fatalf("offset = %v, want 59s", offset)
	}
}

func TestClockSync_SmoothsLaterSamples(t *testing.T) {
	local := newTestClock(t0)
	skew := 10 * time.Second
	source := &fakeTimeSource{server: func() time.Time { return local.Now().Add(skew) }}
	clock := NewClockSync(source, local.Now)

	if err := clock.Resync(context.Background()); err != nil {
		t.Fatalf("resync: %v", err)
	}
	skew = 20 * time.Second
	if err := clock.Resync(context.Background()); err != nil {
		t.Fatalf("resync: %v", err)
	}
	offset, _ := clock.Offset()
	if offset != 15*time.Second {
		t.Fatalf("offset = %v, want 15s", offset)
	}
}

func TestClockSync_FailureKeepsOffset(t *testing.T) {
	local := newTestClock(t0)
	source := &fakeTimeSource{server: func() time.Time { return local.Now().Add(-3 * time.Second) }}
	clock := NewClockSync(source, local.Now)
	if err := clock.Resync(context.Background()); err != nil {
		t.Fatalf("resync: %v", err)
	}

	source.fail = errors.New("network down")
	err := clock.Resync(context.Background())
	if !apperrors.HasCode(err, apperrors.CodeClockResyncFailed) {
		t.Fatalf("code = %s, want %s", apperrors.CodeOf(err), apperrors.CodeClockResyncFailed)
	}
	if apperrors.ClassOf(err) != apperrors.ClassDrift {
		t.Fatalf("class = %s", apperrors.ClassOf(err))
	}
	if offset, _ := clock.Offset(); offset != -3*time.Second {
		t.Fatalf("offset = %v, want -3s", offset)
	}
}

func TestClockSync_RequiresSource(t *testing.T) {
	clock := NewClockSync(nil, nil)
	if err := clock.Resync(context.Background()); !apperrors.HasCode(err, apperrors.CodeClockResyncFailed) {
		t.Fatalf("code = %s", apperrors.CodeOf(err))
	}
}

func TestClockSync_RunLogsFailuresAndStops(t *testing.T) {
	local := newTestClock(t0)
	source := &fakeTimeSource{server: local.Now, fail: errors.New("offline")}
	clock := NewClockSync(source, local.Now)

	logged := make(chan string, 8)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		clock.Run(ctx, 5*time.Millisecond, func(format string, args ...any) {
			select {
			case logged <- format:
			default:
			}
		})
	}()

	select {
	case <-logged:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a logged resync failure")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop")
	}
}
