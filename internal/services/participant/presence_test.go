package participant

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"
)

func TestPresenceTracker_ObserveAndReconcile(t *testing.T) {
	ctx := context.Background()
	tracker := NewPresenceTracker("sess-1")

	if !tracker.Observe(ctx, TransportEvent{Kind: TransportJoined, ParticipantID: "p-a", Local: true}) {
		t.Fatal("expected change on local join")
	}
	if tracker.Observe(ctx, TransportEvent{Kind: TransportJoined, ParticipantID: "p-a", Local: true}) {
		t.Fatal("duplicate join should not change membership")
	}
	if tracker.Observe(ctx, TransportEvent{Kind: TransportError, Err: errors.New("x")}) {
		t.Fatal("errors are not membership events")
	}
	tracker.Observe(ctx, TransportEvent{Kind: TransportJoined, ParticipantID: "p-b"})
	if got := tracker.Present(); !reflect.DeepEqual(got, []string{"p-a", "p-b"}) {
		t.Fatalf("present = %v", got)
	}

	changed, self := tracker.Reconcile(ctx, []string{"p-a"})
	if !changed || !self {
		t.Fatalf("reconcile: changed = %v self = %v", changed, self)
	}
	if tracker.Count() != 1 {
		t.Fatalf("count = %d", tracker.Count())
	}
	changed, self = tracker.Reconcile(ctx, []string{"p-b"})
	if !changed || self {
		t.Fatalf("reconcile without self: changed = %v self = %v", changed, self)
	}

	// A local leave without an id falls back to the recorded self.
	tracker.Reconcile(ctx, []string{"p-a", "p-b"})
	if !tracker.Observe(ctx, TransportEvent{Kind: TransportLeft, Local: true}) {
		t.Fatal("expected change on local leave")
	}
	if got := tracker.Present(); !reflect.DeepEqual(got, []string{"p-b"}) {
		t.Fatalf("present = %v", got)
	}
	tracker.Reset(ctx)
	if tracker.Count() != 0 {
		t.Fatal("expected empty tracker after reset")
	}
}

type countingLister struct {
	fakeTransport
	mu    sync.Mutex
	calls int
}

func (c *countingLister) Participants(context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return []string{"p-a"}, nil
}

func TestPresencePoll_BoundedCycles(t *testing.T) {
	lister := &countingLister{}
	var mu sync.Mutex
	reports := 0
	poll := startPresencePoll(context.Background(), lister, time.Millisecond, 3, func(ctx context.Context, ids []string, err error) {
		mu.Lock()
		reports++
		mu.Unlock()
	})
	select {
	case <-poll.done:
	case <-time.After(2 * time.Second):
		t.Fatal("poll did not finish its cycles")
	}
	mu.Lock()
	defer mu.Unlock()
	if reports != 3 {
		t.Fatalf("reports = %d, want 3", reports)
	}
	poll.Stop()
}

func TestPresencePoll_StopCancels(t *testing.T) {
	lister := &countingLister{}
	poll := startPresencePoll(context.Background(), lister, time.Hour, 3, func(context.Context, []string, error) {
		t.Error("no report expected")
	})
	poll.Stop()
	lister.mu.Lock()
	defer lister.mu.Unlock()
	if lister.calls != 0 {
		t.Fatalf("calls = %d", lister.calls)
	}

	var nilPoll *presencePoll
	nilPoll.Stop()
}
