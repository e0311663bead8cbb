package participant

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	httpapi "github.com/louisbranch/encounter.space/internal/services/session/api/http"
	"github.com/louisbranch/encounter.space/internal/services/session/credential"
	"github.com/louisbranch/encounter.space/internal/services/session/domain"
)

var t0 = time.Date(2026, 3, 1, 15, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(at time.Time) *testClock { return &testClock{now: at} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testManager(t *testing.T, now func() time.Time) *credential.Manager {
	t.Helper()
	m, err := credential.NewManager(credential.Config{
		Issuer:     "encounter.space",
		Audience:   "encounter.space/session",
		PrivateKey: ed25519.NewKeyFromSeed(bytes.Repeat([]byte{3}, ed25519.SeedSize)),
		TTL:        time.Hour,
		Now:        now,
	})
	if err != nil {
		t.Fatalf("token manager: %v", err)
	}
	return m
}

// fakeIssuer mints real join tokens and counts calls. A non-nil gate blocks
// every call until it is closed.
type fakeIssuer struct {
	manager *credential.Manager
	gate    chan struct{}
	fail    error

	calls       atomic.Int32
	regenerates atomic.Int32
}

func (f *fakeIssuer) IssueTokens(ctx context.Context, sessionID string, regenerate bool, party domain.Party) (httpapi.Tokens, error) {
	f.calls.Add(1)
	if regenerate {
		f.regenerates.Add(1)
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return httpapi.Tokens{}, ctx.Err()
		}
	}
	if f.fail != nil {
		return httpapi.Tokens{}, f.fail
	}
	room := "https://rooms.test/" + sessionID
	a, _, err := f.manager.Issue(credential.Grant{SessionID: sessionID, Party: domain.PartyA, UserID: "user-a", RoomURL: room})
	if err != nil {
		return httpapi.Tokens{}, err
	}
	b, _, err := f.manager.Issue(credential.Grant{SessionID: sessionID, Party: domain.PartyB, UserID: "user-b", RoomURL: room})
	if err != nil {
		return httpapi.Tokens{}, err
	}
	return httpapi.Tokens{PartyAToken: a, PartyBToken: b, RoomURL: room}, nil
}

type fakeTimeSource struct {
	mu     sync.Mutex
	server func() time.Time
	fail   error
	// delay is added to the local clock while the call is in flight.
	delay time.Duration
	local *testClock
}

func (f *fakeTimeSource) ServerNowMillis(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return 0, f.fail
	}
	millis := f.server().UnixMilli()
	if f.local != nil && f.delay > 0 {
		f.local.Advance(f.delay)
	}
	return millis, nil
}

type fakeRecorder struct {
	mu      sync.Mutex
	active  bool
	starts  int
	stops   int
	stopErr error
}

func (r *fakeRecorder) StartRecording(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = true
	r.starts++
	return nil
}

func (r *fakeRecorder) StopRecording(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = false
	r.stops++
	return r.stopErr
}

func (r *fakeRecorder) state() (active bool, starts, stops int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active, r.starts, r.stops
}

// fakeRoom connects fake transports the way a video provider room does.
type fakeRoom struct {
	mu      sync.Mutex
	members map[string]*fakeTransport
}

func newFakeRoom() *fakeRoom {
	return &fakeRoom{members: make(map[string]*fakeTransport)}
}

func (r *fakeRoom) transport(id string) *fakeTransport {
	return &fakeTransport{room: r, id: id, events: make(chan TransportEvent, 64)}
}

type fakeTransport struct {
	room   *fakeRoom
	id     string
	events chan TransportEvent

	mu        sync.Mutex
	joinErr   error
	joinURL   string
	joinToken string
	joins     int
	leaves    int

	// dropLocalJoin loses the joined event for this participant itself.
	dropLocalJoin bool
}

func (t *fakeTransport) Join(ctx context.Context, roomURL, token string) (string, error) {
	t.mu.Lock()
	t.joins++
	t.joinURL, t.joinToken = roomURL, token
	err := t.joinErr
	drop := t.dropLocalJoin
	t.mu.Unlock()
	if err != nil {
		return "", err
	}
	if roomURL == "" || token == "" {
		return "", errors.New("room url and token are required")
	}
	t.room.mu.Lock()
	defer t.room.mu.Unlock()
	for id, other := range t.room.members {
		other.deliver(TransportEvent{Kind: TransportJoined, ParticipantID: t.id})
		t.deliver(TransportEvent{Kind: TransportJoined, ParticipantID: id})
	}
	t.room.members[t.id] = t
	if !drop {
		t.deliver(TransportEvent{Kind: TransportJoined, ParticipantID: t.id, Local: true})
	}
	return t.id, nil
}

func (t *fakeTransport) Leave(context.Context) error {
	t.mu.Lock()
	t.leaves++
	t.mu.Unlock()
	t.room.mu.Lock()
	defer t.room.mu.Unlock()
	if _, ok := t.room.members[t.id]; !ok {
		return nil
	}
	delete(t.room.members, t.id)
	for _, other := range t.room.members {
		other.deliver(TransportEvent{Kind: TransportLeft, ParticipantID: t.id})
	}
	t.deliver(TransportEvent{Kind: TransportLeft, ParticipantID: t.id, Local: true})
	return nil
}

func (t *fakeTransport) Events() <-chan TransportEvent { return t.events }

func (t *fakeTransport) Participants(context.Context) ([]string, error) {
	t.room.mu.Lock()
	defer t.room.mu.Unlock()
	out := make([]string, 0, len(t.room.members))
	for id := range t.room.members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// deliver drops events when nobody reads, as a provider callback would.
func (t *fakeTransport) deliver(ev TransportEvent) {
	select {
	case t.events <- ev:
	default:
	}
}

func (t *fakeTransport) counts() (joins, leaves int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.joins, t.leaves
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
