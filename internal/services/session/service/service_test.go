package service

import (
	"context"
	"crypto/ed25519"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	apperrors "github.com/louisbranch/encounter.space/internal/platform/errors"
	"github.com/louisbranch/encounter.space/internal/platform/requestctx"
	"github.com/louisbranch/encounter.space/internal/platform/telemetry"
	"github.com/louisbranch/encounter.space/internal/services/session/billing"
	"github.com/louisbranch/encounter.space/internal/services/session/credential"
	"github.com/louisbranch/encounter.space/internal/services/session/domain"
	"github.com/louisbranch/encounter.space/internal/services/session/feed"
	"github.com/louisbranch/encounter.space/internal/services/session/storage"
	"github.com/louisbranch/encounter.space/internal/services/session/storage/sqlite"
)

var t0 = time.Date(2026, 3, 1, 15, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

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

type failingRooms struct{}

func (failingRooms) CreateRoom(context.Context, string) (string, error) {
	return "", errors.New("provider quota exceeded")
}

type harness struct {
	svc   *Service
	store *sqlite.Store
	hub   *feed.Hub
	clock *testClock
}

func newHarness(t *testing.T, rooms RoomProvider) *harness {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "session.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	clock := &testClock{now: t0}
	_, privateKey, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tokens, err := credential.NewManager(credential.Config{
		Issuer:     "encounter.space",
		Audience:   "encounter.space/session",
		PrivateKey: privateKey,
		TTL:        2 * time.Hour,
		Now:        clock.Now,
	})
	if err != nil {
		t.Fatalf("new token manager: %v", err)
	}
	hub := feed.NewHub()
	events := telemetry.NewEmitter(store, clock.Now)
	finalizer, err := billing.NewFinalizer(store, store, billing.NewLocalLedger(store, clock.Now), billing.Options{
		Owner:     "test-server",
		Clock:     clock.Now,
		Publisher: hub,
		Events:    events,
	})
	if err != nil {
		t.Fatalf("new finalizer: %v", err)
	}
	if rooms == nil {
		rooms = TemplateRooms{Template: "https://rooms.test/" + SessionPlaceholder}
	}
	svc, err := New(Deps{
		Sessions:    store,
		Credentials: store,
		Tokens:      tokens,
		Rooms:       rooms,
		Settler:     finalizer,
		Publisher:   hub,
		Events:      events,
	}, Options{Clock: clock.Now})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return &harness{svc: svc, store: store, hub: hub, clock: clock}
}

func (h *harness) create(t *testing.T, id string) (domain.Session, TokenSet) {
	t.Helper()
	ctx := context.Background()
	sess, err := h.svc.Create(ctx, domain.Reservation{
		ID:                       id,
		PartyAID:                 "user-a",
		PartyBID:                 "user-b",
		ScheduledDurationSeconds: 1800,
		CreditsReserved:          60,
		PayoutAmount:             45,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	tokens, err := h.svc.IssueTokens(ctx, id, TokenRequest{})
	if err != nil {
		t.Fatalf("issue tokens: %v", err)
	}
	return sess, tokens
}

func (h *harness) joinAt(t *testing.T, id, token string, at time.Time) domain.Session {
	t.Helper()
	h.clock.Set(at)
	sess, err := h.svc.MarkJoined(context.Background(), id, token)
	if err != nil {
		t.Fatalf("mark joined: %v", err)
	}
	return sess
}

func TestScenarioSecondPartyJoinsWithinGrace(t *testing.T) {
	h := newHarness(t, nil)
	_, tokens := h.create(t, "sess-1")

	waiting := h.joinAt(t, "sess-1", tokens.PartyAToken, t0)
	if waiting.Status != domain.StatusWaiting {
		t.Fatalf("status = %q, want waiting", waiting.Status)
	}
	if waiting.GraceExpiresAt == nil || !waiting.GraceExpiresAt.Equal(t0.Add(300*time.Second)) {
		t.Fatalf("grace expires at = %v", waiting.GraceExpiresAt)
	}

	at250 := t0.Add(250 * time.Second)
	h.joinAt(t, "sess-1", tokens.PartyBToken, at250)
	active, err := h.svc.Transition(context.Background(), "sess-1", tokens.PartyBToken, TransitionRequest{
		Expected: domain.StatusWaiting,
		To:       domain.StatusActive,
	})
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if active.Status != domain.StatusActive || active.StartedAt == nil || !active.StartedAt.Equal(at250) {
		t.Fatalf("active row = %+v", active)
	}
	endsAt, ok := active.EndsAt()
	if !ok || !endsAt.Equal(at250.Add(1800*time.Second)) {
		t.Fatalf("ends at = %v, want %v", endsAt, at250.Add(1800*time.Second))
	}
	if active.GraceExpiresAt != nil {
		t.Fatal("expected grace to be cleared on activation")
	}
}

func TestConcurrentActivationStartsOnce(t *testing.T) {
	h := newHarness(t, nil)
	_, tokens := h.create(t, "sess-1")
	h.joinAt(t, "sess-1", tokens.PartyAToken, t0)
	h.joinAt(t, "sess-1", tokens.PartyBToken, t0.Add(10*time.Second))

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	for i := 0; i < 8; i++ {
		token := tokens.PartyAToken
		if i%2 == 1 {
			token = tokens.PartyBToken
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.Transition(context.Background(), "sess-1", token, TransitionRequest{
				Expected: domain.StatusWaiting,
				To:       domain.StatusActive,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case apperrors.HasCode(err, apperrors.CodeSessionConflict):
				conflicts++
			default:
				t.Errorf("activate: %v", err)
			}
		}()
	}
	wg.Wait()
	if successes != 1 || conflicts != 7 {
		t.Fatalf("successes = %d conflicts = %d, want 1 and 7", successes, conflicts)
	}

	sess, err := h.svc.Get(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sess.Status != domain.StatusActive || sess.StartedAt == nil {
		t.Fatalf("row = %+v", sess)
	}
	events, err := h.store.ListSessionEvents(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	activations := 0
	for _, evt := range events {
		if evt.Name == EventTransitioned && evt.Attributes["to"] == string(domain.StatusActive) {
			activations++
		}
	}
	if activations != 1 {
		t.Fatalf("activation events = %d, want 1", activations)
	}
}

func TestScenarioNoShowRefundsOnce(t *testing.T) {
	h := newHarness(t, nil)
	_, tokens := h.create(t, "sess-1")
	h.joinAt(t, "sess-1", tokens.PartyAToken, t0)

	h.clock.Set(t0.Add(299 * time.Second))
	if _, err := h.svc.ExpireGrace(context.Background(), "sess-1"); !apperrors.HasCode(err, apperrors.CodeSessionDeadlineNotReached) {
		t.Fatalf("early expire err = %v, want deadline not reached", err)
	}

	h.clock.Set(t0.Add(300 * time.Second))
	first, err := h.svc.ExpireGrace(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("expire grace: %v", err)
	}
	if first.Session.Status != domain.StatusCancelledNoShow || first.Session.StartedAt != nil {
		t.Fatalf("row = %+v", first.Session)
	}
	if first.Refund.Amount != 60 || first.Refund.PartyID != "user-a" {
		t.Fatalf("refund = %+v", first.Refund)
	}

	h.clock.Set(t0.Add(400 * time.Second))
	second, err := h.svc.ExpireGrace(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("second expire: %v", err)
	}
	if second.Refund != first.Refund {
		t.Fatalf("refunds differ:\n%+v\n%+v", first.Refund, second.Refund)
	}
	entries, err := h.store.ListLedgerEntries(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("list ledger: %v", err)
	}
	if len(entries) != 1 || entries[0].Kind != storage.SettlementRefund || entries[0].Amount != 60 {
		t.Fatalf("ledger = %+v", entries)
	}
}

func TestSweepGraceExpiresAbandonedWaitingSessions(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	_, first := h.create(t, "sess-1")
	_, second := h.create(t, "sess-2")
	_, both := h.create(t, "sess-3")
	h.joinAt(t, "sess-1", first.PartyAToken, t0)
	h.joinAt(t, "sess-2", second.PartyBToken, t0.Add(200*time.Second))
	h.joinAt(t, "sess-3", both.PartyAToken, t0.Add(200*time.Second))
	h.joinAt(t, "sess-3", both.PartyBToken, t0.Add(210*time.Second))

	h.clock.Set(t0.Add(300 * time.Second))
	expired, err := h.svc.SweepGrace(ctx, 10)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expired = %d, want 1", expired)
	}
	sess, err := h.svc.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sess.Status != domain.StatusCancelledNoShow {
		t.Fatalf("sess-1 status = %q", sess.Status)
	}
	entries, err := h.store.ListLedgerEntries(ctx, "sess-1")
	if err != nil {
		t.Fatalf("list ledger: %v", err)
	}
	if len(entries) != 1 || entries[0].Kind != storage.SettlementRefund || entries[0].Amount != 60 {
		t.Fatalf("ledger = %+v", entries)
	}

	if expired, err := h.svc.SweepGrace(ctx, 10); err != nil || expired != 0 {
		t.Fatalf("repeat sweep = %d, %v", expired, err)
	}

	h.clock.Set(t0.Add(500 * time.Second))
	if expired, err := h.svc.SweepGrace(ctx, 10); err != nil || expired != 1 {
		t.Fatalf("late sweep = %d, %v", expired, err)
	}
	for id, want := range map[string]domain.Status{
		"sess-2": domain.StatusCancelledNoShow,
		"sess-3": domain.StatusActive,
	} {
		sess, err := h.svc.Get(ctx, id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if sess.Status != want {
			t.Fatalf("%s status = %q, want %q", id, sess.Status, want)
		}
	}
}

func TestLateJoinAfterGraceIsConflict(t *testing.T) {
	h := newHarness(t, nil)
	_, tokens := h.create(t, "sess-1")
	h.joinAt(t, "sess-1", tokens.PartyAToken, t0)

	h.clock.Set(t0.Add(301 * time.Second))
	_, err := h.svc.MarkJoined(context.Background(), "sess-1", tokens.PartyBToken)
	if !apperrors.HasCode(err, apperrors.CodeSessionConflict) {
		t.Fatalf("err = %v, want conflict", err)
	}
}

func TestExpireGraceRejectsBothJoined(t *testing.T) {
	h := newHarness(t, nil)
	_, tokens := h.create(t, "sess-1")
	h.joinAt(t, "sess-1", tokens.PartyAToken, t0)
	h.joinAt(t, "sess-1", tokens.PartyBToken, t0.Add(200*time.Second))

	h.clock.Set(t0.Add(400 * time.Second))
	if _, err := h.svc.ExpireGrace(context.Background(), "sess-1"); err == nil {
		t.Fatal("expected expire to be rejected once both joined")
	}
}

func TestMarkJoinedIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	_, tokens := h.create(t, "sess-1")
	first := h.joinAt(t, "sess-1", tokens.PartyAToken, t0)
	second := h.joinAt(t, "sess-1", tokens.PartyAToken, t0.Add(time.Minute))
	if second.Version != first.Version || !second.PartyAJoinedAt.Equal(t0) {
		t.Fatalf("repeat join changed the row: %+v", second)
	}
}

func TestIssueTokensReusesAndRegeneratesPerSeat(t *testing.T) {
	h := newHarness(t, nil)
	_, first := h.create(t, "sess-1")
	if first.RoomURL != "https://rooms.test/sess-1" {
		t.Fatalf("room url = %q", first.RoomURL)
	}

	again, err := h.svc.IssueTokens(context.Background(), "sess-1", TokenRequest{})
	if err != nil {
		t.Fatalf("issue again: %v", err)
	}
	if again != first {
		t.Fatal("expected stored tokens to be reused")
	}

	h.clock.Set(t0.Add(time.Second))
	regenerated, err := h.svc.IssueTokens(context.Background(), "sess-1", TokenRequest{Regenerate: true, Party: domain.PartyB, Caller: "user-b"})
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if regenerated.PartyAToken != first.PartyAToken {
		t.Fatal("regenerating party b must not churn party a")
	}
	if regenerated.PartyBToken == first.PartyBToken {
		t.Fatal("expected a new party b token")
	}

	_, err = h.svc.MarkJoined(context.Background(), "sess-1", first.PartyBToken)
	if !apperrors.HasCode(err, apperrors.CodeCredentialExpired) {
		t.Fatalf("superseded token err = %v, want credential expired", err)
	}
	if _, err := h.svc.MarkJoined(context.Background(), "sess-1", regenerated.PartyBToken); err != nil {
		t.Fatalf("join with regenerated token: %v", err)
	}
}

func TestIssueTokensRegeneratesOnlyTheCallersSeat(t *testing.T) {
	h := newHarness(t, nil)
	_, first := h.create(t, "sess-1")
	ctx := context.Background()
	h.clock.Set(t0.Add(time.Second))

	_, err := h.svc.IssueTokens(ctx, "sess-1", TokenRequest{Regenerate: true, Party: domain.PartyB})
	if !apperrors.HasCode(err, apperrors.CodeCredentialMissing) {
		t.Fatalf("anonymous regenerate err = %v, want credential missing", err)
	}
	_, err = h.svc.IssueTokens(ctx, "sess-1", TokenRequest{Regenerate: true, Party: domain.PartyB, Caller: "user-a"})
	if !apperrors.HasCode(err, apperrors.CodeCredentialMismatch) {
		t.Fatalf("cross-seat regenerate err = %v, want credential mismatch", err)
	}
	_, err = h.svc.IssueTokens(ctx, "sess-1", TokenRequest{Regenerate: true, Caller: "stranger"})
	if !apperrors.HasCode(err, apperrors.CodeCredentialMismatch) {
		t.Fatalf("stranger regenerate err = %v, want credential mismatch", err)
	}

	own, err := h.svc.IssueTokens(ctx, "sess-1", TokenRequest{Regenerate: true, Caller: "user-a"})
	if err != nil {
		t.Fatalf("regenerate own seat: %v", err)
	}
	if own.PartyAToken == first.PartyAToken {
		t.Fatal("expected a new party a token")
	}
	if own.PartyBToken != first.PartyBToken {
		t.Fatal("regenerating party a must not churn party b")
	}
	if _, err := h.svc.MarkJoined(ctx, "sess-1", first.PartyBToken); err != nil {
		t.Fatalf("party b token should stay valid: %v", err)
	}
}

func TestIssueTokensRenewsExpired(t *testing.T) {
	h := newHarness(t, nil)
	_, first := h.create(t, "sess-1")
	h.clock.Set(t0.Add(3 * time.Hour))
	renewed, err := h.svc.IssueTokens(context.Background(), "sess-1", TokenRequest{})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if renewed.PartyAToken == first.PartyAToken || renewed.PartyBToken == first.PartyBToken {
		t.Fatal("expected expired tokens to be re-minted")
	}
}

func TestTokenForOtherSessionIsRejected(t *testing.T) {
	h := newHarness(t, nil)
	_, tokens := h.create(t, "sess-1")
	h.create(t, "sess-2")
	_, err := h.svc.MarkJoined(context.Background(), "sess-2", tokens.PartyAToken)
	if !apperrors.HasCode(err, apperrors.CodeCredentialMismatch) {
		t.Fatalf("err = %v, want mismatch", err)
	}
	if _, err := h.svc.MarkJoined(context.Background(), "sess-1", ""); !apperrors.HasCode(err, apperrors.CodeCredentialMissing) {
		t.Fatalf("err = %v, want missing", err)
	}
}

func TestRoomFailureFailsSession(t *testing.T) {
	h := newHarness(t, failingRooms{})
	ctx := context.Background()
	if _, err := h.svc.Create(ctx, domain.Reservation{
		ID: "sess-1", PartyAID: "user-a", PartyBID: "user-b",
		ScheduledDurationSeconds: 1800, CreditsReserved: 60, PayoutAmount: 45,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err := h.svc.IssueTokens(ctx, "sess-1", TokenRequest{})
	if !apperrors.HasCode(err, apperrors.CodeRoomUnavailable) {
		t.Fatalf("err = %v, want room unavailable", err)
	}
	if apperrors.ClassOf(err) != apperrors.ClassFatal {
		t.Fatalf("class = %q, want fatal", apperrors.ClassOf(err))
	}
	sess, err := h.svc.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sess.Status != domain.StatusFailed || sess.FailureReason == "" {
		t.Fatalf("row = %+v", sess)
	}
	if _, err := h.svc.IssueTokens(ctx, "sess-1", TokenRequest{}); !apperrors.HasCode(err, apperrors.CodeSessionTerminal) {
		t.Fatalf("err = %v, want terminal", err)
	}
}

func TestConsentDenialResetsOtherGrant(t *testing.T) {
	h := newHarness(t, nil)
	_, tokens := h.create(t, "sess-1")
	ctx := context.Background()

	if _, err := h.svc.SetConsent(ctx, "sess-1", tokens.PartyAToken, true); err != nil {
		t.Fatalf("consent a: %v", err)
	}
	both, err := h.svc.SetConsent(ctx, "sess-1", tokens.PartyBToken, true)
	if err != nil {
		t.Fatalf("consent b: %v", err)
	}
	if !both.BothConsented() {
		t.Fatalf("expected both consented: %+v", both)
	}
	denied, err := h.svc.SetConsent(ctx, "sess-1", tokens.PartyBToken, false)
	if err != nil {
		t.Fatalf("deny b: %v", err)
	}
	if denied.BothConsented() || denied.RecordingConsentA != domain.ConsentUnset || denied.RecordingConsentB != domain.ConsentDenied {
		t.Fatalf("row after denial = %+v", denied)
	}
}

func TestTransitionRejectsServerOwnedStatuses(t *testing.T) {
	h := newHarness(t, nil)
	_, tokens := h.create(t, "sess-1")
	for _, to := range []domain.Status{domain.StatusCompleted, domain.StatusCancelledNoShow, domain.StatusWaiting} {
		_, err := h.svc.Transition(context.Background(), "sess-1", tokens.PartyAToken, TransitionRequest{To: to})
		if !apperrors.HasCode(err, apperrors.CodeInvalidArgument) {
			t.Fatalf("to %s err = %v, want invalid argument", to, err)
		}
	}
}

func TestStartedCallCannotFail(t *testing.T) {
	h := newHarness(t, nil)
	_, tokens := h.create(t, "sess-1")
	h.joinAt(t, "sess-1", tokens.PartyAToken, t0)
	h.joinAt(t, "sess-1", tokens.PartyBToken, t0)
	if _, err := h.svc.Transition(context.Background(), "sess-1", tokens.PartyAToken, TransitionRequest{To: domain.StatusActive}); err != nil {
		t.Fatalf("activate: %v", err)
	}
	_, err := h.svc.Transition(context.Background(), "sess-1", tokens.PartyAToken, TransitionRequest{To: domain.StatusFailed, Reason: "transport"})
	if !apperrors.HasCode(err, apperrors.CodeSessionInvalidTransition) {
		t.Fatalf("err = %v, want invalid transition", err)
	}
}

func TestScenarioBothFinalizeNearlyTogether(t *testing.T) {
	h := newHarness(t, nil)
	_, tokens := h.create(t, "sess-1")
	h.joinAt(t, "sess-1", tokens.PartyAToken, t0)
	h.joinAt(t, "sess-1", tokens.PartyBToken, t0)
	ctx := context.Background()
	if _, err := h.svc.Transition(ctx, "sess-1", tokens.PartyAToken, TransitionRequest{To: domain.StatusActive}); err != nil {
		t.Fatalf("activate: %v", err)
	}
	end := t0.Add(20 * time.Minute)
	h.clock.Set(end)
	if _, err := h.svc.Transition(ctx, "sess-1", tokens.PartyBToken, TransitionRequest{To: domain.StatusEnding}); err != nil {
		t.Fatalf("end: %v", err)
	}

	sub := h.hub.Subscribe("sess-1")
	defer sub.Close()

	var wg sync.WaitGroup
	results := make([]domain.ChargeResult, 2)
	errs := make([]error, 2)
	for i, token := range []string{tokens.PartyAToken, tokens.PartyBToken} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i == 1 {
				time.Sleep(50 * time.Millisecond)
			}
			results[i], errs[i] = h.svc.Finalize(ctx, "sess-1", token, end.Add(time.Duration(i)*50*time.Millisecond))
		}()
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("finalize %d: %v", i, err)
		}
	}
	if results[0] != results[1] {
		t.Fatalf("results differ:\n%+v\n%+v", results[0], results[1])
	}
	if results[0].CreditsCharged != 40 {
		t.Fatalf("credits charged = %d, want 40", results[0].CreditsCharged)
	}
	entries, err := h.store.ListLedgerEntries(ctx, "sess-1")
	if err != nil {
		t.Fatalf("list ledger: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("ledger entries = %d, want 1", len(entries))
	}

	select {
	case row := <-sub.C():
		if row.Status != domain.StatusCompleted {
			t.Fatalf("published status = %q, want completed", row.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("completed row was not published")
	}
}

func TestCreateGeneratesIDAndRejectsDuplicates(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	sess, err := h.svc.Create(ctx, domain.Reservation{
		PartyAID: "user-a", PartyBID: "user-b", ScheduledDurationSeconds: 600, CreditsReserved: 10,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sess.ID == "" || sess.Status != domain.StatusScheduled {
		t.Fatalf("row = %+v", sess)
	}
	_, err = h.svc.Create(ctx, domain.Reservation{
		ID: sess.ID, PartyAID: "user-a", PartyBID: "user-b", ScheduledDurationSeconds: 600,
	})
	if !apperrors.HasCode(err, apperrors.CodeAlreadyExists) {
		t.Fatalf("err = %v, want already exists", err)
	}
}

func TestTemplateRooms(t *testing.T) {
	url, err := TemplateRooms{Template: "https://video.example/r/{session_id}?lobby=1"}.CreateRoom(context.Background(), "a b")
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	if url != "https://video.example/r/a%20b?lobby=1" {
		t.Fatalf("url = %q", url)
	}
	if _, err := (TemplateRooms{Template: "https://video.example/static"}).CreateRoom(context.Background(), "x"); err == nil {
		t.Fatal("expected error for template without placeholder")
	}
	if _, err := (TemplateRooms{Template: "/relative/{session_id}"}).CreateRoom(context.Background(), "x"); err == nil {
		t.Fatal("expected error for relative template")
	}
}

func TestAuditEventsCarryRequestID(t *testing.T) {
	h := newHarness(t, nil)
	_, tokens := h.create(t, "sess-1")

	ctx := requestctx.WithRequestID(context.Background(), "req-join-a")
	if _, err := h.svc.MarkJoined(ctx, "sess-1", tokens.PartyAToken); err != nil {
		t.Fatalf("mark joined: %v", err)
	}
	events, err := h.store.ListSessionEvents(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	for _, evt := range events {
		switch evt.Name {
		case EventJoined:
			if evt.Attributes["request_id"] != "req-join-a" || evt.Attributes["party"] != string(domain.PartyA) {
				t.Fatalf("join attributes = %v", evt.Attributes)
			}
		case EventCreated:
			if _, ok := evt.Attributes["request_id"]; ok {
				t.Fatalf("create had no request id, got %v", evt.Attributes)
			}
		}
	}
}
