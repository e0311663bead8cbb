package participant

import (
	"context"
	"errors"
	"testing"

	apperrors "github.com/louisbranch/encounter.space/internal/platform/errors"
	"github.com/louisbranch/encounter.space/internal/services/session/domain"
)

func consentRow(version int64, status domain.Status, a, b domain.Consent) domain.Session {
	return domain.Session{ID: "sess-1", Status: status, Version: version, RecordingConsentA: a, RecordingConsentB: b}
}

func TestConsent_StartNeedsBothParties(t *testing.T) {
	recorder := &fakeRecorder{}
	consent := NewConsentCoordinator(recorder)
	ctx := context.Background()

	if err := consent.StartRecording(ctx); !apperrors.HasCode(err, apperrors.CodeRecordingNotPermitted) {
		t.Fatalf("code = %s, want %s", apperrors.CodeOf(err), apperrors.CodeRecordingNotPermitted)
	}
	if _, err := consent.Observe(ctx, consentRow(2, domain.StatusActive, domain.ConsentGranted, domain.ConsentUnset)); err != nil {
		t.Fatalf("observe: %v", err)
	}
	if err := consent.StartRecording(ctx); !apperrors.HasCode(err, apperrors.CodeRecordingNotPermitted) {
		t.Fatalf("one consent should not permit recording, code = %s", apperrors.CodeOf(err))
	}
	if _, err := consent.Observe(ctx, consentRow(3, domain.StatusActive, domain.ConsentGranted, domain.ConsentGranted)); err != nil {
		t.Fatalf("observe: %v", err)
	}
	if err := consent.StartRecording(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := consent.StartRecording(ctx); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if active, starts, _ := recorder.state(); !active || starts != 1 {
		t.Fatalf("recorder active = %v starts = %d", active, starts)
	}
	if !consent.Recording() || !consent.BothConsented() {
		t.Fatal("expected recording with both consents")
	}
}

func TestConsent_RemoteDenialStopsRecording(t *testing.T) {
	recorder := &fakeRecorder{}
	consent := NewConsentCoordinator(recorder)
	ctx := context.Background()
	consent.Observe(ctx, consentRow(3, domain.StatusActive, domain.ConsentGranted, domain.ConsentGranted))
	if err := consent.StartRecording(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	stopped, err := consent.Observe(ctx, consentRow(4, domain.StatusActive, domain.ConsentUnset, domain.ConsentDenied))
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if !stopped {
		t.Fatal("expected stop")
	}
	if active, _, stops := recorder.state(); active || stops != 1 {
		t.Fatalf("recorder active = %v stops = %d", active, stops)
	}
	if consent.Recording() {
		t.Fatal("expected no recording")
	}
}

func TestConsent_StaleRowIgnored(t *testing.T) {
	recorder := &fakeRecorder{}
	consent := NewConsentCoordinator(recorder)
	ctx := context.Background()
	consent.Observe(ctx, consentRow(5, domain.StatusActive, domain.ConsentGranted, domain.ConsentGranted))
	if err := consent.StartRecording(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	stopped, err := consent.Observe(ctx, consentRow(4, domain.StatusActive, domain.ConsentUnset, domain.ConsentUnset))
	if err != nil || stopped {
		t.Fatalf("stale row: stopped = %v err = %v", stopped, err)
	}
	if !consent.Recording() {
		t.Fatal("stale row must not stop recording")
	}
}

func TestConsent_LocalDenialStopsAndResetsOtherGrant(t *testing.T) {
	recorder := &fakeRecorder{}
	consent := NewConsentCoordinator(recorder)
	ctx := context.Background()
	consent.Observe(ctx, consentRow(3, domain.StatusActive, domain.ConsentGranted, domain.ConsentGranted))
	if err := consent.StartRecording(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	stopped, err := consent.SetLocal(ctx, domain.PartyB, false)
	if err != nil || !stopped {
		t.Fatalf("set local: stopped = %v err = %v", stopped, err)
	}
	if consent.Recording() {
		t.Fatal("expected recording stopped")
	}
	// A later grant by B alone is not enough; A must consent again.
	consent.SetLocal(ctx, domain.PartyB, true)
	if consent.BothConsented() {
		t.Fatal("denial should reset the other party's grant")
	}
}

func TestConsent_TerminalRowStops(t *testing.T) {
	recorder := &fakeRecorder{stopErr: errors.New("recorder offline")}
	consent := NewConsentCoordinator(recorder)
	ctx := context.Background()
	consent.Observe(ctx, consentRow(3, domain.StatusActive, domain.ConsentGranted, domain.ConsentGranted))
	if err := consent.StartRecording(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	stopped, err := consent.Observe(ctx, consentRow(6, domain.StatusCompleted, domain.ConsentGranted, domain.ConsentGranted))
	if !stopped || err == nil {
		t.Fatalf("stopped = %v err = %v", stopped, err)
	}
	if consent.Recording() {
		t.Fatal("a failed stop still leaves the coordinator not recording")
	}
}

func TestConsent_StaleGrantCannotOverrideLocalDenial(t *testing.T) {
	recorder := &fakeRecorder{}
	consent := NewConsentCoordinator(recorder)
	ctx := context.Background()
	consent.Observe(ctx, consentRow(4, domain.StatusActive, domain.ConsentGranted, domain.ConsentUnset))
	if _, err := consent.SetLocal(ctx, domain.PartyA, false); err != nil {
		t.Fatalf("set local: %v", err)
	}

	// Written before the denial reached the server.
	consent.Observe(ctx, consentRow(5, domain.StatusActive, domain.ConsentGranted, domain.ConsentGranted))
	if consent.BothConsented() {
		t.Fatal("a row older than the denial re-enabled consent")
	}
	if err := consent.StartRecording(ctx); !apperrors.HasCode(err, apperrors.CodeRecordingNotPermitted) {
		t.Fatalf("start after denial: code = %s", apperrors.CodeOf(err))
	}
	if active, starts, _ := recorder.state(); active || starts != 0 {
		t.Fatalf("recorder active = %v starts = %d", active, starts)
	}
}

func TestConsent_DenialClearsOnceStored(t *testing.T) {
	recorder := &fakeRecorder{}
	consent := NewConsentCoordinator(recorder)
	ctx := context.Background()
	consent.Observe(ctx, consentRow(3, domain.StatusActive, domain.ConsentGranted, domain.ConsentGranted))
	consent.SetLocal(ctx, domain.PartyA, false)

	consent.Observe(ctx, consentRow(4, domain.StatusActive, domain.ConsentGranted, domain.ConsentGranted))
	if consent.BothConsented() {
		t.Fatal("stale grants must stay hidden")
	}
	consent.Observe(ctx, consentRow(5, domain.StatusActive, domain.ConsentDenied, domain.ConsentUnset))

	// A grant waits for the server; both parties must confirm again.
	consent.SetLocal(ctx, domain.PartyA, true)
	if consent.BothConsented() {
		t.Fatal("a local grant alone must not permit recording")
	}
	consent.Observe(ctx, consentRow(6, domain.StatusActive, domain.ConsentGranted, domain.ConsentUnset))
	if consent.BothConsented() {
		t.Fatal("party b has not confirmed again")
	}
	consent.Observe(ctx, consentRow(7, domain.StatusActive, domain.ConsentGranted, domain.ConsentGranted))
	if !consent.BothConsented() {
		t.Fatal("expected consent once both grants are stored")
	}
	if err := consent.StartRecording(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
}
