package credential

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	apperrors "github.com/louisbranch/encounter.space/internal/platform/errors"
	"github.com/louisbranch/encounter.space/internal/services/session/domain"
)

var t0 = time.Date(2026, 3, 1, 15, 0, 0, 0, time.UTC)

func testKey(seed byte) ed25519.PrivateKey {
	return ed25519.NewKeyFromSeed(bytes.Repeat([]byte{seed}, ed25519.SeedSize))
}

func newTestManager(t *testing.T, now *time.Time) *Manager {
	t.Helper()
	m, err := NewManager(Config{
		Issuer:     "encounter.space",
		Audience:   "encounter.space/session",
		PrivateKey: testKey(7),
		TTL:        time.Hour,
		Now:        func() time.Time { return *now },
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func TestIssueAndVerify(t *testing.T) {
	now := t0
	m := newTestManager(t, &now)

	token, issued, err := m.Issue(Grant{SessionID: "sess-1", Party: domain.PartyB, UserID: "user-b", RoomURL: "https://rooms.example/sess-1"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if issued.TokenID == "" || !issued.ExpiresAt.Equal(t0.Add(time.Hour)) {
		t.Fatalf("issued = %+v", issued)
	}

	claims, err := m.Verify(token, "sess-1")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Party != domain.PartyB || claims.UserID != "user-b" || claims.TokenID != issued.TokenID || claims.RoomURL != "https://rooms.example/sess-1" {
		t.Fatalf("claims = %+v", claims)
	}

	exp, err := PeekExpiry(token)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if !exp.Equal(issued.ExpiresAt) {
		t.Fatalf("peek exp = %v, want %v", exp, issued.ExpiresAt)
	}
}

func TestVerifyFailures(t *testing.T) {
	now := t0
	m := newTestManager(t, &now)
	token, _, err := m.Issue(Grant{SessionID: "sess-1", Party: domain.PartyA, UserID: "user-a"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if _, err := m.Verify("", "sess-1"); !apperrors.HasCode(err, apperrors.CodeCredentialMissing) {
		t.Fatalf("empty err = %v", err)
	}
	if _, err := m.Verify(token, "sess-2"); !apperrors.HasCode(err, apperrors.CodeCredentialMismatch) {
		t.Fatalf("session mismatch err = %v", err)
	}
	if _, err := m.Verify("not-a-jwt", "sess-1"); !apperrors.HasCode(err, apperrors.CodeCredentialInvalid) {
		t.Fatalf("malformed err = %v", err)
	}

	other, err := NewManager(Config{Issuer: "encounter.space", Audience: "encounter.space/session", PrivateKey: testKey(9), Now: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("other manager: %v", err)
	}
	if _, err := other.Verify(token, "sess-1"); !apperrors.HasCode(err, apperrors.CodeCredentialInvalid) {
		t.Fatalf("foreign signature err = %v", err)
	}

	now = t0.Add(time.Hour)
	_, err = m.Verify(token, "sess-1")
	if !apperrors.HasCode(err, apperrors.CodeCredentialExpired) {
		t.Fatalf("expired err = %v", err)
	}
	if !apperrors.IsRetryable(err) {
		t.Fatal("expired credentials are retryable through regeneration")
	}
}

func TestIssueRejectsIncompleteGrant(t *testing.T) {
	now := t0
	m := newTestManager(t, &now)
	if _, _, err := m.Issue(Grant{SessionID: "sess-1", Party: "c", UserID: "u"}); err == nil {
		t.Fatal("expected invalid party error")
	}
}

func TestNewManagerValidation(t *testing.T) {
	if _, err := NewManager(Config{Issuer: "i", Audience: "a"}); err == nil {
		t.Fatal("expected missing key error")
	}
	if _, err := NewManager(Config{PrivateKey: testKey(1)}); err == nil {
		t.Fatal("expected missing issuer error")
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	key := testKey(3)
	t.Setenv("ENCOUNTER_SPACE_JOIN_TOKEN_PRIVATE_KEY", base64.RawStdEncoding.EncodeToString(key))
	t.Setenv("ENCOUNTER_SPACE_JOIN_TOKEN_TTL", "30m")

	cfg, err := LoadConfigFromEnv(nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Issuer != "encounter.space" || cfg.TTL != 30*time.Minute || !cfg.PrivateKey.Equal(key) {
		t.Fatalf("cfg = %+v", cfg)
	}

	t.Setenv("ENCOUNTER_SPACE_JOIN_TOKEN_PRIVATE_KEY", base64.StdEncoding.EncodeToString(key[:10]))
	if _, err := LoadConfigFromEnv(nil); err == nil || !strings.Contains(err.Error(), "bytes") {
		t.Fatalf("short key err = %v", err)
	}
	t.Setenv("ENCOUNTER_SPACE_JOIN_TOKEN_PRIVATE_KEY", "")
	if _, err := LoadConfigFromEnv(nil); err == nil {
		t.Fatal("expected missing key error")
	}
}

func TestPeekExpiryMalformed(t *testing.T) {
	if _, err := PeekExpiry("garbage"); !apperrors.HasCode(err, apperrors.CodeCredentialInvalid) {
		t.Fatalf("err = %v", err)
	}
}
