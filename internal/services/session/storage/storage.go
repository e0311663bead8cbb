// Package storage defines persistence contracts for the session server.
package storage

import (
	"context"
	"time"

	apperrors "github.com/louisbranch/encounter.space/internal/platform/errors"
	"github.com/louisbranch/encounter.space/internal/platform/telemetry"
	"github.com/louisbranch/encounter.space/internal/services/session/domain"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = apperrors.New(apperrors.CodeNotFound, "record not found")

// ErrConflict indicates a conditional write lost to a concurrent writer.
var ErrConflict = apperrors.New(apperrors.CodeSessionConflict, "session changed concurrently")

// ErrAlreadyExists indicates a create collided with an existing record.
var ErrAlreadyExists = apperrors.New(apperrors.CodeAlreadyExists, "record already exists")

// SessionStore persists session rows with optimistic concurrency.
type SessionStore interface {
	CreateSession(ctx context.Context, s domain.Session) error
	GetSession(ctx context.Context, id string) (domain.Session, error)
	// CompareAndUpdate applies patch only while the row still has the
	// expected status and the version read for planning. An empty expected
	// status skips the status check. Losing the race returns ErrConflict.
	CompareAndUpdate(ctx context.Context, id string, expected domain.Status, version int64, patch domain.Patch, now time.Time) (domain.Session, error)
	// ListGraceExpired returns up to limit unstarted waiting rows whose grace
	// window ended at or before now, oldest deadline first.
	ListGraceExpired(ctx context.Context, now time.Time, limit int) ([]domain.Session, error)
}

// Credential is the current join token of one party.
type Credential struct {
	SessionID string
	Party     domain.Party
	TokenID   string
	Token     string
	RoomURL   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// CredentialStore keeps the latest credential per session seat. Storing a
// new credential supersedes the previous one.
type CredentialStore interface {
	PutCredential(ctx context.Context, c Credential) error
	GetCredential(ctx context.Context, sessionID string, party domain.Party) (Credential, error)
}

// SettlementKind separates the charge of a completed call from the refund of
// a no-show. Each kind settles at most once per session.
type SettlementKind string

const (
	SettlementCharge SettlementKind = "charge"
	SettlementRefund SettlementKind = "refund"
)

// SettlementStatus tracks a claim through completion.
type SettlementStatus string

const (
	SettlementPending SettlementStatus = "pending"
	SettlementSettled SettlementStatus = "settled"
)

// Settlement is the durable idempotency record for a monetary operation.
type Settlement struct {
	SessionID  string
	Kind       SettlementKind
	Status     SettlementStatus
	Owner      string
	ClaimedEnd *time.Time
	ResultJSON []byte
	ClaimedAt  time.Time
	SettledAt  *time.Time
}

// SettlementStore coordinates exactly-once settlement across processes.
type SettlementStore interface {
	// ClaimSettlement reserves (session, kind) for owner. It returns the
	// existing record and false when another claim is live or already settled.
	// A pending claim older than lease may be taken over.
	ClaimSettlement(ctx context.Context, claim Settlement, lease time.Duration) (Settlement, bool, error)
	CompleteSettlement(ctx context.Context, sessionID string, kind SettlementKind, owner string, resultJSON []byte, settledAt time.Time) error
	ReleaseSettlement(ctx context.Context, sessionID string, kind SettlementKind, owner string) error
	GetSettlement(ctx context.Context, sessionID string, kind SettlementKind) (Settlement, error)
}

// LedgerEntry is one monetary movement recorded by the bundled ledger.
type LedgerEntry struct {
	ID              string
	SessionID       string
	Kind            SettlementKind
	PartyID         string
	Amount          int64
	Payout          int64
	DurationSeconds int64
	Reason          string
	CreatedAt       time.Time
}

// LedgerStore records ledger entries idempotently per (session, kind).
type LedgerStore interface {
	// RecordLedgerEntry inserts entry unless one exists for its session and
	// kind, and returns the stored entry either way.
	RecordLedgerEntry(ctx context.Context, entry LedgerEntry) (LedgerEntry, error)
	ListLedgerEntries(ctx context.Context, sessionID string) ([]LedgerEntry, error)
}

// EventStore reads back the session audit trail.
type EventStore interface {
	telemetry.Store
	ListSessionEvents(ctx context.Context, sessionID string) ([]telemetry.Event, error)
}
