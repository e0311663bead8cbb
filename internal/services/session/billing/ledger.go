package billing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/encounter.space/internal/platform/id"
	"github.com/louisbranch/encounter.space/internal/services/session/domain"
	"github.com/louisbranch/encounter.space/internal/services/session/storage"
)

// ChargeRequest asks the ledger to bill a completed call.
type ChargeRequest struct {
	SessionID                string
	PayerID                  string
	PayeeID                  string
	ActualDurationSeconds    int64
	ScheduledDurationSeconds int64
	CreditsReserved          int64
	PayoutAmount             int64
}

// ChargeReceipt is the ledger's answer to a charge.
type ChargeReceipt struct {
	TransactionID  string
	CreditsCharged int64
	PayoutAmount   int64
}

// RefundRequest asks the ledger to return reserved credits.
type RefundRequest struct {
	SessionID string
	PartyID   string
	Amount    int64
	Reason    string
}

// RefundReceipt is the ledger's answer to a refund.
type RefundReceipt struct {
	TransactionID string
	Amount        int64
}

// Ledger moves money. Both calls must be idempotent per session id: repeating
// a call returns the first receipt.
type Ledger interface {
	Charge(ctx context.Context, req ChargeRequest) (ChargeReceipt, error)
	Refund(ctx context.Context, req RefundRequest) (RefundReceipt, error)
}

// LocalLedger records charges and refunds as ledger entries in the session
// database.
type LocalLedger struct {
	store storage.LedgerStore
	clock func() time.Time
}

// NewLocalLedger builds a ledger over store. A nil clock uses time.Now.
func NewLocalLedger(store storage.LedgerStore, clock func() time.Time) *LocalLedger {
	if clock == nil {
		clock = time.Now
	}
	return &LocalLedger{store: store, clock: clock}
}

// Charge bills the used fraction of the call: credits rounded up and capped
// at the reservation, payout rounded down.
func (l *LocalLedger) Charge(ctx context.Context, req ChargeRequest) (ChargeReceipt, error) {
	if l == nil || l.store == nil {
		return ChargeReceipt{}, fmt.Errorf("ledger store is not configured")
	}
	if strings.TrimSpace(req.SessionID) == "" {
		return ChargeReceipt{}, fmt.Errorf("session id is required")
	}
	entryID, err := id.NewID()
	if err != nil {
		return ChargeReceipt{}, fmt.Errorf("generate ledger entry id: %w", err)
	}
	entry, err := l.store.RecordLedgerEntry(ctx, storage.LedgerEntry{
		ID:              entryID,
		SessionID:       req.SessionID,
		Kind:            storage.SettlementCharge,
		PartyID:         req.PayerID,
		Amount:          domain.ProRataCharge(req.CreditsReserved, req.ActualDurationSeconds, req.ScheduledDurationSeconds),
		Payout:          domain.ProRataPayout(req.PayoutAmount, req.ActualDurationSeconds, req.ScheduledDurationSeconds),
		DurationSeconds: req.ActualDurationSeconds,
		CreatedAt:       l.clock().UTC(),
	})
	if err != nil {
		return ChargeReceipt{}, err
	}
	return ChargeReceipt{
		TransactionID:  entry.ID,
		CreditsCharged: entry.Amount,
		PayoutAmount:   entry.Payout,
	}, nil
}

// Refund returns req.Amount to req.PartyID.
func (l *LocalLedger) Refund(ctx context.Context, req RefundRequest) (RefundReceipt, error) {
	if l == nil || l.store == nil {
		return RefundReceipt{}, fmt.Errorf("ledger store is not configured")
	}
	if strings.TrimSpace(req.SessionID) == "" {
		return RefundReceipt{}, fmt.Errorf("session id is required")
	}
	if req.Amount < 0 {
		return RefundReceipt{}, fmt.Errorf("refund amount must not be negative")
	}
	entryID, err := id.NewID()
	if err != nil {
		return RefundReceipt{}, fmt.Errorf("generate ledger entry id: %w", err)
	}
	entry, err := l.store.RecordLedgerEntry(ctx, storage.LedgerEntry{
		ID:        entryID,
		SessionID: req.SessionID,
		Kind:      storage.SettlementRefund,
		PartyID:   req.PartyID,
		Amount:    req.Amount,
		Reason:    req.Reason,
		CreatedAt: l.clock().UTC(),
	})
	if err != nil {
		return RefundReceipt{}, err
	}
	return RefundReceipt{TransactionID: entry.ID, Amount: entry.Amount}, nil
}
