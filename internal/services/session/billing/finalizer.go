package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	apperrors "github.com/louisbranch/encounter.space/internal/platform/errors"
	"github.com/louisbranch/encounter.space/internal/platform/telemetry"
	"github.com/louisbranch/encounter.space/internal/platform/telemetry/metrics"
	"github.com/louisbranch/encounter.space/internal/services/session/domain"
	"github.com/louisbranch/encounter.space/internal/services/session/storage"
)

const instrumentationScope = "github.com/louisbranch/encounter.space/internal/services/session/billing"

// DefaultLease is how long a pending settlement claim blocks other owners.
const DefaultLease = 2 * time.Minute

const completeAttempts = 3

// Audit event names.
const (
	EventCharged   = "billing.charged"
	EventRefunded  = "billing.refunded"
	EventCompleted = "session.completed"
	EventSettleErr = "billing.failed"
)

// Publisher receives rows written by the finalizer.
type Publisher interface {
	Publish(s domain.Session)
}

// Options tune a Finalizer.
type Options struct {
	// Owner identifies this process on settlement claims.
	Owner     string
	Lease     time.Duration
	Clock     func() time.Time
	Publisher Publisher
	Events    *telemetry.Emitter
}

// Finalizer settles sessions exactly once.
type Finalizer struct {
	sessions    storage.SessionStore
	settlements storage.SettlementStore
	ledger      Ledger
	owner       string
	lease       time.Duration
	clock       func() time.Time
	publisher   Publisher
	events      *telemetry.Emitter
	group       singleflight.Group
	tracer      trace.Tracer

	settled  metric.Int64Counter
	replayed metric.Int64Counter
	failed   metric.Int64Counter
}

// NewFinalizer wires a finalizer over its stores and ledger.
func NewFinalizer(sessions storage.SessionStore, settlements storage.SettlementStore, ledger Ledger, opts Options) (*Finalizer, error) {
	if sessions == nil {
		return nil, errors.New("session store is required")
	}
	if settlements == nil {
		return nil, errors.New("settlement store is required")
	}
	if ledger == nil {
		return nil, errors.New("ledger is required")
	}
	owner := strings.TrimSpace(opts.Owner)
	if owner == "" {
		return nil, errors.New("settlement owner is required")
	}
	lease := opts.Lease
	if lease <= 0 {
		lease = DefaultLease
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Finalizer{
		sessions:    sessions,
		settlements: settlements,
		ledger:      ledger,
		owner:       owner,
		lease:       lease,
		clock:       clock,
		publisher:   opts.Publisher,
		events:      opts.Events,
		tracer:      otel.Tracer(instrumentationScope),
		settled:     metrics.Int64Counter(instrumentationScope, "encounter.billing.settled", "Settlements executed against the ledger."),
		replayed:    metrics.Int64Counter(instrumentationScope, "encounter.billing.replayed", "Settlement calls answered from a stored result."),
		failed:      metrics.Int64Counter(instrumentationScope, "encounter.billing.failed", "Settlement attempts that failed."),
	}, nil
}

// Finalize charges a finished call and completes the session. Any number of
// calls, concurrent or not, produce one ledger charge and return the same
// ChargeResult. actualEnd is the caller's observed end; the billed duration
// uses the server-stamped end when the row has one.
func (f *Finalizer) Finalize(ctx context.Context, sessionID string, actualEnd time.Time) (domain.ChargeResult, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return domain.ChargeResult{}, apperrors.New(apperrors.CodeInvalidArgument, "session id is required")
	}
	v, err, _ := f.group.Do("charge:"+sessionID, func() (any, error) {
		return f.finalize(ctx, sessionID, actualEnd)
	})
	if err != nil {
		return domain.ChargeResult{}, err
	}
	return v.(domain.ChargeResult), nil
}

func (f *Finalizer) finalize(ctx context.Context, sessionID string, actualEnd time.Time) (result domain.ChargeResult, err error) {
	ctx, span := f.tracer.Start(ctx, "billing.Finalize", trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer func() {
		endSpan(span, err)
	}()

	s, err := f.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return domain.ChargeResult{}, err
	}
	now := f.clock().UTC()
	switch {
	case s.Status == domain.StatusCompleted, s.Status == domain.StatusEnding:
	case s.Status == domain.StatusActive && domain.DeadlineReached(s, now):
	default:
		return domain.ChargeResult{}, apperrors.WithMetadata(
			apperrors.CodeSessionInvalidTransition,
			"session is "+string(s.Status)+" and cannot be finalized",
			map[string]string{"session_id": sessionID, "status": string(s.Status)},
		)
	}

	claimedEnd := actualEnd.UTC()
	claim := storage.Settlement{
		SessionID: sessionID,
		Kind:      storage.SettlementCharge,
		Owner:     f.owner,
		ClaimedAt: now,
	}
	if !actualEnd.IsZero() {
		claim.ClaimedEnd = &claimedEnd
	}
	record, claimed, err := f.settlements.ClaimSettlement(ctx, claim, f.lease)
	if err != nil {
		return domain.ChargeResult{}, f.failure(ctx, sessionID, "claim charge settlement", err)
	}
	if !claimed {
		return f.replayCharge(ctx, record)
	}

	result, err = f.charge(ctx, s, actualEnd, now)
	if err != nil {
		if releaseErr := f.settlements.ReleaseSettlement(ctx, sessionID, storage.SettlementCharge, f.owner); releaseErr != nil {
			log.Printf("billing: release charge claim %s: %v", sessionID, releaseErr)
		}
		return domain.ChargeResult{}, f.failure(ctx, sessionID, "charge session", err)
	}
	metrics.Add(ctx, f.settled, sessionID, attribute.String("settlement.kind", string(storage.SettlementCharge)))
	f.emit(ctx, telemetry.Event{
		SessionID: sessionID,
		Name:      EventCharged,
		Actor:     f.owner,
		Attributes: map[string]string{
			"credits_charged":         strconv.FormatInt(result.CreditsCharged, 10),
			"payout_amount":           strconv.FormatInt(result.PayoutAmount, 10),
			"actual_duration_seconds": strconv.FormatInt(result.ActualDurationSeconds, 10),
			"transaction_id":          result.TransactionID,
		},
	})

	if err := f.complete(ctx, sessionID); err != nil {
		// The charge is settled; the next call completes the row.
		log.Printf("billing: complete session %s: %v", sessionID, err)
	}
	return result, nil
}

// charge moves the session to ending when its deadline passed, then bills it
// and stores the result on the claim.
func (f *Finalizer) charge(ctx context.Context, s domain.Session, actualEnd, now time.Time) (domain.ChargeResult, error) {
	if s.Status == domain.StatusActive {
		ended, err := f.endAtDeadline(ctx, s, now)
		if err != nil {
			return domain.ChargeResult{}, err
		}
		s = ended
	}
	if s.StartedAt == nil {
		return domain.ChargeResult{}, apperrors.New(apperrors.CodeSessionInvariant, "finalized session has no start")
	}
	end := actualEnd.UTC()
	if s.EndedAt != nil {
		end = *s.EndedAt
	}
	if end.IsZero() {
		end = now
	}
	duration := domain.ActualDurationSeconds(*s.StartedAt, end, s.ScheduledDurationSeconds)
	receipt, err := f.ledger.Charge(ctx, ChargeRequest{
		SessionID:                s.ID,
		PayerID:                  s.PartyAID,
		PayeeID:                  s.PartyBID,
		ActualDurationSeconds:    duration,
		ScheduledDurationSeconds: s.ScheduledDurationSeconds,
		CreditsReserved:          s.CreditsReserved,
		PayoutAmount:             s.PayoutAmount,
	})
	if err != nil {
		return domain.ChargeResult{}, err
	}
	result := domain.ChargeResult{
		SessionID:             s.ID,
		CreditsCharged:        receipt.CreditsCharged,
		PayoutAmount:          receipt.PayoutAmount,
		ActualDurationSeconds: duration,
		TransactionID:         receipt.TransactionID,
		SettledAt:             now,
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return domain.ChargeResult{}, fmt.Errorf("encode charge result: %w", err)
	}
	if err := f.settlements.CompleteSettlement(ctx, s.ID, storage.SettlementCharge, f.owner, payload, now); err != nil {
		return domain.ChargeResult{}, fmt.Errorf("complete charge settlement: %w", err)
	}
	return decodeCharge(payload)
}

func (f *Finalizer) endAtDeadline(ctx context.Context, s domain.Session, now time.Time) (domain.Session, error) {
	for attempt := 0; attempt < completeAttempts; attempt++ {
		if s.Status != domain.StatusActive {
			return s, nil
		}
		patch, err := domain.PlanEnd(s, now, domain.EndReasonDeadlineReached)
		if err != nil {
			return domain.Session{}, err
		}
		updated, err := f.sessions.CompareAndUpdate(ctx, s.ID, domain.StatusActive, s.Version, patch, now)
		if err == nil {
			f.publish(updated)
			return updated, nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			return domain.Session{}, err
		}
		if s, err = f.sessions.GetSession(ctx, s.ID); err != nil {
			return domain.Session{}, err
		}
	}
	return domain.Session{}, storage.ErrConflict
}

// complete moves an ending row to completed. Losing the race to another
// completer is fine.
func (f *Finalizer) complete(ctx context.Context, sessionID string) error {
	for attempt := 0; attempt < completeAttempts; attempt++ {
		s, err := f.sessions.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if s.Status == domain.StatusCompleted {
			return nil
		}
		patch, err := domain.PlanComplete(s)
		if err != nil {
			return err
		}
		updated, err := f.sessions.CompareAndUpdate(ctx, sessionID, domain.StatusEnding, s.Version, patch, f.clock().UTC())
		if err == nil {
			f.publish(updated)
			f.emit(ctx, telemetry.Event{SessionID: sessionID, Name: EventCompleted, Actor: f.owner, Version: updated.Version})
			return nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			return err
		}
	}
	return storage.ErrConflict
}

func (f *Finalizer) replayCharge(ctx context.Context, record storage.Settlement) (domain.ChargeResult, error) {
	if record.Status != storage.SettlementSettled {
		return domain.ChargeResult{}, apperrors.WithMetadata(
			apperrors.CodeFinalizationInProgress,
			"settlement is in progress",
			map[string]string{"session_id": record.SessionID, "owner": record.Owner},
		)
	}
	result, err := decodeCharge(record.ResultJSON)
	if err != nil {
		return domain.ChargeResult{}, f.failure(ctx, record.SessionID, "decode stored charge", err)
	}
	metrics.Add(ctx, f.replayed, record.SessionID, attribute.String("settlement.kind", string(storage.SettlementCharge)))
	if err := f.complete(ctx, record.SessionID); err != nil {
		log.Printf("billing: complete session %s: %v", record.SessionID, err)
	}
	return result, nil
}

// RefundNoShow returns the reserved credits of a no-show session to the party
// that waited. Repeated calls return the first refund.
func (f *Finalizer) RefundNoShow(ctx context.Context, sessionID string) (domain.RefundResult, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return domain.RefundResult{}, apperrors.New(apperrors.CodeInvalidArgument, "session id is required")
	}
	v, err, _ := f.group.Do("refund:"+sessionID, func() (any, error) {
		return f.refund(ctx, sessionID)
	})
	if err != nil {
		return domain.RefundResult{}, err
	}
	return v.(domain.RefundResult), nil
}

func (f *Finalizer) refund(ctx context.Context, sessionID string) (result domain.RefundResult, err error) {
	ctx, span := f.tracer.Start(ctx, "billing.RefundNoShow", trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer func() {
		endSpan(span, err)
	}()

	s, err := f.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return domain.RefundResult{}, err
	}
	if s.Status != domain.StatusCancelledNoShow {
		return domain.RefundResult{}, apperrors.WithMetadata(
			apperrors.CodeSessionInvalidTransition,
			"only no-show sessions are refunded",
			map[string]string{"session_id": sessionID, "status": string(s.Status)},
		)
	}
	party, ok := domain.WaitingParty(s)
	if !ok {
		return domain.RefundResult{}, apperrors.New(apperrors.CodeSessionInvariant, "no-show session has no waiting party")
	}

	now := f.clock().UTC()
	record, claimed, err := f.settlements.ClaimSettlement(ctx, storage.Settlement{
		SessionID: sessionID,
		Kind:      storage.SettlementRefund,
		Owner:     f.owner,
		ClaimedAt: now,
	}, f.lease)
	if err != nil {
		return domain.RefundResult{}, f.failure(ctx, sessionID, "claim refund settlement", err)
	}
	if !claimed {
		if record.Status != storage.SettlementSettled {
			return domain.RefundResult{}, apperrors.WithMetadata(
				apperrors.CodeFinalizationInProgress,
				"refund is in progress",
				map[string]string{"session_id": sessionID, "owner": record.Owner},
			)
		}
		metrics.Add(ctx, f.replayed, sessionID, attribute.String("settlement.kind", string(storage.SettlementRefund)))
		return decodeRefund(record.ResultJSON)
	}

	result, err = f.executeRefund(ctx, s, party, now)
	if err != nil {
		if releaseErr := f.settlements.ReleaseSettlement(ctx, sessionID, storage.SettlementRefund, f.owner); releaseErr != nil {
			log.Printf("billing: release refund claim %s: %v", sessionID, releaseErr)
		}
		return domain.RefundResult{}, f.failure(ctx, sessionID, "refund session", err)
	}
	metrics.Add(ctx, f.settled, sessionID, attribute.String("settlement.kind", string(storage.SettlementRefund)))
	f.emit(ctx, telemetry.Event{
		SessionID: sessionID,
		Name:      EventRefunded,
		Actor:     f.owner,
		Version:   s.Version,
		Attributes: map[string]string{
			"party_id":       result.PartyID,
			"amount":         strconv.FormatInt(result.Amount, 10),
			"transaction_id": result.TransactionID,
		},
	})
	return result, nil
}

func (f *Finalizer) executeRefund(ctx context.Context, s domain.Session, party domain.Party, now time.Time) (domain.RefundResult, error) {
	partyID := s.PartyID(party)
	receipt, err := f.ledger.Refund(ctx, RefundRequest{
		SessionID: s.ID,
		PartyID:   partyID,
		Amount:    s.CreditsReserved,
		Reason:    domain.RefundReasonNoShow,
	})
	if err != nil {
		return domain.RefundResult{}, err
	}
	result := domain.RefundResult{
		SessionID:     s.ID,
		PartyID:       partyID,
		Amount:        receipt.Amount,
		Reason:        domain.RefundReasonNoShow,
		TransactionID: receipt.TransactionID,
		SettledAt:     now,
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return domain.RefundResult{}, fmt.Errorf("encode refund result: %w", err)
	}
	if err := f.settlements.CompleteSettlement(ctx, s.ID, storage.SettlementRefund, f.owner, payload, now); err != nil {
		return domain.RefundResult{}, fmt.Errorf("complete refund settlement: %w", err)
	}
	return decodeRefund(payload)
}

// failure classifies err as a finalization error unless it already carries a
// domain code.
func (f *Finalizer) failure(ctx context.Context, sessionID, action string, err error) error {
	metrics.Add(ctx, f.failed, sessionID)
	f.emit(ctx, telemetry.Event{
		SessionID:  sessionID,
		Name:       EventSettleErr,
		Actor:      f.owner,
		Attributes: map[string]string{"action": action, "error": err.Error()},
	})
	if apperrors.CodeOf(err) != apperrors.CodeUnknown {
		return err
	}
	return apperrors.WrapWithMetadata(apperrors.CodeFinalizationFailed, action+" failed",
		map[string]string{"session_id": sessionID}, err)
}

func (f *Finalizer) publish(s domain.Session) {
	if f.publisher != nil {
		f.publisher.Publish(s)
	}
}

func (f *Finalizer) emit(ctx context.Context, evt telemetry.Event) {
	if err := f.events.Emit(ctx, evt); err != nil {
		log.Printf("billing: %v", err)
	}
}

func decodeCharge(payload []byte) (domain.ChargeResult, error) {
	var result domain.ChargeResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return domain.ChargeResult{}, fmt.Errorf("decode charge result: %w", err)
	}
	return result, nil
}

func decodeRefund(payload []byte) (domain.RefundResult, error) {
	var result domain.RefundResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return domain.RefundResult{}, fmt.Errorf("decode refund result: %w", err)
	}
	return result, nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
