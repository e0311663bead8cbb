package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/encounter.space/internal/services/session/storage"
)

// ClaimSettlement reserves (session, kind) for claim.Owner.
//
// The insert wins when no record exists. Otherwise a pending record whose
// claim is older than lease is taken over by a conditional update. In every
// other case the existing record is returned with claimed=false.
func (s *Store) ClaimSettlement(ctx context.Context, claim storage.Settlement, lease time.Duration) (storage.Settlement, bool, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Settlement{}, false, err
	}
	claim.SessionID = strings.TrimSpace(claim.SessionID)
	claim.Owner = strings.TrimSpace(claim.Owner)
	if claim.SessionID == "" || claim.Kind == "" || claim.Owner == "" {
		return storage.Settlement{}, false, fmt.Errorf("session id, kind and owner are required")
	}
	if claim.ClaimedAt.IsZero() {
		claim.ClaimedAt = time.Now().UTC()
	}
	claim.Status = storage.SettlementPending

	result, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO settlements (session_id, kind, status, owner, claimed_end, claimed_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (session_id, kind) DO NOTHING
`,
		claim.SessionID,
		string(claim.Kind),
		string(storage.SettlementPending),
		claim.Owner,
		nullMillis(claim.ClaimedEnd),
		toMillis(claim.ClaimedAt),
	)
	if err != nil {
		return storage.Settlement{}, false, fmt.Errorf("claim settlement: %w", err)
	}
	if inserted, err := result.RowsAffected(); err == nil && inserted == 1 {
		return claim, true, nil
	}

	if lease > 0 {
		staleBefore := claim.ClaimedAt.Add(-lease)
		result, err = s.sqlDB.ExecContext(ctx, `
UPDATE settlements SET owner = ?, claimed_at = ?
WHERE session_id = ? AND kind = ? AND status = ? AND claimed_at < ?
`,
			claim.Owner,
			toMillis(claim.ClaimedAt),
			claim.SessionID,
			string(claim.Kind),
			string(storage.SettlementPending),
			toMillis(staleBefore),
		)
		if err != nil {
			return storage.Settlement{}, false, fmt.Errorf("take over settlement: %w", err)
		}
		if taken, err := result.RowsAffected(); err == nil && taken == 1 {
			existing, err := s.GetSettlement(ctx, claim.SessionID, claim.Kind)
			if err != nil {
				return storage.Settlement{}, false, err
			}
			return existing, true, nil
		}
	}

	existing, err := s.GetSettlement(ctx, claim.SessionID, claim.Kind)
	if err != nil {
		return storage.Settlement{}, false, err
	}
	return existing, false, nil
}

// CompleteSettlement stores the result of owner's claim.
func (s *Store) CompleteSettlement(ctx context.Context, sessionID string, kind storage.SettlementKind, owner string, resultJSON []byte, settledAt time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE settlements SET status = ?, result_json = ?, settled_at = ?
WHERE session_id = ? AND kind = ? AND owner = ? AND status = ?
`,
		string(storage.SettlementSettled),
		resultJSON,
		toMillis(settledAt),
		sessionID,
		string(kind),
		owner,
		string(storage.SettlementPending),
	)
	if err != nil {
		return fmt.Errorf("complete settlement: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete settlement rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrConflict
	}
	return nil
}

// ReleaseSettlement drops owner's pending claim so another caller may retry.
func (s *Store) ReleaseSettlement(ctx context.Context, sessionID string, kind storage.SettlementKind, owner string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(ctx, `
DELETE FROM settlements WHERE session_id = ? AND kind = ? AND owner = ? AND status = ?
`, sessionID, string(kind), owner, string(storage.SettlementPending)); err != nil {
		return fmt.Errorf("release settlement: %w", err)
	}
	return nil
}

// GetSettlement loads one settlement record.
func (s *Store) GetSettlement(ctx context.Context, sessionID string, kind storage.SettlementKind) (storage.Settlement, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Settlement{}, err
	}
	var (
		st                     storage.Settlement
		kindValue, statusValue string
		claimedEnd, settledAt  sql.NullInt64
		claimedAt              int64
	)
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT session_id, kind, status, owner, claimed_end, result_json, claimed_at, settled_at
FROM settlements
WHERE session_id = ? AND kind = ?
`, sessionID, string(kind)).Scan(
		&st.SessionID,
		&kindValue,
		&statusValue,
		&st.Owner,
		&claimedEnd,
		&st.ResultJSON,
		&claimedAt,
		&settledAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Settlement{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Settlement{}, fmt.Errorf("get settlement: %w", err)
	}
	st.Kind = storage.SettlementKind(kindValue)
	st.Status = storage.SettlementStatus(statusValue)
	st.ClaimedEnd = timePtr(claimedEnd)
	st.ClaimedAt = fromMillis(claimedAt)
	st.SettledAt = timePtr(settledAt)
	return st, nil
}
