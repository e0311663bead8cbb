package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/encounter.space/internal/services/session/storage"
)

// RecordLedgerEntry inserts entry once per (session, kind) and returns the
// stored entry.
func (s *Store) RecordLedgerEntry(ctx context.Context, entry storage.LedgerEntry) (storage.LedgerEntry, error) {
	if err := s.ready(ctx); err != nil {
		return storage.LedgerEntry{}, err
	}
	entry.ID = strings.TrimSpace(entry.ID)
	entry.SessionID = strings.TrimSpace(entry.SessionID)
	if entry.ID == "" || entry.SessionID == "" || entry.Kind == "" {
		return storage.LedgerEntry{}, fmt.Errorf("entry id, session id and kind are required")
	}
	if entry.Amount < 0 || entry.Payout < 0 {
		return storage.LedgerEntry{}, fmt.Errorf("ledger amounts must not be negative")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	if _, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO ledger_entries (id, session_id, kind, party_id, amount, payout, duration_seconds, reason, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (session_id, kind) DO NOTHING
`,
		entry.ID,
		entry.SessionID,
		string(entry.Kind),
		entry.PartyID,
		entry.Amount,
		entry.Payout,
		entry.DurationSeconds,
		entry.Reason,
		toMillis(entry.CreatedAt),
	); err != nil {
		return storage.LedgerEntry{}, fmt.Errorf("record ledger entry: %w", err)
	}

	entries, err := s.listLedgerEntries(ctx, `WHERE session_id = ? AND kind = ?`, entry.SessionID, string(entry.Kind))
	if err != nil {
		return storage.LedgerEntry{}, err
	}
	if len(entries) != 1 {
		return storage.LedgerEntry{}, fmt.Errorf("ledger entry for %s/%s not found after insert", entry.SessionID, entry.Kind)
	}
	return entries[0], nil
}

// ListLedgerEntries returns every entry of a session, oldest first.
func (s *Store) ListLedgerEntries(ctx context.Context, sessionID string) ([]storage.LedgerEntry, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	return s.listLedgerEntries(ctx, `WHERE session_id = ?`, strings.TrimSpace(sessionID))
}

func (s *Store) listLedgerEntries(ctx context.Context, where string, args ...any) ([]storage.LedgerEntry, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, session_id, kind, party_id, amount, payout, duration_seconds, reason, created_at
FROM ledger_entries
`+where+`
ORDER BY created_at, id
`, args...)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []storage.LedgerEntry
	for rows.Next() {
		var (
			entry     storage.LedgerEntry
			kind      string
			createdAt int64
		)
		if err := rows.Scan(
			&entry.ID,
			&entry.SessionID,
			&kind,
			&entry.PartyID,
			&entry.Amount,
			&entry.Payout,
			&entry.DurationSeconds,
			&entry.Reason,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		entry.Kind = storage.SettlementKind(kind)
		entry.CreatedAt = fromMillis(createdAt)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger entries: %w", err)
	}
	return entries, nil
}
