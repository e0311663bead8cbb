package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/encounter.space/internal/services/session/domain"
	"github.com/louisbranch/encounter.space/internal/services/session/storage"
)

const sessionColumns = `
	id,
	party_a_id,
	party_b_id,
	scheduled_duration_seconds,
	status,
	started_at,
	grace_expires_at,
	ended_at,
	end_reason,
	failure_reason,
	party_a_joined_at,
	party_b_joined_at,
	credits_reserved,
	payout_amount,
	recording_consent_a,
	recording_consent_b,
	version,
	created_at,
	updated_at`

// CreateSession inserts a new scheduled row.
func (s *Store) CreateSession(ctx context.Context, sess domain.Session) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(sess.ID) == "" {
		return fmt.Errorf("session id is required")
	}
	if err := sess.Validate(); err != nil {
		return err
	}
	if sess.Version <= 0 {
		sess.Version = 1
	}

	_, err := s.sqlDB.ExecContext(ctx, `INSERT INTO sessions (`+sessionColumns+`
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID,
		sess.PartyAID,
		sess.PartyBID,
		sess.ScheduledDurationSeconds,
		string(sess.Status),
		nullMillis(sess.StartedAt),
		nullMillis(sess.GraceExpiresAt),
		nullMillis(sess.EndedAt),
		string(sess.EndReason),
		sess.FailureReason,
		nullMillis(sess.PartyAJoinedAt),
		nullMillis(sess.PartyBJoinedAt),
		sess.CreditsReserved,
		sess.PayoutAmount,
		string(sess.ConsentOf(domain.PartyA)),
		string(sess.ConsentOf(domain.PartyB)),
		sess.Version,
		toMillis(sess.CreatedAt),
		toMillis(sess.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return storage.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession loads one session row.
func (s *Store) GetSession(ctx context.Context, id string) (domain.Session, error) {
	if err := s.ready(ctx); err != nil {
		return domain.Session{}, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Session{}, fmt.Errorf("session id is required")
	}
	row := s.sqlDB.QueryRowContext(ctx, `SELECT`+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Session{}, storage.ErrNotFound
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// CompareAndUpdate applies patch to the row read at version while its status
// still equals expected. The UPDATE is conditioned on id, status and version,
// so a concurrent writer makes it affect zero rows.
func (s *Store) CompareAndUpdate(ctx context.Context, id string, expected domain.Status, version int64, patch domain.Patch, now time.Time) (domain.Session, error) {
	current, err := s.GetSession(ctx, id)
	if err != nil {
		return domain.Session{}, err
	}
	if expected != "" && current.Status != expected {
		return domain.Session{}, storage.ErrConflict
	}
	if version > 0 && current.Version != version {
		return domain.Session{}, storage.ErrConflict
	}

	next, err := domain.Apply(current, patch, now)
	if err != nil {
		return domain.Session{}, err
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE sessions SET
	status = ?,
	started_at = ?,
	grace_expires_at = ?,
	ended_at = ?,
	end_reason = ?,
	failure_reason = ?,
	party_a_joined_at = ?,
	party_b_joined_at = ?,
	recording_consent_a = ?,
	recording_consent_b = ?,
	version = ?,
	updated_at = ?
WHERE id = ? AND status = ? AND version = ?
`,
		string(next.Status),
		nullMillis(next.StartedAt),
		nullMillis(next.GraceExpiresAt),
		nullMillis(next.EndedAt),
		string(next.EndReason),
		next.FailureReason,
		nullMillis(next.PartyAJoinedAt),
		nullMillis(next.PartyBJoinedAt),
		string(next.ConsentOf(domain.PartyA)),
		string(next.ConsentOf(domain.PartyB)),
		next.Version,
		toMillis(next.UpdatedAt),
		current.ID,
		string(current.Status),
		current.Version,
	)
	if err != nil {
		return domain.Session{}, fmt.Errorf("update session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return domain.Session{}, fmt.Errorf("update session rows affected: %w", err)
	}
	if affected == 0 {
		return domain.Session{}, storage.ErrConflict
	}
	return next, nil
}

// ListGraceExpired lists waiting rows past their grace deadline.
func (s *Store) ListGraceExpired(ctx context.Context, now time.Time, limit int) ([]domain.Session, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive")
	}
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT`+sessionColumns+` FROM sessions
WHERE status = ? AND started_at IS NULL AND grace_expires_at IS NOT NULL AND grace_expires_at <= ?
ORDER BY grace_expires_at, id
LIMIT ?`, string(domain.StatusWaiting), toMillis(now), limit)
	if err != nil {
		return nil, fmt.Errorf("list grace expired sessions: %w", err)
	}
	defer rows.Close()

	var out []domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (domain.Session, error) {
	var (
		sess                        domain.Session
		status, endReason           string
		consentA, consentB          string
		startedAt, graceAt, endedAt sql.NullInt64
		joinedA, joinedB            sql.NullInt64
		createdAt, updatedAt        int64
	)
	if err := row.Scan(
		&sess.ID,
		&sess.PartyAID,
		&sess.PartyBID,
		&sess.ScheduledDurationSeconds,
		&status,
		&startedAt,
		&graceAt,
		&endedAt,
		&endReason,
		&sess.FailureReason,
		&joinedA,
		&joinedB,
		&sess.CreditsReserved,
		&sess.PayoutAmount,
		&consentA,
		&consentB,
		&sess.Version,
		&createdAt,
		&updatedAt,
	); err != nil {
		return domain.Session{}, err
	}

	parsed, err := domain.ParseStatus(status)
	if err != nil {
		return domain.Session{}, err
	}
	sess.Status = parsed
	if sess.RecordingConsentA, err = domain.ParseConsent(consentA); err != nil {
		return domain.Session{}, err
	}
	if sess.RecordingConsentB, err = domain.ParseConsent(consentB); err != nil {
		return domain.Session{}, err
	}
	sess.EndReason = domain.EndReason(endReason)
	sess.StartedAt = timePtr(startedAt)
	sess.GraceExpiresAt = timePtr(graceAt)
	sess.EndedAt = timePtr(endedAt)
	sess.PartyAJoinedAt = timePtr(joinedA)
	sess.PartyBJoinedAt = timePtr(joinedB)
	sess.CreatedAt = fromMillis(createdAt)
	sess.UpdatedAt = fromMillis(updatedAt)
	return sess, nil
}
