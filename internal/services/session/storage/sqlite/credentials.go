package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/louisbranch/encounter.space/internal/services/session/domain"
	"github.com/louisbranch/encounter.space/internal/services/session/storage"
)

// PutCredential stores c as the current credential of its seat.
func (s *Store) PutCredential(ctx context.Context, c storage.Credential) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	c.SessionID = strings.TrimSpace(c.SessionID)
	c.TokenID = strings.TrimSpace(c.TokenID)
	if c.SessionID == "" {
		return fmt.Errorf("session id is required")
	}
	if !c.Party.Valid() {
		return fmt.Errorf("party is invalid")
	}
	if c.TokenID == "" || c.Token == "" {
		return fmt.Errorf("token is required")
	}
	if c.ExpiresAt.IsZero() || c.IssuedAt.IsZero() {
		return fmt.Errorf("issue and expiry times are required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO session_credentials (session_id, party, token_id, token, room_url, issued_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (session_id, party) DO UPDATE SET
	token_id = excluded.token_id,
	token = excluded.token,
	room_url = excluded.room_url,
	issued_at = excluded.issued_at,
	expires_at = excluded.expires_at
`,
		c.SessionID,
		string(c.Party),
		c.TokenID,
		c.Token,
		c.RoomURL,
		toMillis(c.IssuedAt),
		toMillis(c.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("put credential: %w", err)
	}
	return nil
}

// GetCredential returns the current credential of a seat.
func (s *Store) GetCredential(ctx context.Context, sessionID string, party domain.Party) (storage.Credential, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Credential{}, err
	}
	var (
		c                   storage.Credential
		partyValue          string
		issuedAt, expiresAt int64
	)
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT session_id, party, token_id, token, room_url, issued_at, expires_at
FROM session_credentials
WHERE session_id = ? AND party = ?
`, strings.TrimSpace(sessionID), string(party)).Scan(
		&c.SessionID,
		&partyValue,
		&c.TokenID,
		&c.Token,
		&c.RoomURL,
		&issuedAt,
		&expiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Credential{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Credential{}, fmt.Errorf("get credential: %w", err)
	}
	c.Party = domain.Party(partyValue)
	c.IssuedAt = fromMillis(issuedAt)
	c.ExpiresAt = fromMillis(expiresAt)
	return c, nil
}
