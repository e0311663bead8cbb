package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/louisbranch/encounter.space/internal/platform/telemetry"
)

// AppendSessionEvent stores one audit event.
func (s *Store) AppendSessionEvent(ctx context.Context, evt telemetry.Event) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	evt.SessionID = strings.TrimSpace(evt.SessionID)
	evt.Name = strings.TrimSpace(evt.Name)
	if evt.SessionID == "" || evt.Name == "" {
		return fmt.Errorf("session id and event name are required")
	}
	attrs := evt.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	attrsJSON, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("marshal event attributes: %w", err)
	}

	if _, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO session_events (session_id, name, actor, version, attributes_json, created_at)
VALUES (?, ?, ?, ?, ?, ?)
`,
		evt.SessionID,
		evt.Name,
		evt.Actor,
		evt.Version,
		string(attrsJSON),
		toMillis(evt.Timestamp),
	); err != nil {
		return fmt.Errorf("append session event: %w", err)
	}
	return nil
}

// ListSessionEvents returns the audit trail of a session in append order.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string) ([]telemetry.Event, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT session_id, name, actor, version, attributes_json, created_at
FROM session_events
WHERE session_id = ?
ORDER BY seq
`, strings.TrimSpace(sessionID))
	if err != nil {
		return nil, fmt.Errorf("list session events: %w", err)
	}
	defer rows.Close()

	var events []telemetry.Event
	for rows.Next() {
		var (
			evt       telemetry.Event
			attrsJSON string
			createdAt int64
		)
		if err := rows.Scan(&evt.SessionID, &evt.Name, &evt.Actor, &evt.Version, &attrsJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan session event: %w", err)
		}
		if err := json.Unmarshal([]byte(attrsJSON), &evt.Attributes); err != nil {
			return nil, fmt.Errorf("decode event attributes: %w", err)
		}
		evt.Timestamp = fromMillis(createdAt)
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session events: %w", err)
	}
	return events, nil
}
