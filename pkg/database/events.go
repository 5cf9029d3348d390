package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/horizon-qa/atlas/pkg/models"
)

// EventStore persists the durable event log.
type EventStore struct {
	db *sql.DB
}

// Insert appends an event to the log inside the given transaction so that
// persistence and notification commit atomically.
func (s *EventStore) Insert(ctx context.Context, tx *sql.Tx, ev *models.Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO event_log (id, type, payload, priority, ts)
		VALUES ($1, $2, $3, $4, $5)`,
		ev.ID, ev.Type, payload, string(ev.Priority), ev.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// MarkProcessed records which consumer handled the event and when.
func (s *EventStore) MarkProcessed(ctx context.Context, eventID, processedBy string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE event_log
		SET processed_by = $2, processed_at = now()
		WHERE id = $1`,
		eventID, processedBy,
	)
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	return nil
}

// Get returns a single event by ID.
func (s *EventStore) Get(ctx context.Context, eventID string) (*models.Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, type, payload, priority, ts, processed_by, processed_at
		FROM event_log WHERE id = $1`,
		eventID,
	)
	ev, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return ev, err
}

// ReplayFilter narrows a replay query. Zero values mean "no constraint".
type ReplayFilter struct {
	Type     string
	Priority models.Priority
	Since    time.Time
	Until    time.Time
	Limit    int
}

// Replay returns logged events matching the filter in timestamp order.
func (s *EventStore) Replay(ctx context.Context, f ReplayFilter) ([]*models.Event, error) {
	query := `
		SELECT id, type, payload, priority, ts, processed_by, processed_at
		FROM event_log
		WHERE ($1 = '' OR type = $1)
		  AND ($2 = '' OR priority = $2)
		  AND ($3::timestamptz IS NULL OR ts >= $3)
		  AND ($4::timestamptz IS NULL OR ts <= $4)
		ORDER BY ts ASC
		LIMIT $5`

	limit := f.Limit
	if limit <= 0 {
		limit = 500
	}
	var since, until any
	if !f.Since.IsZero() {
		since = f.Since
	}
	if !f.Until.IsZero() {
		until = f.Until
	}

	rows, err := s.db.QueryContext(ctx, query, f.Type, string(f.Priority), since, until, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// DeleteOlderThan removes log entries older than the cutoff. Used by the
// retention sweeper.
func (s *EventStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM event_log WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*models.Event, error) {
	var (
		ev          models.Event
		payload     []byte
		priority    string
		processedBy sql.NullString
		processedAt sql.NullTime
	)
	err := row.Scan(&ev.ID, &ev.Type, &payload, &priority, &ev.Timestamp, &processedBy, &processedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &ev.Payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event payload: %w", err)
	}
	ev.Priority = models.Priority(priority)
	if processedBy.Valid {
		ev.ProcessedBy = processedBy.String
	}
	if processedAt.Valid {
		t := processedAt.Time
		ev.ProcessedAt = &t
	}
	return &ev, nil
}
