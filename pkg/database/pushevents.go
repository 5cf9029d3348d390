package database

import (
	"context"
	"database/sql"
	"fmt"
)

// PushEvent is one persisted push payload, used for WebSocket catchup after
// reconnects. IDs are monotonically increasing per channel.
type PushEvent struct {
	ID      int64  `json:"id"`
	Channel string `json:"channel"`
	Payload []byte `json:"payload"`
}

// PushEventStore persists push payloads for catchup delivery.
type PushEventStore struct {
	db *sql.DB
}

// Insert stores a push payload inside the given transaction and returns its
// assigned ID, so persistence and NOTIFY commit atomically.
func (s *PushEventStore) Insert(ctx context.Context, tx *sql.Tx, channel string, payload []byte) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO push_events (channel, payload)
		VALUES ($1, $2)
		RETURNING id`,
		channel, payload,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert push event: %w", err)
	}
	return id, nil
}

// Catchup returns up to limit events on a channel with ID greater than
// afterID, oldest first.
func (s *PushEventStore) Catchup(ctx context.Context, channel string, afterID int64, limit int) ([]PushEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel, payload
		FROM push_events
		WHERE channel = $1 AND id > $2
		ORDER BY id ASC
		LIMIT $3`,
		channel, afterID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query push events: %w", err)
	}
	defer rows.Close()

	var events []PushEvent
	for rows.Next() {
		var ev PushEvent
		if err := rows.Scan(&ev.ID, &ev.Channel, &ev.Payload); err != nil {
			return nil, fmt.Errorf("failed to scan push event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// DeleteBefore trims catchup history below the given ID.
func (s *PushEventStore) DeleteBefore(ctx context.Context, beforeID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM push_events WHERE id < $1`, beforeID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete push events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
