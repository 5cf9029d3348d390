package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/horizon-qa/atlas/pkg/models"
)

// AnalysisStore persists the completion queue and classification results.
// Claims use FOR UPDATE SKIP LOCKED so concurrent workers never double-claim.
type AnalysisStore struct {
	db *sql.DB
}

// Enqueue appends a completion signal to the queue.
func (s *AnalysisStore) Enqueue(ctx context.Context, queueName string, payload models.AnalysisPayload) (int64, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal analysis payload: %w", err)
	}
	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO analysis_queue (queue_name, payload, status, enqueued_at)
		VALUES ($1, $2, 'pending', now())
		RETURNING id`,
		queueName, raw,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue analysis task: %w", err)
	}
	return id, nil
}

// ClaimNext atomically claims the oldest pending task, skipping rows locked by
// other workers. Returns nil when the queue is empty.
func (s *AnalysisStore) ClaimNext(ctx context.Context, queueName string, maxAttempts int) (*models.AnalysisTask, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT id, queue_name, payload, status, attempts, enqueued_at, claimed_at
		FROM analysis_queue
		WHERE queue_name = $1 AND status = 'pending' AND attempts < $2
		ORDER BY enqueued_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`,
		queueName, maxAttempts,
	)
	task, err := scanAnalysisTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	now := time.Now()
	_, err = tx.ExecContext(ctx, `
		UPDATE analysis_queue
		SET status = 'claimed', attempts = attempts + 1, claimed_at = $2
		WHERE id = $1`,
		task.ID, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim analysis task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	task.Status = models.AnalysisTaskStatusClaimed
	task.Attempts++
	task.ClaimedAt = &now
	return task, nil
}

// MarkDone finishes a claimed task.
func (s *AnalysisStore) MarkDone(ctx context.Context, taskID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE analysis_queue SET status = 'done' WHERE id = $1`, taskID)
	if err != nil {
		return fmt.Errorf("failed to mark task done: %w", err)
	}
	return nil
}

// MarkFailed returns a claimed task to the queue for another attempt, or
// parks it as failed once attempts are exhausted.
func (s *AnalysisStore) MarkFailed(ctx context.Context, taskID int64, maxAttempts int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE analysis_queue
		SET status = CASE WHEN attempts >= $2 THEN 'failed' ELSE 'pending' END,
		    claimed_at = NULL
		WHERE id = $1`,
		taskID, maxAttempts,
	)
	if err != nil {
		return fmt.Errorf("failed to mark task failed: %w", err)
	}
	return nil
}

// RequeueOrphans returns tasks claimed longer ago than the threshold to
// pending. Covers workers that died mid-analysis.
func (s *AnalysisStore) RequeueOrphans(ctx context.Context, queueName string, threshold time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE analysis_queue
		SET status = 'pending', claimed_at = NULL
		WHERE queue_name = $1 AND status = 'claimed' AND claimed_at < $2`,
		queueName, time.Now().Add(-threshold),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue orphans: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PendingCount returns the number of pending tasks, for health reporting.
func (s *AnalysisStore) PendingCount(ctx context.Context, queueName string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM analysis_queue WHERE queue_name = $1 AND status = 'pending'`,
		queueName,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending tasks: %w", err)
	}
	return n, nil
}

// SaveResult upserts the classification for one execution. Re-analysis of the
// same script_result_id overwrites the previous verdict.
func (s *AnalysisStore) SaveResult(ctx context.Context, result *models.AnalysisResult) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO analysis_results (script_result_id, script_name, classification, discard, reasoning, analyzed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (script_result_id) DO UPDATE SET
			script_name    = EXCLUDED.script_name,
			classification = EXCLUDED.classification,
			discard        = EXCLUDED.discard,
			reasoning      = EXCLUDED.reasoning,
			analyzed_at    = EXCLUDED.analyzed_at`,
		result.ScriptResultID, result.ScriptName, string(result.Classification),
		result.Discard, result.Reasoning, result.AnalyzedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save analysis result: %w", err)
	}
	return nil
}

// GetResult returns the stored classification, or nil when absent.
func (s *AnalysisStore) GetResult(ctx context.Context, scriptResultID string) (*models.AnalysisResult, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT script_result_id, script_name, classification, discard, reasoning, analyzed_at
		FROM analysis_results WHERE script_result_id = $1`,
		scriptResultID,
	)
	var (
		result         models.AnalysisResult
		classification string
		reasoning      sql.NullString
	)
	err := row.Scan(&result.ScriptResultID, &result.ScriptName, &classification,
		&result.Discard, &reasoning, &result.AnalyzedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query analysis result: %w", err)
	}
	result.Classification = models.Classification(classification)
	result.Reasoning = reasoning.String
	return &result, nil
}

func scanAnalysisTask(row rowScanner) (*models.AnalysisTask, error) {
	var (
		task      models.AnalysisTask
		payload   []byte
		status    string
		claimedAt sql.NullTime
	)
	err := row.Scan(&task.ID, &task.QueueName, &payload, &status, &task.Attempts, &task.EnqueuedAt, &claimedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &task.Payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal analysis payload: %w", err)
	}
	task.Status = models.AnalysisTaskStatus(status)
	if claimedAt.Valid {
		t := claimedAt.Time
		task.ClaimedAt = &t
	}
	return &task, nil
}
