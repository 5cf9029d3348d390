package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/horizon-qa/atlas/pkg/models"
)

// TaskStore persists task history rows.
type TaskStore struct {
	db *sql.DB
}

// Insert writes a new task record.
func (s *TaskStore) Insert(ctx context.Context, task *models.Task) error {
	toolCalls, triggerEvent, err := marshalTaskJSON(task)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO task_history
			(task_id, instance_id, parent_task_id, state, started_at, ended_at,
			 input_tokens, output_tokens, total_tokens, tool_calls, trigger_event,
			 user_message, final_text, error)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		task.TaskID, task.InstanceID, task.ParentTaskID, string(task.State),
		task.StartedAt, task.EndedAt,
		task.Tokens.InputTokens, task.Tokens.OutputTokens, task.Tokens.TotalTokens,
		toolCalls, triggerEvent, task.UserMessage, task.FinalText, task.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

// Update rewrites the mutable fields of an existing task record.
func (s *TaskStore) Update(ctx context.Context, task *models.Task) error {
	toolCalls, _, err := marshalTaskJSON(task)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE task_history SET
			state = $2, started_at = $3, ended_at = $4,
			input_tokens = $5, output_tokens = $6, total_tokens = $7,
			tool_calls = $8, final_text = $9, error = $10
		WHERE task_id = $1`,
		task.TaskID, string(task.State), task.StartedAt, task.EndedAt,
		task.Tokens.InputTokens, task.Tokens.OutputTokens, task.Tokens.TotalTokens,
		toolCalls, task.FinalText, task.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Get returns one task, or nil when absent.
func (s *TaskStore) Get(ctx context.Context, taskID string) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT task_id, instance_id, parent_task_id, state, started_at, ended_at,
		       input_tokens, output_tokens, total_tokens, tool_calls, trigger_event,
		       user_message, final_text, error
		FROM task_history WHERE task_id = $1`,
		taskID,
	)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return task, err
}

// ListByInstance returns the task history of one instance in start order.
func (s *TaskStore) ListByInstance(ctx context.Context, instanceID string, limit int) ([]*models.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, instance_id, parent_task_id, state, started_at, ended_at,
		       input_tokens, output_tokens, total_tokens, tool_calls, trigger_event,
		       user_message, final_text, error
		FROM task_history
		WHERE instance_id = $1
		ORDER BY started_at DESC NULLS LAST
		LIMIT $2`,
		instanceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func marshalTaskJSON(task *models.Task) (toolCalls, triggerEvent []byte, err error) {
	calls := task.ToolCalls
	if calls == nil {
		calls = []models.ToolCallRecord{}
	}
	toolCalls, err = json.Marshal(calls)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal tool calls: %w", err)
	}
	if task.TriggerEvent != nil {
		triggerEvent, err = json.Marshal(task.TriggerEvent)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal trigger event: %w", err)
		}
	}
	return toolCalls, triggerEvent, nil
}

func scanTask(row rowScanner) (*models.Task, error) {
	var (
		task         models.Task
		parentTaskID sql.NullString
		state        string
		startedAt    sql.NullTime
		endedAt      sql.NullTime
		toolCalls    []byte
		triggerEvent []byte
		userMessage  sql.NullString
		finalText    sql.NullString
		taskErr      sql.NullString
	)
	err := row.Scan(&task.TaskID, &task.InstanceID, &parentTaskID, &state, &startedAt, &endedAt,
		&task.Tokens.InputTokens, &task.Tokens.OutputTokens, &task.Tokens.TotalTokens,
		&toolCalls, &triggerEvent, &userMessage, &finalText, &taskErr)
	if err != nil {
		return nil, err
	}
	task.ParentTaskID = parentTaskID.String
	task.State = models.TaskState(state)
	if startedAt.Valid {
		t := startedAt.Time
		task.StartedAt = &t
	}
	if endedAt.Valid {
		t := endedAt.Time
		task.EndedAt = &t
	}
	if err := json.Unmarshal(toolCalls, &task.ToolCalls); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tool calls: %w", err)
	}
	if len(triggerEvent) > 0 {
		var ev models.Event
		if err := json.Unmarshal(triggerEvent, &ev); err != nil {
			return nil, fmt.Errorf("failed to unmarshal trigger event: %w", err)
		}
		task.TriggerEvent = &ev
	}
	task.UserMessage = userMessage.String
	task.FinalText = finalText.String
	task.Error = taskErr.String
	return &task, nil
}
