package models

import "time"

// Classification is the analysis verdict for one execution result.
type Classification string

const (
	// ClassificationValidPass: test passed, expected outcome.
	ClassificationValidPass Classification = "VALID_PASS"
	// ClassificationValidFail: test failed on a legitimate product defect.
	ClassificationValidFail Classification = "VALID_FAIL"
	// ClassificationBug: artifact evidence contradicts the declared outcome.
	ClassificationBug Classification = "BUG"
	// ClassificationScriptIssue: selector/timing/test-code fault.
	ClassificationScriptIssue Classification = "SCRIPT_ISSUE"
	// ClassificationSystemIssue: blackscreen, no-signal, device offline.
	ClassificationSystemIssue Classification = "SYSTEM_ISSUE"
)

// IsValid checks the classification value.
func (c Classification) IsValid() bool {
	switch c {
	case ClassificationValidPass, ClassificationValidFail, ClassificationBug,
		ClassificationScriptIssue, ClassificationSystemIssue:
		return true
	default:
		return false
	}
}

// Discard reports whether results with this classification should be
// filtered out of aggregate reporting. Infrastructure and test-code faults
// are discarded; genuine product signals are kept.
func (c Classification) Discard() bool {
	return c == ClassificationScriptIssue || c == ClassificationSystemIssue
}

// AnalysisPayload is the completion signal carried by a queued analysis task.
type AnalysisPayload struct {
	ScriptResultID string `json:"script_result_id"`
	ScriptName     string `json:"script_name"`
	ReportURL      string `json:"report_url,omitempty"`
	LogsURL        string `json:"logs_url,omitempty"`
	Success        bool   `json:"success"`
}

// AnalysisTaskStatus is the queue-row state of an analysis task.
type AnalysisTaskStatus string

const (
	AnalysisTaskStatusPending AnalysisTaskStatus = "pending"
	AnalysisTaskStatusClaimed AnalysisTaskStatus = "claimed"
	AnalysisTaskStatusDone    AnalysisTaskStatus = "done"
	AnalysisTaskStatusFailed  AnalysisTaskStatus = "failed"
)

// AnalysisTask is one durable entry of the completion queue.
type AnalysisTask struct {
	ID         int64              `json:"id"`
	QueueName  string             `json:"queue_name"`
	Payload    AnalysisPayload    `json:"payload"`
	Status     AnalysisTaskStatus `json:"status"`
	Attempts   int                `json:"attempts"`
	EnqueuedAt time.Time          `json:"enqueued_at"`
	ClaimedAt  *time.Time         `json:"claimed_at,omitempty"`
}

// AnalysisResult is the persisted classification for one execution,
// keyed by the original script_result_id.
type AnalysisResult struct {
	ScriptResultID string         `json:"script_result_id"`
	ScriptName     string         `json:"script_name"`
	Classification Classification `json:"classification"`
	Discard        bool           `json:"discard"`
	Reasoning      string         `json:"reasoning,omitempty"`
	AnalyzedAt     time.Time      `json:"analyzed_at"`
}
