package analysis

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/horizon-qa/atlas/pkg/config"
	"github.com/horizon-qa/atlas/pkg/database"
	"github.com/horizon-qa/atlas/pkg/llm"
	"github.com/horizon-qa/atlas/pkg/models"
	"github.com/horizon-qa/atlas/test/util"
)

func workerConfig() config.AnalysisConfig {
	return config.AnalysisConfig{
		QueueName:       "analysis",
		PollInterval:    50 * time.Millisecond,
		MaxConcurrent:   2,
		MaxAttempts:     3,
		OrphanThreshold: time.Minute,
	}
}

func newTestWorker(t *testing.T, stub *llm.StubClient) (*Worker, *database.Client) {
	t.Helper()
	client, _ := util.SetupTestDB(t)
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	fetcher := NewArtifactFetcher(5*time.Second, nil, 64*1024)
	w := NewWorker(workerConfig(), client.Analysis, fetcher, NewClassifier(stub), nil, nil, logger)
	return w, client
}

func TestProcessSavesVerdictAndFinishesTask(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/report" {
			_, _ = w.Write([]byte("step 4 failed: player showed error overlay"))
			return
		}
		_, _ = w.Write([]byte("ERROR playback stalled at 00:12"))
	}))
	defer srv.Close()

	stub := llm.NewStubClient(&llm.Response{
		Text:       "Classification: VALID_FAIL\nThe player genuinely stalled.",
		StopReason: llm.StopReasonEndTurn,
	})
	w, client := newTestWorker(t, stub)
	ctx := context.Background()

	_, err := client.Analysis.Enqueue(ctx, "analysis", models.AnalysisPayload{
		ScriptResultID: "sr-1",
		ScriptName:     "playback_stability",
		ReportURL:      srv.URL + "/report",
		LogsURL:        srv.URL + "/logs",
		Success:        false,
	})
	require.NoError(t, err)

	task, err := client.Analysis.ClaimNext(ctx, "analysis", 3)
	require.NoError(t, err)
	require.NotNil(t, task)

	w.process(ctx, task)

	result, err := client.Analysis.GetResult(ctx, "sr-1")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, models.ClassificationValidFail, result.Classification)
	assert.False(t, result.Discard)
	assert.False(t, result.AnalyzedAt.IsZero())

	// Both artifacts were folded into the classification prompt.
	calls := stub.Calls()
	require.Len(t, calls, 1)
	prompt := calls[0].Messages[len(calls[0].Messages)-1].Content
	assert.Contains(t, prompt, "error overlay")
	assert.Contains(t, prompt, "playback stalled")

	// The queue row is done: nothing left to claim.
	next, err := client.Analysis.ClaimNext(ctx, "analysis", 3)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestProcessUnreachableArtifactsStillClassifies(t *testing.T) {
	stub := llm.NewStubClient(&llm.Response{
		Text:       "Classification: SYSTEM_ISSUE\nNo artifacts; outcome signals a dead device.",
		StopReason: llm.StopReasonEndTurn,
	})
	w, client := newTestWorker(t, stub)
	ctx := context.Background()

	_, err := client.Analysis.Enqueue(ctx, "analysis", models.AnalysisPayload{
		ScriptResultID: "sr-1",
		ScriptName:     "boot_check",
		ReportURL:      "http://127.0.0.1:1/unreachable",
	})
	require.NoError(t, err)
	task, err := client.Analysis.ClaimNext(ctx, "analysis", 3)
	require.NoError(t, err)
	require.NotNil(t, task)

	w.process(ctx, task)

	result, err := client.Analysis.GetResult(ctx, "sr-1")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, models.ClassificationSystemIssue, result.Classification)
	assert.True(t, result.Discard)
}

func TestProcessClassifyFailureReturnsTaskToQueue(t *testing.T) {
	// A stub with no scripted responses makes every Classify call fail.
	stub := llm.NewStubClient()
	w, client := newTestWorker(t, stub)
	ctx := context.Background()

	_, err := client.Analysis.Enqueue(ctx, "analysis", models.AnalysisPayload{ScriptResultID: "sr-1"})
	require.NoError(t, err)
	task, err := client.Analysis.ClaimNext(ctx, "analysis", 3)
	require.NoError(t, err)
	require.NotNil(t, task)

	w.process(ctx, task)

	// No verdict was written and the task is pending again.
	result, err := client.Analysis.GetResult(ctx, "sr-1")
	require.NoError(t, err)
	assert.Nil(t, result)

	reclaimed, err := client.Analysis.ClaimNext(ctx, "analysis", 3)
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, task.ID, reclaimed.ID)
	assert.Equal(t, 2, reclaimed.Attempts)
}

func TestRunDrainsQueue(t *testing.T) {
	stub := llm.NewStubClient(
		&llm.Response{Text: "Classification: VALID_PASS", StopReason: llm.StopReasonEndTurn},
		&llm.Response{Text: "Classification: SCRIPT_ISSUE\nStale selector.", StopReason: llm.StopReasonEndTurn},
	)
	w, client := newTestWorker(t, stub)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, id := range []string{"sr-1", "sr-2"} {
		_, err := client.Analysis.Enqueue(ctx, "analysis", models.AnalysisPayload{
			ScriptResultID: id, ScriptName: "smoke", Success: id == "sr-1",
		})
		require.NoError(t, err)
	}

	go w.Run(ctx)

	require.Eventually(t, func() bool {
		first, err := client.Analysis.GetResult(ctx, "sr-1")
		if err != nil || first == nil {
			return false
		}
		second, err := client.Analysis.GetResult(ctx, "sr-2")
		return err == nil && second != nil
	}, 10*time.Second, 50*time.Millisecond)

	pending, err := client.Analysis.PendingCount(ctx, "analysis")
	require.NoError(t, err)
	assert.Zero(t, pending)
}
