package analysis

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/horizon-qa/atlas/pkg/config"
	"github.com/horizon-qa/atlas/pkg/database"
	"github.com/horizon-qa/atlas/pkg/models"
	"github.com/horizon-qa/atlas/pkg/push"
	"github.com/horizon-qa/atlas/pkg/slack"
)

// Worker drains the analysis queue: claim, fetch artifacts, classify, persist
// the verdict. Polling is jittered so multiple processes sharing the queue do
// not synchronize their claims.
type Worker struct {
	cfg        config.AnalysisConfig
	store      *database.AnalysisStore
	fetcher    *ArtifactFetcher
	classifier *Classifier
	push       *push.Publisher
	slack      *slack.Service
	logger     *slog.Logger

	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

// NewWorker creates the worker. push and slack may be nil.
func NewWorker(
	cfg config.AnalysisConfig,
	store *database.AnalysisStore,
	fetcher *ArtifactFetcher,
	classifier *Classifier,
	pusher *push.Publisher,
	notifier *slack.Service,
	logger *slog.Logger,
) *Worker {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}
	return &Worker{
		cfg:        cfg,
		store:      store,
		fetcher:    fetcher,
		classifier: classifier,
		push:       pusher,
		slack:      notifier,
		logger:     logger.With("component", "analysis.worker"),
		sem:        semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

// Run polls until the context is cancelled. Blocks; run on its own goroutine.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("Analysis worker started",
		"queue", w.cfg.QueueName, "poll_interval", w.cfg.PollInterval)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.orphanLoop(ctx)
	}()

	for {
		select {
		case <-ctx.Done():
			w.wg.Wait()
			w.logger.Info("Analysis worker stopped")
			return
		case <-time.After(w.jitteredInterval()):
		}
		w.drain(ctx)
	}
}

// drain claims tasks while capacity allows and the queue has pending work.
func (w *Worker) drain(ctx context.Context) {
	for {
		if !w.sem.TryAcquire(1) {
			return
		}
		task, err := w.store.ClaimNext(ctx, w.cfg.QueueName, w.cfg.MaxAttempts)
		if err != nil {
			w.sem.Release(1)
			if ctx.Err() == nil {
				w.logger.Error("Failed to claim analysis task", "error", err)
			}
			return
		}
		if task == nil {
			w.sem.Release(1)
			return
		}

		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer w.sem.Release(1)
			w.process(ctx, task)
		}()
	}
}

// process runs one claimed task end to end.
func (w *Worker) process(ctx context.Context, task *models.AnalysisTask) {
	logger := w.logger.With("task_id", task.ID, "script_result_id", task.Payload.ScriptResultID)

	report := w.fetchArtifact(ctx, logger, "report", task.Payload.ReportURL)
	logs := w.fetchArtifact(ctx, logger, "logs", task.Payload.LogsURL)

	result, err := w.classifier.Classify(ctx, task.Payload, report, logs)
	if err != nil {
		logger.Error("Analysis classification failed",
			"attempt", task.Attempts, "error", err)
		if markErr := w.store.MarkFailed(ctx, task.ID, w.cfg.MaxAttempts); markErr != nil {
			logger.Error("Failed to record task failure", "error", markErr)
		}
		return
	}
	result.AnalyzedAt = time.Now()

	if err := w.store.SaveResult(ctx, result); err != nil {
		logger.Error("Failed to save analysis result", "error", err)
		if markErr := w.store.MarkFailed(ctx, task.ID, w.cfg.MaxAttempts); markErr != nil {
			logger.Error("Failed to record task failure", "error", markErr)
		}
		return
	}
	if err := w.store.MarkDone(ctx, task.ID); err != nil {
		logger.Error("Failed to mark task done", "error", err)
	}

	logger.Info("Analysis completed",
		"classification", result.Classification, "discard", result.Discard)

	w.broadcast(ctx, result)
	w.slack.NotifyAnalysisResult(ctx, result)
}

// fetchArtifact downloads one artifact. Fetch failures degrade to an empty
// artifact rather than failing the analysis; the classifier works with what
// it has.
func (w *Worker) fetchArtifact(ctx context.Context, logger *slog.Logger, kind, url string) string {
	if url == "" || w.fetcher == nil {
		return ""
	}
	content, err := w.fetcher.Fetch(ctx, url)
	if err != nil {
		logger.Warn("Artifact fetch failed", "artifact", kind, "url", url, "error", err)
		return ""
	}
	return content
}

// broadcast pushes the verdict to dashboard subscribers of the background
// tasks channel.
func (w *Worker) broadcast(ctx context.Context, result *models.AnalysisResult) {
	if w.push == nil {
		return
	}
	w.push.AgentEvent(ctx, push.BackgroundTasksChannel, "analysis.completed", map[string]any{
		"script_result_id": result.ScriptResultID,
		"script_name":      result.ScriptName,
		"classification":   string(result.Classification),
		"discard":          result.Discard,
	})
}

// orphanLoop periodically requeues tasks whose worker died mid-analysis.
func (w *Worker) orphanLoop(ctx context.Context) {
	interval := w.cfg.OrphanScanInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n, err := w.store.RequeueOrphans(ctx, w.cfg.QueueName, w.cfg.OrphanThreshold)
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Error("Orphan scan failed", "error", err)
			}
			continue
		}
		if n > 0 {
			w.logger.Warn("Requeued orphaned analysis tasks", "count", n)
		}
	}
}

func (w *Worker) jitteredInterval() time.Duration {
	base := w.cfg.PollInterval
	if base <= 0 {
		base = 5 * time.Second
	}
	jitter := w.cfg.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	offset := time.Duration(rand.Int63n(int64(2*jitter))) - jitter
	interval := base + offset
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	return interval
}
