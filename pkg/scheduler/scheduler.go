// Package scheduler turns cron expressions from configuration into bus
// events. Agents consume schedule events through their normal triggers; the
// scheduler knows nothing about who listens.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/horizon-qa/atlas/pkg/config"
	"github.com/horizon-qa/atlas/pkg/models"
)

// Publisher is the bus surface the scheduler needs.
type Publisher interface {
	Publish(ctx context.Context, ev *models.Event) error
}

// Scheduler runs configured cron entries and publishes schedule.<name>
// events on fire. Missed fires during downtime are not replayed; the next
// matching tick after restart fires normally.
type Scheduler struct {
	cron   *cron.Cron
	bus    Publisher
	logger *slog.Logger
}

// New creates the scheduler and registers every configured entry. An invalid
// cron expression fails construction; a half-registered schedule set is worse
// than a loud startup error.
func New(entries []config.ScheduleConfig, bus Publisher, logger *slog.Logger) (*Scheduler, error) {
	log := logger.With("component", "scheduler")
	s := &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.SkipIfStillRunning(cronLogger{log}),
		)),
		bus:    bus,
		logger: log,
	}

	for _, entry := range entries {
		if entry.Name == "" {
			return nil, fmt.Errorf("schedule entry with empty name")
		}
		job := s.makeJob(entry)
		if _, err := s.cron.AddFunc(entry.Cron, job); err != nil {
			return nil, fmt.Errorf("invalid cron expression for schedule %q: %w", entry.Name, err)
		}
		log.Info("Registered schedule", "name", entry.Name, "cron", entry.Cron)
	}
	return s, nil
}

// Start begins firing schedules.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("Scheduler started", "entries", len(s.cron.Entries()))
}

// Stop halts scheduling and waits for in-flight jobs.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("Scheduler stopped")
}

// Entries returns the number of registered schedules, for health reporting.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

func (s *Scheduler) makeJob(entry config.ScheduleConfig) func() {
	eventType := "schedule." + entry.Name
	return func() {
		payload := make(map[string]any, len(entry.Payload)+2)
		for k, v := range entry.Payload {
			payload[k] = v
		}
		payload["schedule"] = entry.Name
		payload["cron"] = entry.Cron
		ev := &models.Event{
			Type:     eventType,
			Priority: models.PriorityNormal,
			Payload:  payload,
		}
		if err := s.bus.Publish(context.Background(), ev); err != nil {
			s.logger.Error("Failed to publish schedule event",
				"schedule", entry.Name, "error", err)
			return
		}
		s.logger.Info("Schedule fired", "schedule", entry.Name, "event_type", eventType)
	}
}

// cronLogger adapts slog to the cron logging interface, used by the
// skip-if-still-running wrapper to report overlapping fires.
type cronLogger struct {
	log *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.log.Info(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.log.Error(msg, append(keysAndValues, "error", err)...)
}
