package scheduler

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/horizon-qa/atlas/pkg/config"
	"github.com/horizon-qa/atlas/pkg/models"
)

type capturingPublisher struct {
	mu     sync.Mutex
	events []*models.Event
	err    error
}

func (p *capturingPublisher) Publish(_ context.Context, ev *models.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func TestNewRejectsInvalidCron(t *testing.T) {
	_, err := New([]config.ScheduleConfig{
		{Name: "nightly", Cron: "not a cron"},
	}, &capturingPublisher{}, testLogger())
	assert.ErrorContains(t, err, "invalid cron expression")
}

func TestNewRejectsEmptyName(t *testing.T) {
	_, err := New([]config.ScheduleConfig{
		{Cron: "0 3 * * *"},
	}, &capturingPublisher{}, testLogger())
	assert.ErrorContains(t, err, "empty name")
}

func TestRegistersEntries(t *testing.T) {
	s, err := New([]config.ScheduleConfig{
		{Name: "nightly-regression", Cron: "0 3 * * *"},
		{Name: "hourly-smoke", Cron: "@hourly"},
	}, &capturingPublisher{}, testLogger())
	require.NoError(t, err)
	assert.Equal(t, 2, s.Entries())
}

func TestJobPublishesScheduleEvent(t *testing.T) {
	pub := &capturingPublisher{}
	s, err := New(nil, pub, testLogger())
	require.NoError(t, err)

	job := s.makeJob(config.ScheduleConfig{
		Name:    "nightly-regression",
		Cron:    "0 3 * * *",
		Payload: map[string]any{"suite": "full"},
	})
	job()

	require.Len(t, pub.events, 1)
	ev := pub.events[0]
	assert.Equal(t, "schedule.nightly-regression", ev.Type)
	assert.Equal(t, models.PriorityNormal, ev.Priority)
	assert.Equal(t, "full", ev.Payload["suite"])
	assert.Equal(t, "nightly-regression", ev.Payload["schedule"])
	assert.Equal(t, "0 3 * * *", ev.Payload["cron"])
}
