package registry_test

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/horizon-qa/atlas/pkg/models"
	"github.com/horizon-qa/atlas/pkg/registry"
	"github.com/horizon-qa/atlas/test/util"
)

type fakeSkills struct {
	known map[string]bool
}

func (f *fakeSkills) Has(name string) bool { return f.known[name] }

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	client, _ := util.SetupTestDB(t)
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	skills := &fakeSkills{known: map[string]bool{"ui_navigation": true, "player_checks": true}}
	return registry.New(client.Registry, skills, logger)
}

func validDefinition(agentID, version string) *models.AgentDefinition {
	return &models.AgentDefinition{
		AgentID: agentID,
		Version: version,
		Name:    "Monitor Agent",
		Goal:    models.AgentGoal{Kind: models.GoalKindContinuous, Description: "watch playback"},
		Triggers: []models.Trigger{
			{EventType: "alert.blackscreen", Priority: models.PriorityHigh},
		},
		AvailableSkills: []string{"ui_navigation"},
	}
}

func TestRegisterAndGet(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	def := validDefinition("monitor", "1.0.0")
	require.NoError(t, r.Register(ctx, def))
	assert.Equal(t, models.DefinitionStatusDraft, def.Status)
	assert.Empty(t, def.UnknownTools)

	got, err := r.Get(ctx, "monitor", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "Monitor Agent", got.Name)
	assert.Equal(t, models.DefinitionStatusDraft, got.Status)
	require.Len(t, got.Triggers, 1)
	assert.Equal(t, "alert.blackscreen", got.Triggers[0].EventType)
}

func TestRegisterDuplicateVersion(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, validDefinition("monitor", "1.0.0")))
	err := r.Register(ctx, validDefinition("monitor", "1.0.0"))
	assert.ErrorIs(t, err, registry.ErrAlreadyExists)
}

func TestRegisterValidation(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*models.AgentDefinition)
	}{
		{"missing id", func(d *models.AgentDefinition) { d.AgentID = "" }},
		{"missing name", func(d *models.AgentDefinition) { d.Name = "" }},
		{"bad semver", func(d *models.AgentDefinition) { d.Version = "latest" }},
		{"bad goal kind", func(d *models.AgentDefinition) { d.Goal.Kind = "forever" }},
		{"empty trigger type", func(d *models.AgentDefinition) { d.Triggers[0].EventType = "" }},
		{"bad trigger priority", func(d *models.AgentDefinition) { d.Triggers[0].Priority = "urgent" }},
		{"empty event pool", func(d *models.AgentDefinition) { d.EventPools = []string{""} }},
		{"subagent without id", func(d *models.AgentDefinition) { d.SubAgents = []models.SubAgentRef{{}} }},
		{"negative parallelism", func(d *models.AgentDefinition) { d.Config.MaxParallelTasks = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			def := validDefinition("monitor", "1.0.0")
			tc.mutate(def)
			assert.ErrorIs(t, r.Register(ctx, def), registry.ErrValidation)
		})
	}
}

func TestRegisterRecordsUnknownSkills(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	def := validDefinition("monitor", "1.0.0")
	def.AvailableSkills = []string{"ui_navigation", "quantum_debugging"}
	require.NoError(t, r.Register(ctx, def))
	assert.Equal(t, []string{"quantum_debugging"}, def.UnknownTools)
}

func TestGetLatestPrefersPublished(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, validDefinition("monitor", "1.0.0")))
	require.NoError(t, r.Register(ctx, validDefinition("monitor", "1.10.0")))
	require.NoError(t, r.Register(ctx, validDefinition("monitor", "1.9.0")))
	require.NoError(t, r.Publish(ctx, "monitor", "1.0.0"))
	require.NoError(t, r.Publish(ctx, "monitor", "1.9.0"))

	// Latest published by semver, not the latest draft.
	got, err := r.Get(ctx, "monitor", "")
	require.NoError(t, err)
	assert.Equal(t, "1.9.0", got.Version)

	// With nothing published, the latest version overall wins.
	require.NoError(t, r.Register(ctx, validDefinition("helper", "0.1.0")))
	require.NoError(t, r.Register(ctx, validDefinition("helper", "0.2.0")))
	got, err = r.Get(ctx, "helper", "")
	require.NoError(t, err)
	assert.Equal(t, "0.2.0", got.Version)

	_, err = r.Get(ctx, "missing", "")
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestListVersionsSemverOrder(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	for _, v := range []string{"1.10.0", "0.9.1", "1.2.3"} {
		require.NoError(t, r.Register(ctx, validDefinition("monitor", v)))
	}

	versions, err := r.ListVersions(ctx, "monitor")
	require.NoError(t, err)
	require.Len(t, versions, 3)
	assert.Equal(t, "0.9.1", versions[0].Version)
	assert.Equal(t, "1.2.3", versions[1].Version)
	assert.Equal(t, "1.10.0", versions[2].Version)
}

func TestLifecycleTransitions(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, validDefinition("monitor", "1.0.0")))
	require.NoError(t, r.Publish(ctx, "monitor", "1.0.0"))

	got, err := r.Get(ctx, "monitor", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, models.DefinitionStatusPublished, got.Status)

	require.NoError(t, r.Deprecate(ctx, "monitor", "1.0.0"))
	got, err = r.Get(ctx, "monitor", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, models.DefinitionStatusDeprecated, got.Status)

	assert.ErrorIs(t, r.Publish(ctx, "monitor", "9.9.9"), registry.ErrNotFound)
}

func TestListWithStatusFilter(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, validDefinition("monitor", "1.0.0")))
	require.NoError(t, r.Register(ctx, validDefinition("helper", "1.0.0")))
	require.NoError(t, r.Publish(ctx, "monitor", "1.0.0"))

	all, err := r.List(ctx, registry.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	published, err := r.List(ctx, registry.ListFilter{Status: models.DefinitionStatusPublished})
	require.NoError(t, err)
	require.Len(t, published, 1)
	assert.Equal(t, "monitor", published[0].AgentID)
}

func TestDelete(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, validDefinition("monitor", "1.0.0")))
	require.NoError(t, r.Delete(ctx, "monitor", "1.0.0"))

	_, err := r.Get(ctx, "monitor", "1.0.0")
	assert.ErrorIs(t, err, registry.ErrNotFound)
	assert.ErrorIs(t, r.Delete(ctx, "monitor", "1.0.0"), registry.ErrNotFound)
}

func TestResolveForEvent(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	// monitor 1.0.0 and 2.0.0 both published; only the latest resolves.
	require.NoError(t, r.Register(ctx, validDefinition("monitor", "1.0.0")))
	require.NoError(t, r.Register(ctx, validDefinition("monitor", "2.0.0")))
	require.NoError(t, r.Publish(ctx, "monitor", "1.0.0"))
	require.NoError(t, r.Publish(ctx, "monitor", "2.0.0"))

	// Draft definitions never route.
	draft := validDefinition("drafted", "1.0.0")
	require.NoError(t, r.Register(ctx, draft))

	// A payload-filtered trigger on a second agent.
	filtered := validDefinition("stb-specialist", "1.0.0")
	filtered.Triggers = []models.Trigger{
		{EventType: "alert.blackscreen", Filters: map[string]any{"model": "stb-9000"}},
	}
	require.NoError(t, r.Register(ctx, filtered))
	require.NoError(t, r.Publish(ctx, "stb-specialist", "1.0.0"))

	matched, err := r.ResolveForEvent(ctx, "alert.blackscreen", map[string]any{"model": "stb-1000"})
	require.NoError(t, err)
	require.Len(t, matched, 1)
	assert.Equal(t, "monitor", matched[0].AgentID)
	assert.Equal(t, "2.0.0", matched[0].Version)

	matched, err = r.ResolveForEvent(ctx, "alert.blackscreen", map[string]any{"model": "stb-9000"})
	require.NoError(t, err)
	require.Len(t, matched, 2)
	assert.Equal(t, "monitor", matched[0].AgentID)
	assert.Equal(t, "stb-specialist", matched[1].AgentID)

	matched, err = r.ResolveForEvent(ctx, "alert.frozen", nil)
	require.NoError(t, err)
	assert.Empty(t, matched)
}

func TestImportExportYAML(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	text := []byte(`
id: monitor
version: 1.0.0
name: Monitor Agent
goal:
  type: continuous
  description: watch playback
triggers:
  - event_type: alert.blackscreen
    priority: high
available_skills:
  - ui_navigation
`)
	def, err := r.ImportYAML(ctx, text)
	require.NoError(t, err)
	assert.Equal(t, "monitor", def.AgentID)
	assert.Equal(t, models.DefinitionStatusDraft, def.Status)

	out, err := r.ExportYAML(ctx, "monitor", "1.0.0")
	require.NoError(t, err)
	assert.Contains(t, string(out), "id: monitor")
	assert.Contains(t, string(out), "event_type: alert.blackscreen")

	reimported, err := r.ImportYAML(ctx, out)
	assert.ErrorIs(t, err, registry.ErrAlreadyExists)
	assert.Nil(t, reimported)
}
