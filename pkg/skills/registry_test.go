package skills

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/horizon-qa/atlas/pkg/models"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(slog.New(slog.NewTextHandler(os.Stderr, nil)))
}

func skill(name string, triggers ...string) *models.SkillDefinition {
	return &models.SkillDefinition{
		Name:         name,
		SystemPrompt: "You are the " + name + " specialist.",
		Triggers:     triggers,
	}
}

func TestAddValidation(t *testing.T) {
	r := newTestRegistry(t)

	assert.Error(t, r.Add(&models.SkillDefinition{SystemPrompt: "p"}))
	assert.Error(t, r.Add(&models.SkillDefinition{Name: "x"}))
	assert.Error(t, r.Add(&models.SkillDefinition{Name: "x", SystemPrompt: "p", Platform: "toaster"}))

	require.NoError(t, r.Add(skill("ui_navigation")))
	assert.ErrorContains(t, r.Add(skill("ui_navigation")), "duplicate")
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b_player.yaml"), []byte(`
name: player_checks
system_prompt: You verify playback.
triggers: [playback, buffering]
tools: [screen_dump]
tool_cache:
  screen_dump:
    enabled: true
    ttl_seconds: 60
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a_nav.yml"), []byte(`
name: ui_navigation
system_prompt: You drive the UI.
triggers: [navigate, screen]
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	r := newTestRegistry(t)
	require.NoError(t, r.LoadDir(dir))

	// Files load in lexical order.
	assert.Equal(t, []string{"ui_navigation", "player_checks"}, r.Names())

	def := r.Get("player_checks")
	require.NotNil(t, def)
	policy := def.CachePolicyFor("screen_dump")
	assert.True(t, policy.Enabled)
	assert.Equal(t, 60, policy.TTLSeconds)
}

func TestLoadDirMissingIsNotError(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.LoadDir(filepath.Join(t.TempDir(), "nope")))
	assert.Empty(t, r.Names())
}

func TestMatchScoresByKeyphraseLength(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Add(skill("ui_navigation", "navigate", "screen")))
	require.NoError(t, r.Add(skill("player_checks", "playback quality", "buffering")))

	best := r.Match("Please check PLAYBACK QUALITY on the main screen", nil)
	require.NotNil(t, best)
	// "playback quality" (16) beats "screen" (6); matching is case-insensitive.
	assert.Equal(t, "player_checks", best.Name)
}

func TestMatchTieGoesToEarlierRegistered(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Add(skill("first", "grid")))
	require.NoError(t, r.Add(skill("second", "epg!")))

	best := r.Match("open the grid epg! view", nil)
	require.NotNil(t, best)
	assert.Equal(t, "first", best.Name)
}

func TestMatchZeroScoreReturnsNil(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Add(skill("ui_navigation", "navigate")))
	assert.Nil(t, r.Match("summarize yesterday's results", nil))
}

func TestMatchRespectsCandidateFilter(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Add(skill("ui_navigation", "navigate")))
	require.NoError(t, r.Add(skill("player_checks", "navigate", "playback")))

	best := r.Match("navigate to playback settings", []string{"ui_navigation"})
	require.NotNil(t, best)
	assert.Equal(t, "ui_navigation", best.Name)
}
