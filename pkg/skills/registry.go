// Package skills loads and serves skill definitions: declarative capability
// bundles an agent swaps in to specialize its prompt and tool set.
package skills

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/horizon-qa/atlas/pkg/models"
)

// Registry holds all skills loaded at startup. Immutable after LoadDir, so
// reads need no locking.
type Registry struct {
	logger *slog.Logger

	byName map[string]*models.SkillDefinition
	// order preserves insertion order for deterministic tie-breaks in Match.
	order []string
}

// NewRegistry creates an empty skill registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger: logger.With("component", "skills"),
		byName: make(map[string]*models.SkillDefinition),
	}
}

// LoadDir reads every *.yaml / *.yml file in dir as one skill document.
// A missing directory is not an error; the registry just stays empty.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		r.logger.Warn("Skills directory does not exist", "dir", dir)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read skills directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read skill file %s: %w", path, err)
		}
		var def models.SkillDefinition
		if err := yaml.Unmarshal(data, &def); err != nil {
			return fmt.Errorf("failed to parse skill file %s: %w", path, err)
		}
		if err := r.Add(&def); err != nil {
			return fmt.Errorf("skill file %s: %w", path, err)
		}
	}

	r.logger.Info("Skills loaded", "dir", dir, "count", len(r.order))
	return nil
}

// Add registers one skill. Duplicate names and invalid platforms are errors.
func (r *Registry) Add(def *models.SkillDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("skill name is required")
	}
	if def.SystemPrompt == "" {
		return fmt.Errorf("skill %s has no system_prompt", def.Name)
	}
	if !def.Platform.IsValid() {
		return fmt.Errorf("skill %s has invalid platform %q", def.Name, def.Platform)
	}
	if _, exists := r.byName[def.Name]; exists {
		return fmt.Errorf("duplicate skill name %q", def.Name)
	}
	r.byName[def.Name] = def
	r.order = append(r.order, def.Name)
	return nil
}

// Get returns a skill by name, or nil when unknown.
func (r *Registry) Get(name string) *models.SkillDefinition {
	return r.byName[name]
}

// Has reports whether the skill name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.byName[name]
	return ok
}

// Names returns all registered skill names in insertion order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Match scores each candidate skill against the message: the score is the
// summed length of every trigger keyphrase present in the message. The
// highest scorer wins; ties go to the earlier-registered skill. A zero score
// means no match and the caller stays in router mode.
func (r *Registry) Match(message string, candidates []string) *models.SkillDefinition {
	lower := strings.ToLower(message)

	var best *models.SkillDefinition
	bestScore := 0
	for _, name := range r.orderedSubset(candidates) {
		def := r.byName[name]
		score := 0
		for _, phrase := range def.Triggers {
			if phrase != "" && strings.Contains(lower, strings.ToLower(phrase)) {
				score += len(phrase)
			}
		}
		if score > bestScore {
			best = def
			bestScore = score
		}
	}
	return best
}

// orderedSubset filters the candidate names to registered skills, preserving
// registry insertion order.
func (r *Registry) orderedSubset(candidates []string) []string {
	if candidates == nil {
		return r.order
	}
	want := make(map[string]bool, len(candidates))
	for _, name := range candidates {
		want[name] = true
	}
	var out []string
	for _, name := range r.order {
		if want[name] {
			out = append(out, name)
		}
	}
	return out
}
