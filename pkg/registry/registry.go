// Package registry manages versioned agent definitions: registration with
// schema validation, lifecycle status, YAML import/export, and resolution
// from event types to eligible published agents.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/horizon-qa/atlas/pkg/database"
	"github.com/horizon-qa/atlas/pkg/models"
)

// Sentinel errors for registry operations.
var (
	ErrNotFound      = errors.New("agent definition not found")
	ErrAlreadyExists = errors.New("agent definition version already exists")
	ErrValidation    = errors.New("agent definition validation failed")
)

// SkillSource answers whether a skill name is registered. The registry uses
// it to flag unknown skills as warnings at registration time.
type SkillSource interface {
	Has(name string) bool
}

// Registry is the versioned agent definition store. Definitions are immutable
// per version; only lifecycle status changes after registration.
type Registry struct {
	store  *database.RegistryStore
	skills SkillSource
	logger *slog.Logger
}

// New creates the registry. skills may be nil when no skill catalog exists;
// every declared skill is then recorded as unknown.
func New(store *database.RegistryStore, skills SkillSource, logger *slog.Logger) *Registry {
	return &Registry{
		store:  store,
		skills: skills,
		logger: logger.With("component", "registry"),
	}
}

// Register validates and stores a new definition version in draft status.
// Unknown skills are warnings, not errors: they are recorded on the
// definition and logged, and the runtime simply does not expose them.
func (r *Registry) Register(ctx context.Context, def *models.AgentDefinition) error {
	if err := r.validate(def); err != nil {
		return err
	}

	existing, err := r.store.Get(ctx, def.AgentID, def.Version)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("%w: %s@%s", ErrAlreadyExists, def.AgentID, def.Version)
	}

	def.Status = models.DefinitionStatusDraft
	now := time.Now()
	def.CreatedAt = now
	def.UpdatedAt = now

	def.UnknownTools = nil
	for _, name := range def.AvailableSkills {
		if r.skills == nil || !r.skills.Has(name) {
			def.UnknownTools = append(def.UnknownTools, name)
		}
	}
	if len(def.UnknownTools) > 0 {
		r.logger.Warn("Agent declares unknown skills",
			"agent_id", def.AgentID, "version", def.Version,
			"unknown", def.UnknownTools)
	}

	if err := r.store.Insert(ctx, def); err != nil {
		return err
	}
	r.logger.Info("Agent registered",
		"agent_id", def.AgentID, "version", def.Version, "triggers", len(def.Triggers))
	return nil
}

// Get returns one definition. An empty version resolves to the latest
// published version by semver, falling back to the latest version overall
// when none is published.
func (r *Registry) Get(ctx context.Context, agentID, version string) (*models.AgentDefinition, error) {
	if version != "" {
		def, err := r.store.Get(ctx, agentID, version)
		if err != nil {
			return nil, err
		}
		if def == nil {
			return nil, fmt.Errorf("%w: %s@%s", ErrNotFound, agentID, version)
		}
		return def, nil
	}

	versions, err := r.ListVersions(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, agentID)
	}
	for i := len(versions) - 1; i >= 0; i-- {
		if versions[i].Status == models.DefinitionStatusPublished {
			return versions[i], nil
		}
	}
	return versions[len(versions)-1], nil
}

// ListVersions returns all versions of an agent in ascending semver order.
func (r *Registry) ListVersions(ctx context.Context, agentID string) ([]*models.AgentDefinition, error) {
	versions, err := r.store.GetAllVersions(ctx, agentID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(versions, func(i, j int) bool {
		return compareSemver(versions[i].Version, versions[j].Version) < 0
	})
	return versions, nil
}

// ListFilter narrows List results. Zero values mean "no constraint".
type ListFilter struct {
	Status models.DefinitionStatus
}

// List returns all stored definitions matching the filter.
func (r *Registry) List(ctx context.Context, filter ListFilter) ([]*models.AgentDefinition, error) {
	defs, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}
	if filter.Status == "" {
		return defs, nil
	}
	var out []*models.AgentDefinition
	for _, def := range defs {
		if def.Status == filter.Status {
			out = append(out, def)
		}
	}
	return out, nil
}

// Publish makes a definition version eligible for event routing.
func (r *Registry) Publish(ctx context.Context, agentID, version string) error {
	return r.setStatus(ctx, agentID, version, models.DefinitionStatusPublished)
}

// Deprecate withdraws a version from event routing without deleting it.
func (r *Registry) Deprecate(ctx context.Context, agentID, version string) error {
	return r.setStatus(ctx, agentID, version, models.DefinitionStatusDeprecated)
}

func (r *Registry) setStatus(ctx context.Context, agentID, version string, status models.DefinitionStatus) error {
	err := r.store.UpdateStatus(ctx, agentID, version, status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s@%s", ErrNotFound, agentID, version)
	}
	if err != nil {
		return err
	}
	r.logger.Info("Agent status changed",
		"agent_id", agentID, "version", version, "status", status)
	return nil
}

// Delete removes a definition version permanently.
func (r *Registry) Delete(ctx context.Context, agentID, version string) error {
	err := r.store.Delete(ctx, agentID, version)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s@%s", ErrNotFound, agentID, version)
	}
	return err
}

// ResolveForEvent returns every published definition with a trigger matching
// the event type whose payload filters all hold by equality. Multiple matches
// all receive the event; ties are not broken.
func (r *Registry) ResolveForEvent(ctx context.Context, eventType string, payload map[string]any) ([]*models.AgentDefinition, error) {
	candidates, err := r.store.ResolveByEventType(ctx, eventType)
	if err != nil {
		return nil, err
	}

	// Keep only the latest published version per agent id.
	latest := make(map[string]*models.AgentDefinition)
	for _, def := range candidates {
		if cur, ok := latest[def.AgentID]; !ok || compareSemver(def.Version, cur.Version) > 0 {
			latest[def.AgentID] = def
		}
	}

	var matched []*models.AgentDefinition
	for _, def := range latest {
		for _, trig := range def.Triggers {
			if trig.Matches(eventType, payload) {
				matched = append(matched, def)
				break
			}
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].AgentID < matched[j].AgentID
	})
	return matched, nil
}

// validate enforces the definition schema. Violations wrap ErrValidation.
func (r *Registry) validate(def *models.AgentDefinition) error {
	if def.AgentID == "" {
		return fmt.Errorf("%w: id is required", ErrValidation)
	}
	if def.Name == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	if _, err := parseSemver(def.Version); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if !def.Goal.Kind.IsValid() {
		return fmt.Errorf("%w: goal type %q must be continuous or on-demand", ErrValidation, def.Goal.Kind)
	}
	for i, trig := range def.Triggers {
		if trig.EventType == "" {
			return fmt.Errorf("%w: trigger %d has empty event_type", ErrValidation, i)
		}
		if trig.Priority != "" && !trig.Priority.IsValid() {
			return fmt.Errorf("%w: trigger %d has invalid priority %q", ErrValidation, i, trig.Priority)
		}
	}
	for i, pool := range def.EventPools {
		if pool == "" {
			return fmt.Errorf("%w: event_pools entry %d is empty", ErrValidation, i)
		}
	}
	for i, ref := range def.SubAgents {
		if ref.AgentID == "" {
			return fmt.Errorf("%w: subagent %d has empty id", ErrValidation, i)
		}
		if ref.Version != "" {
			if _, err := parseSemver(ref.Version); err != nil {
				return fmt.Errorf("%w: subagent %s: %v", ErrValidation, ref.AgentID, err)
			}
		}
	}
	if def.Config.MaxParallelTasks < 0 {
		return fmt.Errorf("%w: max_parallel_tasks must be >= 0", ErrValidation)
	}
	if def.Config.EventQueueDepth < 0 {
		return fmt.Errorf("%w: event_queue_depth must be >= 0", ErrValidation)
	}
	return nil
}
