package models

import (
	"bytes"
	"encoding/json"
	"time"
)

// GoalKind distinguishes long-lived agents from on-demand ones.
type GoalKind string

const (
	GoalKindContinuous GoalKind = "continuous"
	GoalKindOnDemand   GoalKind = "on-demand"
)

// IsValid checks if the goal kind is valid.
func (k GoalKind) IsValid() bool {
	return k == GoalKindContinuous || k == GoalKindOnDemand
}

// DefinitionStatus is the lifecycle status of an agent definition version.
// Event routing only resolves published versions.
type DefinitionStatus string

const (
	DefinitionStatusDraft      DefinitionStatus = "draft"
	DefinitionStatusPublished  DefinitionStatus = "published"
	DefinitionStatusDeprecated DefinitionStatus = "deprecated"
)

// IsValid checks if the definition status is valid.
func (s DefinitionStatus) IsValid() bool {
	return s == DefinitionStatusDraft || s == DefinitionStatusPublished || s == DefinitionStatusDeprecated
}

// Trigger is a (event-type, priority, optional payload filter) subscription
// rule declared by an agent.
type Trigger struct {
	EventType string         `yaml:"event_type" json:"event_type"`
	Priority  Priority       `yaml:"priority,omitempty" json:"priority,omitempty"`
	Filters   map[string]any `yaml:"filters,omitempty" json:"filters,omitempty"` // equality match on payload fields
}

// Matches reports whether the trigger accepts the given event. All payload
// filters must match by equality; a missing payload key is a mismatch.
func (t Trigger) Matches(eventType string, payload map[string]any) bool {
	if t.EventType != eventType {
		return false
	}
	for key, want := range t.Filters {
		got, ok := payload[key]
		if !ok || !filterEquals(got, want) {
			return false
		}
	}
	return true
}

// filterEquals compares a payload value against a filter value through JSON
// normalization: YAML-declared ints match the float64s the JSON decoders
// produce, and slice or map values compare structurally instead of by
// interface identity, which would panic on uncomparable types.
func filterEquals(got, want any) bool {
	gb, err := json.Marshal(got)
	if err != nil {
		return false
	}
	wb, err := json.Marshal(want)
	if err != nil {
		return false
	}
	return bytes.Equal(gb, wb)
}

// SubAgentRef declares a child agent the parent may delegate to.
// References are stored by id string and resolved on demand.
type SubAgentRef struct {
	AgentID     string   `yaml:"id" json:"id"`
	Version     string   `yaml:"version,omitempty" json:"version,omitempty"` // semver constraint, empty = latest
	DelegateFor []string `yaml:"delegate_for,omitempty" json:"delegate_for,omitempty"`
}

// ExecutionConfig holds per-agent runtime limits and flags.
type ExecutionConfig struct {
	MaxParallelTasks int           `yaml:"max_parallel_tasks,omitempty" json:"max_parallel_tasks,omitempty"`
	Timeout          time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	AutoRetry        bool          `yaml:"auto_retry,omitempty" json:"auto_retry,omitempty"`
	ApprovalRequired []string      `yaml:"approval_required,omitempty" json:"approval_required,omitempty"`
	EventQueueDepth  int           `yaml:"event_queue_depth,omitempty" json:"event_queue_depth,omitempty"`
}

// AgentGoal describes what the agent is for.
type AgentGoal struct {
	Kind        GoalKind `yaml:"type" json:"type"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
}

// AgentDefinition is the declarative, immutable-per-version specification of
// an agent. Identity is (AgentID, Version).
type AgentDefinition struct {
	AgentID     string `yaml:"id" json:"id"`
	Version     string `yaml:"version" json:"version"` // semver
	Name        string `yaml:"name" json:"name"`
	Author      string `yaml:"author,omitempty" json:"author,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Nickname    string `yaml:"nickname,omitempty" json:"nickname,omitempty"`
	Icon        string `yaml:"icon,omitempty" json:"icon,omitempty"`
	Selectable  bool   `yaml:"selectable,omitempty" json:"selectable,omitempty"`
	Default     bool   `yaml:"default,omitempty" json:"default,omitempty"`

	Goal            AgentGoal           `yaml:"goal" json:"goal"`
	Triggers        []Trigger           `yaml:"triggers,omitempty" json:"triggers,omitempty"`
	EventPools      []string            `yaml:"event_pools,omitempty" json:"event_pools,omitempty"`
	SubAgents       []SubAgentRef       `yaml:"subagents,omitempty" json:"subagents,omitempty"`
	AvailableSkills []string            `yaml:"available_skills,omitempty" json:"available_skills,omitempty"`
	DefaultTools    []string            `yaml:"default_tools,omitempty" json:"default_tools,omitempty"`
	Permissions     map[string][]string `yaml:"permissions,omitempty" json:"permissions,omitempty"`
	Config          ExecutionConfig     `yaml:"config,omitempty" json:"config,omitempty"`

	Status    DefinitionStatus `yaml:"-" json:"status"`
	CreatedAt time.Time        `yaml:"-" json:"created_at"`
	UpdatedAt time.Time        `yaml:"-" json:"updated_at"`

	// UnknownTools records declared tools/skills that did not resolve at
	// registration time. Warnings, not errors; the runtime simply does not
	// expose them.
	UnknownTools []string `yaml:"-" json:"unknown_tools,omitempty"`
}

// SubAgentIDs returns the declared child agent ids.
func (d *AgentDefinition) SubAgentIDs() []string {
	ids := make([]string, 0, len(d.SubAgents))
	for _, ref := range d.SubAgents {
		ids = append(ids, ref.AgentID)
	}
	return ids
}

// HasSubAgent reports whether agentID is in the declared sub-agents list.
func (d *AgentDefinition) HasSubAgent(agentID string) bool {
	for _, ref := range d.SubAgents {
		if ref.AgentID == agentID {
			return true
		}
	}
	return false
}

// HasSkill reports whether the skill name is in available_skills.
func (d *AgentDefinition) HasSkill(name string) bool {
	for _, s := range d.AvailableSkills {
		if s == name {
			return true
		}
	}
	return false
}
