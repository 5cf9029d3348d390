package models

import "time"

// Platform tags a skill to a device class. Empty means platform-agnostic.
type Platform string

const (
	PlatformWeb    Platform = "web"
	PlatformMobile Platform = "mobile"
	PlatformSTB    Platform = "stb"
)

// IsValid checks the platform tag. Empty is valid (no platform binding).
func (p Platform) IsValid() bool {
	return p == "" || p == PlatformWeb || p == PlatformMobile || p == PlatformSTB
}

// ToolCachePolicy configures per-tool result caching within a skill.
// TTL of zero means session-only: entries never age out until the owning
// instance terminates.
type ToolCachePolicy struct {
	Enabled     bool `yaml:"enabled" json:"enabled"`
	TTLSeconds  int  `yaml:"ttl_seconds" json:"ttl_seconds"`
	PromptCache bool `yaml:"prompt_cache,omitempty" json:"prompt_cache,omitempty"` // mark tool for upstream prompt caching
}

// TTL returns the policy TTL as a duration.
func (p ToolCachePolicy) TTL() time.Duration {
	return time.Duration(p.TTLSeconds) * time.Second
}

// SkillDefinition is a declarative capability bundle: system prompt, tool
// list, cache policy, platform, and timeout. Skills are loaded once at
// startup and immutable within a run.
type SkillDefinition struct {
	Name           string                     `yaml:"name" json:"name"`
	Version        string                     `yaml:"version,omitempty" json:"version,omitempty"`
	Description    string                     `yaml:"description,omitempty" json:"description,omitempty"`
	Triggers       []string                   `yaml:"triggers,omitempty" json:"triggers,omitempty"` // keyphrases
	SystemPrompt   string                     `yaml:"system_prompt" json:"system_prompt"`
	Tools          []string                   `yaml:"tools,omitempty" json:"tools,omitempty"`
	ToolCache      map[string]ToolCachePolicy `yaml:"tool_cache,omitempty" json:"tool_cache,omitempty"`
	Platform       Platform                   `yaml:"platform,omitempty" json:"platform,omitempty"`
	RequiresDevice bool                       `yaml:"requires_device,omitempty" json:"requires_device,omitempty"`
	TimeoutSeconds int                        `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
}

// Timeout returns the skill timeout as a duration (zero when unset).
func (s *SkillDefinition) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// CachePolicyFor returns the cache policy for a tool. The zero policy
// (enabled=false) is returned for tools without an entry.
func (s *SkillDefinition) CachePolicyFor(tool string) ToolCachePolicy {
	if s == nil || s.ToolCache == nil {
		return ToolCachePolicy{}
	}
	return s.ToolCache[tool]
}
