package registry

import (
	"context"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/horizon-qa/atlas/pkg/models"
)

// ImportYAML parses a YAML agent document, validates it, and registers it as
// a new draft version. Returns the stored definition.
func (r *Registry) ImportYAML(ctx context.Context, text []byte) (*models.AgentDefinition, error) {
	var def models.AgentDefinition
	if err := yaml.Unmarshal(text, &def); err != nil {
		return nil, fmt.Errorf("%w: invalid YAML: %v", ErrValidation, err)
	}
	if err := r.Register(ctx, &def); err != nil {
		return nil, err
	}
	return &def, nil
}

// ExportYAML renders a stored definition back to its YAML document form.
// Lifecycle fields are excluded; re-importing yields a semantically equal
// definition modulo key ordering.
func (r *Registry) ExportYAML(ctx context.Context, agentID, version string) ([]byte, error) {
	def, err := r.Get(ctx, agentID, version)
	if err != nil {
		return nil, err
	}
	out, err := yaml.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal definition: %w", err)
	}
	return out, nil
}
