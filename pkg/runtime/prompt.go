package runtime

import (
	"fmt"
	"strings"

	"github.com/horizon-qa/atlas/pkg/llm"
	"github.com/horizon-qa/atlas/pkg/models"
	"github.com/horizon-qa/atlas/pkg/tools"
)

// routerPrompt builds the default-mode system prompt: a small instruction
// set telling the LLM to answer trivial queries directly or load a skill.
func routerPrompt(def *models.AgentDefinition, skillNames []string, subAgents []models.SubAgentRef) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, an autonomous QA agent.\n", def.Name)
	if def.Goal.Description != "" {
		fmt.Fprintf(&b, "Goal: %s\n", def.Goal.Description)
	}
	b.WriteString("\nFor trivial questions, answer directly.\n")

	if len(skillNames) > 0 {
		b.WriteString("For specialized work, load the matching skill by replying with exactly:\n")
		b.WriteString("LOAD SKILL <name>\n\nAvailable skills:\n")
		for _, name := range skillNames {
			fmt.Fprintf(&b, "- %s\n", name)
		}
	}
	if len(subAgents) > 0 {
		b.WriteString("\nTo hand work to a specialist agent, reply with exactly:\n")
		b.WriteString("DELEGATE TO <agent_id>\n\nSub-agents:\n")
		for _, ref := range subAgents {
			if len(ref.DelegateFor) > 0 {
				fmt.Fprintf(&b, "- %s (%s)\n", ref.AgentID, strings.Join(ref.DelegateFor, ", "))
			} else {
				fmt.Fprintf(&b, "- %s\n", ref.AgentID)
			}
		}
	}
	return b.String()
}

// toolCatalog converts executor tool specs to LLM tool definitions, marking
// prompt-cache entries per the active skill's cache policy.
func toolCatalog(specs []tools.ToolSpec, skill *models.SkillDefinition) []llm.ToolDefinition {
	out := make([]llm.ToolDefinition, 0, len(specs))
	for _, spec := range specs {
		def := llm.ToolDefinition{
			Name:             spec.Name,
			Description:      spec.Description,
			ParametersSchema: spec.ParametersSchema,
		}
		if skill != nil {
			def.PromptCache = skill.CachePolicyFor(spec.Name).PromptCache
		}
		out = append(out, def)
	}
	return out
}
