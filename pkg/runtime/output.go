package runtime

import (
	"strings"
)

// OutputKind discriminates the parsed agent output variants.
type OutputKind string

const (
	OutputText        OutputKind = "text"
	OutputDelegate    OutputKind = "delegate"
	OutputLoadSkill   OutputKind = "load_skill"
	OutputUnloadSkill OutputKind = "unload_skill"
)

// AgentOutput is the parsed form of the LLM's final text: plain text, a
// delegation directive, or a skill switch. Parsing happens once per turn
// instead of string scanning sprinkled through the loop.
type AgentOutput struct {
	Kind   OutputKind
	Text   string
	Target string // agent id for delegate, skill name for load_skill
}

// Directive tokens recognized in assistant text.
const (
	tokenDelegate    = "DELEGATE TO "
	tokenLoadSkill   = "LOAD SKILL "
	tokenUnloadSkill = "UNLOAD SKILL"
)

// ParseOutput classifies assistant text. A directive is honored when it
// appears on its own line; the directive's argument is the first token after
// the keyword.
func ParseOutput(text string) AgentOutput {
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, tokenDelegate):
			target := firstToken(strings.TrimPrefix(trimmed, tokenDelegate))
			if target != "" {
				return AgentOutput{Kind: OutputDelegate, Text: text, Target: target}
			}
		case strings.HasPrefix(trimmed, tokenLoadSkill):
			target := firstToken(strings.TrimPrefix(trimmed, tokenLoadSkill))
			if target != "" {
				return AgentOutput{Kind: OutputLoadSkill, Text: text, Target: target}
			}
		case trimmed == tokenUnloadSkill:
			return AgentOutput{Kind: OutputUnloadSkill, Text: text}
		}
	}
	return AgentOutput{Kind: OutputText, Text: text}
}

func firstToken(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
