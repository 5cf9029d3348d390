package runtime

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/horizon-qa/atlas/pkg/llm"
)

// keepLastN is how many literal prior turns are sent to the LLM; everything
// older is represented only by the rolling summary.
const keepLastN = 2

// summaryMaxLines bounds the rolling summary.
const summaryMaxLines = 3

// Context slot names extracted from tool results and injected into the
// system prompt.
const (
	SlotInterface = "interface"
	SlotTreeID    = "tree_id"
	SlotHost      = "host"
	SlotDevice    = "device"
)

// contextProducingTools is the set of tools whose successful results feed
// context-slot extraction.
var contextProducingTools = map[string]bool{
	"navigate":        true,
	"goto_node":       true,
	"execute_action":  true,
	"screen_dump":     true,
	"dump_ui":         true,
	"list_interfaces": true,
	"list_actions":    true,
	"discover":        true,
}

// slotParams maps tool parameter names to the context slot they populate.
var slotParams = map[string]string{
	"interface_name": SlotInterface,
	"tree_id":        SlotTreeID,
	"host_name":      SlotHost,
	"host":           SlotHost,
	"device_id":      SlotDevice,
	"device":         SlotDevice,
}

// SessionContext carries an instance's conversational memory: literal
// history, the rolling summary, structured context slots, and the active
// skill name.
type SessionContext struct {
	mu sync.Mutex

	history     []llm.Message
	summary     []string // at most summaryMaxLines lines
	slots       map[string]string
	activeSkill string
}

// NewSessionContext creates an empty session.
func NewSessionContext() *SessionContext {
	return &SessionContext{slots: make(map[string]string)}
}

// ActiveSkill returns the loaded skill name, empty in router mode.
func (s *SessionContext) ActiveSkill() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeSkill
}

// SetActiveSkill records a skill switch. Empty returns to router mode.
func (s *SessionContext) SetActiveSkill(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeSkill = name
}

// SetSlot stores one context slot, overwriting any prior value.
func (s *SessionContext) SetSlot(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots[name] = value
}

// Slots returns a copy of the current context slots.
func (s *SessionContext) Slots() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.slots))
	for k, v := range s.slots {
		out[k] = v
	}
	return out
}

// ExtractSlots pulls context slots out of a successful call to a
// context-producing tool: first from the call parameters, then from the
// result payload when it is a JSON object, so a tool that resolves a value
// (say a device id) wins over what the caller asked for. Extraction
// overwrites prior slot values.
func (s *SessionContext) ExtractSlots(tool string, params map[string]any, result string) {
	if !contextProducingTools[tool] {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extractFrom(params)
	if strings.HasPrefix(strings.TrimSpace(result), "{") {
		var fields map[string]any
		if err := json.Unmarshal([]byte(result), &fields); err == nil {
			s.extractFrom(fields)
		}
	}
}

// extractFrom requires the mutex to be held.
func (s *SessionContext) extractFrom(fields map[string]any) {
	for param, slot := range slotParams {
		if v, ok := fields[param]; ok {
			if str, ok := v.(string); ok && str != "" {
				s.slots[slot] = str
			}
		}
	}
}

// AppendTurn records one completed exchange in the literal history.
func (s *SessionContext) AppendTurn(user, assistant llm.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, user, assistant)
}

// HistoryLen returns the number of stored messages.
func (s *SessionContext) HistoryLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}

// ComposeHistory builds the message list for the next LLM turn: when the
// session holds more messages than the literal window keeps, one synthetic
// user turn carrying the summary plus one synthetic assistant acknowledgment
// are prepended; then the last keepLastN literal messages; then the current
// message.
func (s *SessionContext) ComposeHistory(current string) []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []llm.Message
	if len(s.history) > keepLastN && len(s.summary) > 0 {
		out = append(out,
			llm.Message{Role: "user", Content: "Summary of the conversation so far:\n" + strings.Join(s.summary, "\n")},
			llm.Message{Role: "assistant", Content: "Understood. Continuing from that context."},
		)
	}
	start := len(s.history) - keepLastN
	if start < 0 {
		start = 0
	}
	out = append(out, s.history[start:]...)
	out = append(out, llm.Message{Role: "user", Content: current})
	return out
}

// UpdateSummary appends one compressed line for the turn and trims to the
// last summaryMaxLines. The line is the first 30 chars of the user message
// and either the first tool invoked or the first 50 chars of the assistant
// response.
func (s *SessionContext) UpdateSummary(userMessage, firstTool, assistantText string) {
	action := firstTool
	if action == "" {
		action = truncate(assistantText, 50)
	}
	if action == "" {
		return
	}
	line := fmt.Sprintf("• %s… → %s", truncate(userMessage, 30), action)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.summary = append(s.summary, line)
	if len(s.summary) > summaryMaxLines {
		s.summary = s.summary[len(s.summary)-summaryMaxLines:]
	}
}

// Summary returns the rolling summary lines.
func (s *SessionContext) Summary() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.summary))
	copy(out, s.summary)
	return out
}

// InjectSlots renders the system prompt with current context slots appended.
func (s *SessionContext) InjectSlots(systemPrompt string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.slots) == 0 {
		return systemPrompt
	}
	var b strings.Builder
	b.WriteString(systemPrompt)
	b.WriteString("\n\nCurrent context:")
	for _, slot := range []string{SlotInterface, SlotTreeID, SlotHost, SlotDevice} {
		if v, ok := s.slots[slot]; ok {
			fmt.Fprintf(&b, "\n- %s: %s", slot, v)
		}
	}
	return b.String()
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
