// Package tools defines the uniform tool dispatch contract and the per-tool
// result cache. The tool runtime itself is an external collaborator: tools
// are uniformly (name, params) -> result or error, with no tool-specific
// logic in the agent runtime.
package tools

import (
	"context"
	"fmt"
	"sync"
)

// Result is the outcome of one tool invocation.
type Result struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error"`
	// FinalWaitTime is declared by action-chain tools: the task loop yields
	// for this many seconds before the next LLM turn.
	FinalWaitTime float64 `json:"final_wait_time,omitempty"`
}

// Executor dispatches a tool call to the external tool runtime.
type Executor interface {
	Execute(ctx context.Context, name string, params map[string]any) (*Result, error)

	// Describe returns the tool definitions for the given names, for the LLM
	// tool catalog. Unknown names are skipped.
	Describe(names []string) []ToolSpec
}

// ToolSpec is the executor-side description of one tool.
type ToolSpec struct {
	Name             string
	Description      string
	ParametersSchema string // JSON Schema
}

// StubExecutor is a scripted Executor for tests. Results are keyed by tool
// name; every call is recorded.
type StubExecutor struct {
	mu      sync.Mutex
	results map[string]*Result
	specs   map[string]ToolSpec
	calls   []StubCall
}

// StubCall records one Execute invocation.
type StubCall struct {
	Name   string
	Params map[string]any
}

// NewStubExecutor creates an empty stub.
func NewStubExecutor() *StubExecutor {
	return &StubExecutor{
		results: make(map[string]*Result),
		specs:   make(map[string]ToolSpec),
	}
}

// Script sets the result returned for a tool name.
func (s *StubExecutor) Script(name string, result *Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[name] = result
	if _, ok := s.specs[name]; !ok {
		s.specs[name] = ToolSpec{Name: name, ParametersSchema: "{}"}
	}
}

// Execute returns the scripted result for the tool and records the call.
func (s *StubExecutor) Execute(_ context.Context, name string, params map[string]any) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, StubCall{Name: name, Params: params})
	result, ok := s.results[name]
	if !ok {
		return nil, fmt.Errorf("no scripted result for tool %q", name)
	}
	return result, nil
}

// Describe returns specs for the requested names.
func (s *StubExecutor) Describe(names []string) []ToolSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ToolSpec
	for _, name := range names {
		if spec, ok := s.specs[name]; ok {
			out = append(out, spec)
		} else {
			out = append(out, ToolSpec{Name: name, ParametersSchema: "{}"})
		}
	}
	return out
}

// Calls returns every recorded invocation.
func (s *StubExecutor) Calls() []StubCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StubCall, len(s.calls))
	copy(out, s.calls)
	return out
}
