package llm

import (
	"context"
	"fmt"
	"sync"
)

// StubClient is a scripted Client for tests: it returns queued responses in
// order and records every input it receives.
type StubClient struct {
	mu        sync.Mutex
	responses []*Response
	calls     []*GenerateInput
	closed    bool
}

// NewStubClient creates a stub that will return the given responses in order.
func NewStubClient(responses ...*Response) *StubClient {
	return &StubClient{responses: responses}
}

// Enqueue appends another scripted response.
func (s *StubClient) Enqueue(resp *Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, resp)
}

// Generate pops the next scripted response.
func (s *StubClient) Generate(_ context.Context, input *GenerateInput) (*Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, input)
	if len(s.responses) == 0 {
		return nil, fmt.Errorf("stub LLM has no scripted response for call %d", len(s.calls))
	}
	resp := s.responses[0]
	s.responses = s.responses[1:]
	return resp, nil
}

// Calls returns every recorded input.
func (s *StubClient) Calls() []*GenerateInput {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*GenerateInput, len(s.calls))
	copy(out, s.calls)
	return out
}

// Close marks the stub closed.
func (s *StubClient) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
