package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// GatewayExecutor dispatches tool calls to an external tool-runtime gateway
// over HTTP. The gateway owns device connections, UI automation, and test
// infrastructure; the core only sees the uniform (name, params) contract.
type GatewayExecutor struct {
	baseURL string
	http    *http.Client

	mu    sync.RWMutex
	specs map[string]ToolSpec
}

// NewGatewayExecutor creates the executor and loads the tool catalog from
// GET <baseURL>/tools. The catalog is fetched once at startup; the gateway
// restarts the core when its tool surface changes.
func NewGatewayExecutor(ctx context.Context, baseURL string, timeout time.Duration) (*GatewayExecutor, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("tool gateway URL is required")
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	g := &GatewayExecutor{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		specs:   make(map[string]ToolSpec),
	}
	if err := g.loadCatalog(ctx); err != nil {
		return nil, err
	}
	return g, nil
}

type executeRequest struct {
	Tool   string         `json:"tool"`
	Params map[string]any `json:"params"`
}

// Execute POSTs the call to <baseURL>/tools/execute. A non-2xx status is a
// transport error; tool-level failures come back as Result.IsError.
func (g *GatewayExecutor) Execute(ctx context.Context, name string, params map[string]any) (*Result, error) {
	raw, err := json.Marshal(executeRequest{Tool: name, Params: params})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tool call: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.baseURL+"/tools/execute", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to build tool request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tool gateway request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read tool response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tool gateway returned status %d for %q", resp.StatusCode, name)
	}

	var result Result
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse tool result for %q: %w", name, err)
	}
	return &result, nil
}

// Describe returns catalog specs for the requested names. Unknown names are
// skipped so a stale agent definition degrades to a smaller tool set.
func (g *GatewayExecutor) Describe(names []string) []ToolSpec {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []ToolSpec
	for _, name := range names {
		if spec, ok := g.specs[name]; ok {
			out = append(out, spec)
		}
	}
	return out
}

// Known returns the number of catalog entries, for startup logging.
func (g *GatewayExecutor) Known() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.specs)
}

type catalogEntry struct {
	Name             string          `json:"name"`
	Description      string          `json:"description"`
	ParametersSchema json.RawMessage `json:"parameters_schema"`
}

func (g *GatewayExecutor) loadCatalog(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/tools", nil)
	if err != nil {
		return fmt.Errorf("failed to build catalog request: %w", err)
	}
	resp, err := g.http.Do(req)
	if err != nil {
		return fmt.Errorf("tool catalog fetch failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tool catalog fetch returned status %d", resp.StatusCode)
	}

	var entries []catalogEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return fmt.Errorf("failed to parse tool catalog: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, entry := range entries {
		schema := string(entry.ParametersSchema)
		if schema == "" {
			schema = "{}"
		}
		g.specs[entry.Name] = ToolSpec{
			Name:             entry.Name,
			Description:      entry.Description,
			ParametersSchema: schema,
		}
	}
	return nil
}
