package analysis

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ArtifactFetcher retrieves report and log artifacts over HTTP so their
// contents can be folded into the classifier prompt verbatim. Fetching them
// server-side keeps the model from spending tokens on fetch tool calls.
type ArtifactFetcher struct {
	client         *http.Client
	allowedDomains []string
	maxBytes       int64
}

// NewArtifactFetcher creates the fetcher. An empty allowedDomains list
// permits any host.
func NewArtifactFetcher(timeout time.Duration, allowedDomains []string, maxBytes int64) *ArtifactFetcher {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if maxBytes <= 0 {
		maxBytes = 512 * 1024
	}
	return &ArtifactFetcher{
		client:         &http.Client{Timeout: timeout},
		allowedDomains: allowedDomains,
		maxBytes:       maxBytes,
	}
}

// Fetch downloads one artifact, bounded by the configured size limit.
func (f *ArtifactFetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	if rawURL == "" {
		return "", nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid artifact URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("unsupported artifact URL scheme %q", parsed.Scheme)
	}
	if !f.domainAllowed(parsed.Hostname()) {
		return "", fmt.Errorf("artifact host %q is not in the allowed domains", parsed.Hostname())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build artifact request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("artifact fetch failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("artifact fetch returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read artifact body: %w", err)
	}
	return string(body), nil
}

func (f *ArtifactFetcher) domainAllowed(host string) bool {
	if len(f.allowedDomains) == 0 {
		return true
	}
	for _, domain := range f.allowedDomains {
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}
