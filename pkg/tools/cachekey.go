package tools

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// CacheKey derives the result-cache key for a tool call: SHA-256 of the tool
// name concatenated with the canonical JSON of its parameters, truncated to
// 16 bytes and hex encoded. Canonicalization relies on JSON object keys being
// emitted in sorted order, so identical calls with different map iteration
// orders produce the same key.
func CacheKey(tool string, params map[string]any) (string, error) {
	canonical, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize params for %s: %w", tool, err)
	}
	sum := sha256.Sum256(append([]byte(tool), canonical...))
	return hex.EncodeToString(sum[:16]), nil
}
