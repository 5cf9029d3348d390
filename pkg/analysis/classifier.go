package analysis

import (
	"context"
	"fmt"
	"strings"

	"github.com/horizon-qa/atlas/pkg/llm"
	"github.com/horizon-qa/atlas/pkg/models"
)

const classifierSystemPrompt = `You are a QA result classifier. Given a test execution outcome and its
artifacts, classify it as exactly one of:

- VALID_PASS: the test passed and the artifacts support that outcome.
- VALID_FAIL: the test failed on a legitimate product defect.
- BUG: the artifact evidence contradicts the declared outcome.
- SCRIPT_ISSUE: the failure is a selector, timing, or test-code fault.
- SYSTEM_ISSUE: the failure is environmental (blackscreen, no signal,
  device offline).

Reply with a line "Classification: <value>" followed by one short paragraph
of reasoning.`

// Classifier turns one completion payload plus fetched artifacts into a
// classification verdict via the LLM.
type Classifier struct {
	llm llm.Client
}

// NewClassifier creates the classifier.
func NewClassifier(client llm.Client) *Classifier {
	return &Classifier{llm: client}
}

// Classify builds the prompt with artifact contents folded in verbatim,
// invokes the LLM, and parses the verdict.
func (c *Classifier) Classify(ctx context.Context, payload models.AnalysisPayload, report, logs string) (*models.AnalysisResult, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Script: %s\nDeclared outcome: success=%t\n", payload.ScriptName, payload.Success)
	if report != "" {
		b.WriteString("\n--- Report ---\n")
		b.WriteString(report)
	}
	if logs != "" {
		b.WriteString("\n--- Logs ---\n")
		b.WriteString(logs)
	}

	resp, err := c.llm.Generate(ctx, &llm.GenerateInput{
		SessionID:    "analysis:" + payload.ScriptResultID,
		SystemPrompt: classifierSystemPrompt,
		Messages:     []llm.Message{{Role: "user", Content: b.String()}},
	})
	if err != nil {
		return nil, fmt.Errorf("classifier LLM call failed: %w", err)
	}

	classification, reasoning, err := parseVerdict(resp.Text)
	if err != nil {
		return nil, err
	}

	return &models.AnalysisResult{
		ScriptResultID: payload.ScriptResultID,
		ScriptName:     payload.ScriptName,
		Classification: classification,
		Discard:        classification.Discard(),
		Reasoning:      reasoning,
	}, nil
}

// parseVerdict extracts "Classification: <value>" from the response text.
func parseVerdict(text string) (models.Classification, string, error) {
	var classification models.Classification
	var reasoning []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if value, ok := strings.CutPrefix(trimmed, "Classification:"); ok && classification == "" {
			classification = models.Classification(strings.TrimSpace(value))
			continue
		}
		if trimmed != "" {
			reasoning = append(reasoning, trimmed)
		}
	}
	if classification == "" {
		return "", "", fmt.Errorf("classifier response carries no classification line")
	}
	if !classification.IsValid() {
		return "", "", fmt.Errorf("classifier returned unknown classification %q", classification)
	}
	return classification, strings.Join(reasoning, " "), nil
}
