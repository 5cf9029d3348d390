// Package slack sends optional team-chat notifications for analysis
// verdicts. A nil *Service is valid and does nothing, so callers never need
// to guard.
package slack

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	slackapi "github.com/slack-go/slack"

	"github.com/horizon-qa/atlas/pkg/models"
)

// Service posts notifications to a Slack channel.
type Service struct {
	client  *slackapi.Client
	channel string
	logger  *slog.Logger
}

// NewService creates the service from an environment-held token. Returns nil
// (a valid no-op service) when disabled or the token is absent.
func NewService(enabled bool, tokenEnv, channel string, logger *slog.Logger) *Service {
	if !enabled {
		return nil
	}
	token := os.Getenv(tokenEnv)
	if token == "" {
		logger.Warn("Slack notifications enabled but token env is empty", "token_env", tokenEnv)
		return nil
	}
	return &Service{
		client:  slackapi.New(token),
		channel: channel,
		logger:  logger.With("component", "slack"),
	}
}

// Enabled reports whether notifications will actually be sent.
func (s *Service) Enabled() bool {
	return s != nil && s.client != nil
}

// NotifyAnalysisResult posts a classification verdict. No-op on a nil
// service; failures are logged and swallowed.
func (s *Service) NotifyAnalysisResult(ctx context.Context, result *models.AnalysisResult) {
	if !s.Enabled() {
		return
	}

	emoji := ":white_check_mark:"
	if result.Classification != models.ClassificationValidPass {
		emoji = ":x:"
	}
	text := fmt.Sprintf("%s *%s* classified `%s`", emoji, result.ScriptName, result.Classification)
	if result.Discard {
		text += " (discarded from reporting)"
	}
	if result.Reasoning != "" {
		text += "\n> " + result.Reasoning
	}

	_, _, err := s.client.PostMessageContext(ctx, s.channel,
		slackapi.MsgOptionText(text, false),
	)
	if err != nil {
		s.logger.Warn("Failed to post Slack notification",
			"script_result_id", result.ScriptResultID, "error", err)
	}
}
