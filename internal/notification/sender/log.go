package sender

import (
	"context"
	"log/slog"

	"dossier/internal/notification/models"
)

// LogSender writes notifications to the structured log. Used when no broker
// is configured.
type LogSender struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, msg models.Message) error {
	s.logger.InfoContext(ctx, "notification",
		"notification_id", msg.NotificationID,
		"kind", string(msg.Kind),
		"confirmation_number", msg.ConfirmationNumber,
		"recipient", msg.Recipient,
		"artifact_ref", msg.ArtifactRef,
		"attempt", msg.Attempt,
	)
	return nil
}
