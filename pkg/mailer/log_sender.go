package mailer

import (
	"context"

	"go.uber.org/zap"
)

// LogSender writes messages to the log instead of delivering them. Used
// in development when no SendGrid key is configured.
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender constructs a log-backed sender.
func NewLogSender(logger *zap.Logger) *LogSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSender{logger: logger}
}

// Send logs the message and reports success.
func (s *LogSender) Send(ctx context.Context, msg Message) error {
	s.logger.Info("email suppressed (log sender)",
		zap.String("to", msg.ToEmail),
		zap.String("subject", msg.Subject))
	return nil
}
