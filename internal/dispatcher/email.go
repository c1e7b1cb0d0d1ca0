package dispatcher

import (
	"context"

	"go.uber.org/zap"
)

// EmailSender delivers a notification e-mail.
type EmailSender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// LogEmailSender writes e-mails to the log instead of sending them.
type LogEmailSender struct {
	Logger *zap.Logger
}

func (s LogEmailSender) Send(_ context.Context, to, subject, body string) error {
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("email notification",
		zap.String("to", to),
		zap.String("subject", subject),
		zap.Int("body_bytes", len(body)),
	)
	return nil
}
