package notify

import (
	"context"
	"log/slog"

	"github.com/audax/qabel-index/internal/index/fields"
	"github.com/audax/qabel-index/pkg/email"
	"github.com/audax/qabel-index/pkg/requestcontext"
)

// LogNotifier writes the rendered message to the log instead of delivering
// it. Used in development when no SMTP relay is configured.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Send(ctx context.Context, msg Message) error {
	subject, body, err := Render(msg)
	if err != nil {
		return err
	}
	to := msg.To
	if msg.Channel == fields.Email {
		to = email.Mask(to)
	}
	n.logger.InfoContext(ctx, "verification notification",
		"channel", string(msg.Channel),
		"to", to,
		"subject", subject,
		"body", body,
		"request_id", requestcontext.RequestID(ctx),
	)
	return nil
}
