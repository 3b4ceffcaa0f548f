package notify

import (
	"context"
	"log/slog"

	"github.com/kalambet/studymate/internal/reminder"
)

// LogNotifier records each due reminder at info level.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(ctx context.Context, r reminder.Reminder) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, reminder.NotificationText(r),
		"reminder_id", r.ID,
		"subject", r.Subject,
		"due_at", r.DueAt.Format("15:04 02/01/2006"),
	)
	return nil
}
