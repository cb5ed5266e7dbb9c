package notifications

import (
	"context"
	"time"
)

// sender is the common surface SchedulerNotifier drives both TelegramService
// and EmailService through.
type sender interface {
	IsEnabled() bool
	Send(ctx context.Context, notification *Notification) error
}

// SchedulerNotifier fans run-outcome events out to every enabled channel
// (Telegram, email), reporting run outcomes rather than the backup-job-
// specific events the teacher's notifier methods were written for.
type SchedulerNotifier struct {
	channels []sender
}

// NewSchedulerNotifier builds a Notifier backed by Telegram and email. A
// disabled channel silently no-ops (see IsEnabled) and a nil channel is
// skipped, so either argument may be omitted.
func NewSchedulerNotifier(telegram *TelegramService, email *EmailService) *SchedulerNotifier {
	n := &SchedulerNotifier{}
	if telegram != nil {
		n.channels = append(n.channels, telegram)
	}
	if email != nil {
		n.channels = append(n.channels, email)
	}
	return n
}

func (n *SchedulerNotifier) send(ctx context.Context, notification *Notification) {
	for _, ch := range n.channels {
		if !ch.IsEnabled() {
			continue
		}
		ch.Send(ctx, notification)
	}
}

// NotifyRunSucceeded reports a scheduled task's successful completion.
func (n *SchedulerNotifier) NotifyRunSucceeded(ctx context.Context, taskName string, durationSeconds int64) {
	n.send(ctx, &Notification{
		Type:      NotifyBackupComplete,
		Title:     "Scheduled Task Succeeded",
		Message:   taskName,
		Priority:  "normal",
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"task":             taskName,
			"duration_seconds": durationSeconds,
		},
	})
}

// NotifyRunFailed reports a scheduled task's failure.
func (n *SchedulerNotifier) NotifyRunFailed(ctx context.Context, taskName string, errMsg string) {
	n.send(ctx, &Notification{
		Type:      NotifyBackupFailed,
		Title:     "Scheduled Task Failed",
		Message:   taskName + ": " + errMsg,
		Priority:  "urgent",
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"task":  taskName,
			"error": errMsg,
		},
	})
}
