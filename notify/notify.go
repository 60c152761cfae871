// Package notify delivers execution outcome notifications. Delivery is
// fire-and-forget: a failed notification is logged and never affects the
// workflow that produced it.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loomworks/loom/execution"
)

// Notification is one outbound message.
type Notification struct {
	Recipients []string
	Subject    string
	Body       string
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to a slog logger. It is the default
// when no real transport is configured.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a Notifier backed by slog.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, msg Notification) error {
	n.logger.Info("notification",
		slog.Any("recipients", msg.Recipients),
		slog.String("subject", msg.Subject),
		slog.String("body", msg.Body),
	)
	return nil
}

// Extension bridges execution outcomes to a Notifier using the
// definition's NotificationRecipients. Register it with the ext registry.
type Extension struct {
	notifier   Notifier
	recipients func(e *execution.Execution) []string
	logger     *slog.Logger
}

// NewExtension creates the bridge. recipients resolves the recipient list
// for an execution, typically from its pinned definition's settings.
func NewExtension(notifier Notifier, recipients func(e *execution.Execution) []string, logger *slog.Logger) *Extension {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extension{notifier: notifier, recipients: recipients, logger: logger}
}

func (x *Extension) Name() string { return "notify" }

func (x *Extension) OnExecutionCompleted(ctx context.Context, e *execution.Execution) {
	x.send(ctx, e, "workflow succeeded",
		fmt.Sprintf("execution %s of workflow %s finished successfully", e.ID, e.WorkflowID))
}

func (x *Extension) OnExecutionFailed(ctx context.Context, e *execution.Execution) {
	body := fmt.Sprintf("execution %s of workflow %s failed", e.ID, e.WorkflowID)
	if e.Failure != nil {
		body += ": " + e.Failure.Message
	}
	x.send(ctx, e, "workflow failed", body)
}

func (x *Extension) send(ctx context.Context, e *execution.Execution, subject, body string) {
	recipients := x.recipients(e)
	if len(recipients) == 0 {
		return
	}
	err := x.notifier.Notify(ctx, Notification{
		Recipients: recipients,
		Subject:    subject,
		Body:       body,
	})
	if err != nil {
		x.logger.Warn("notification delivery failed",
			slog.String("execution_id", e.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}
