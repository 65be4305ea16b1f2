package nats

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
	"github.com/kirillkom/hybrid-rag/internal/infrastructure/resilience"
)

const DefaultNotifySubject = "documents.notify"

// Notifier publishes document status events; delivery is best effort.
type Notifier struct {
	conn     *nats.Conn
	subject  string
	executor *resilience.Executor
}

func NewNotifier(conn *nats.Conn, subject string, executor *resilience.Executor) *Notifier {
	if subject == "" {
		subject = DefaultNotifySubject
	}
	return &Notifier{conn: conn, subject: subject, executor: executor}
}

func (n *Notifier) Notify(ctx context.Context, event domain.NotificationEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return resilience.Run(ctx, n.executor, "nats.notify", func(context.Context) error {
		if err := n.conn.Publish(n.subject, data); err != nil {
			return fmt.Errorf("nats publish: %w", err)
		}
		return nil
	}, classifyNATSError)
}
