package notify

import (
	"context"

	"github.com/shaiso/Stagehand/internal/domain"
	"github.com/shaiso/Stagehand/internal/mq"
)

// FinishedPublisher — часть mq.Publisher, нужная notifier.
type FinishedPublisher interface {
	PublishRunFinished(ctx context.Context, payload mq.RunFinishedPayload) error
}

// QueueNotifier публикует run.finished в RabbitMQ.
type QueueNotifier struct {
	publisher FinishedPublisher
}

func NewQueueNotifier(publisher FinishedPublisher) *QueueNotifier {
	return &QueueNotifier{publisher: publisher}
}

func (n *QueueNotifier) Notify(ctx context.Context, ev domain.RunEvent) error {
	err := n.publisher.PublishRunFinished(ctx, mq.FinishedPayload(ev))
	record("rabbitmq", err)
	return err
}
