package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/Stagehand/internal/domain"
)

// MessageType — тип события.
type MessageType string

const (
	MessageTypeRunPending  MessageType = "run.pending"
	MessageTypeRunFinished MessageType = "run.finished"
)

// Message — конверт события.
type Message struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	Payload   any         `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// RunPendingPayload — run готов к обработке.
type RunPendingPayload struct {
	RunID        uuid.UUID `json:"run_id"`
	PipelineType string    `json:"pipeline_type"`
}

// RunFinishedPayload — итог run для внешних потребителей.
type RunFinishedPayload struct {
	RunID        uuid.UUID        `json:"run_id"`
	PipelineType string           `json:"pipeline_type"`
	Status       domain.RunStatus `json:"status"`
	Stage        string           `json:"stage,omitempty"`
	Error        string           `json:"error,omitempty"`
	DurationMs   int64            `json:"duration_ms"`
	FinishedAt   time.Time        `json:"finished_at"`
}

// FinishedPayload собирает payload из события завершения.
func FinishedPayload(ev domain.RunEvent) RunFinishedPayload {
	return RunFinishedPayload{
		RunID:        ev.RunID,
		PipelineType: ev.PipelineType,
		Status:       ev.Status,
		Stage:        ev.Stage,
		Error:        ev.Error,
		DurationMs:   ev.Duration.Milliseconds(),
		FinishedAt:   ev.FinishedAt,
	}
}

// Publisher публикует события run.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{conn: conn, logger: logger}
}

// Publish отправляет persistent сообщение в exchange.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(ctx, string(exchange), string(routingKey), false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    msg.ID,
			Type:         string(msg.Type),
			Timestamp:    msg.Timestamp,
			Body:         body,
		})
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
		}

		p.logger.Debug("published message",
			"exchange", exchange,
			"routing_key", routingKey,
			"message_id", msg.ID,
			"type", msg.Type,
		)
		return nil
	})
}

func newMessage(t MessageType, payload any) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Type:      t,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// PublishRunPending будит supervisor. Потеря сообщения не критична.
func (p *Publisher) PublishRunPending(ctx context.Context, runID uuid.UUID, pipelineType string) error {
	msg := newMessage(MessageTypeRunPending, RunPendingPayload{RunID: runID, PipelineType: pipelineType})
	return p.Publish(ctx, ExchangeRuns, RoutingKeyPending, msg)
}

// PublishRunFinished публикует итог run.
func (p *Publisher) PublishRunFinished(ctx context.Context, payload RunFinishedPayload) error {
	return p.Publish(ctx, ExchangeRuns, RoutingKeyFinished, newMessage(MessageTypeRunFinished, payload))
}
