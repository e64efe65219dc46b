package mq

import (
	"context"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

type Exchange string

type Queue string

type RoutingKey string

const (
	ExchangeRuns Exchange = "stagehand.runs"
	ExchangeDLQ  Exchange = "stagehand.dlq"
)

const (
	QueueRunsPending  Queue = "runs.pending"
	QueueRunsFinished Queue = "runs.finished"
	QueueDLQRuns      Queue = "dlq.runs"
)

const (
	RoutingKeyPending  RoutingKey = "pending"
	RoutingKeyFinished RoutingKey = "finished"
	RoutingKeyDLQRuns  RoutingKey = "runs"
)

// pendingTTL — nudge старше минуты бесполезен: supervisor уже опросил БД.
const pendingTTL = 60_000

// SetupTopology объявляет exchanges и очереди. Операция идемпотентна.
func SetupTopology(ctx context.Context, conn *Connection) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		for _, ex := range []Exchange{ExchangeRuns, ExchangeDLQ} {
			if err := ch.ExchangeDeclare(string(ex), "direct", true, false, false, false, nil); err != nil {
				return fmt.Errorf("declare exchange %s: %w", ex, err)
			}
		}

		queues := []struct {
			name     Queue
			key      RoutingKey
			exchange Exchange
			args     amqp.Table
		}{
			{QueueRunsPending, RoutingKeyPending, ExchangeRuns, amqp.Table{"x-message-ttl": int32(pendingTTL)}},
			// runs.finished читают внешние потребители; необработанные уходят в DLQ
			{QueueRunsFinished, RoutingKeyFinished, ExchangeRuns, amqp.Table{
				"x-dead-letter-exchange":    string(ExchangeDLQ),
				"x-dead-letter-routing-key": string(RoutingKeyDLQRuns),
			}},
			{QueueDLQRuns, RoutingKeyDLQRuns, ExchangeDLQ, nil},
		}

		for _, q := range queues {
			if _, err := ch.QueueDeclare(string(q.name), true, false, false, false, q.args); err != nil {
				return fmt.Errorf("declare queue %s: %w", q.name, err)
			}
			if err := ch.QueueBind(string(q.name), string(q.key), string(q.exchange), false, nil); err != nil {
				return fmt.Errorf("bind queue %s to %s: %w", q.name, q.exchange, err)
			}
		}
		return nil
	})
}

// TopologyInfo возвращает схему топологии для логов при старте.
func TopologyInfo() string {
	return `
  stagehand.runs (direct)
  ├── runs.pending  [routing: pending]   consumer: supervisor (nudge)
  └── runs.finished [routing: finished]  consumer: external, DLQ: dlq.runs
  stagehand.dlq (direct)
  └── dlq.runs      [routing: runs]
`
}

// Dial подключается к RABBITMQ_URL и объявляет топологию.
// Без RABBITMQ_URL возвращает nil, nil: процессы работают через опрос БД.
func Dial(ctx context.Context, name string, logger *slog.Logger) (*Connection, error) {
	url := URLFromEnv()
	if url == "" {
		return nil, nil
	}

	conn, err := NewConnection(url, name, logger)
	if err != nil {
		return nil, err
	}
	if err := SetupTopology(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("setup topology: %w", err)
	}
	return conn, nil
}
