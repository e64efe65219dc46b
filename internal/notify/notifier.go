package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/shaiso/Stagehand/internal/domain"
	"github.com/shaiso/Stagehand/internal/telemetry"
)

// Notifier получает событие о завершении run.
type Notifier interface {
	Notify(ctx context.Context, ev domain.RunEvent) error
}

// LogNotifier пишет итог run в лог.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: telemetry.Component(logger, "notify")}
}

func (n *LogNotifier) Notify(_ context.Context, ev domain.RunEvent) error {
	logger := telemetry.WithRunID(n.logger, ev.RunID.String()).With(
		"pipeline", ev.PipelineType,
		"status", ev.Status,
		"duration", ev.Duration,
	)
	if ev.Status == domain.RunStatusFailed {
		logger.Error("run finished", "stage", ev.Stage, "error", ev.Error)
	} else {
		logger.Info("run finished")
	}
	telemetry.Notifications.WithLabelValues("log", "sent").Inc()
	return nil
}

// Multi рассылает событие всем notifier.
// Ошибка одного не мешает остальным; ошибки объединяются.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev domain.RunEvent) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// record учитывает результат отправки в метриках.
func record(sink string, err error) {
	result := "sent"
	if err != nil {
		result = "failed"
	}
	telemetry.Notifications.WithLabelValues(sink, result).Inc()
}
