package supervisor

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Stagehand/internal/domain"
)

// RunStore — хранилище runs. Все изменения идут через CompareAndSwap.
type RunStore interface {
	// ListActive возвращает ACTIVE runs и завершённые, о которых ещё не уведомили,
	// по порядку (CreatedAt, ID) строго после after.
	ListActive(ctx context.Context, after domain.RunCursor, limit int) ([]domain.Run, error)

	GetByID(ctx context.Context, id uuid.UUID) (*domain.Run, error)

	// CompareAndSwap записывает run, если хранимая версия равна expectedVersion.
	// false без ошибки — run успел измениться. При успехе run.Version обновляется.
	CompareAndSwap(ctx context.Context, expectedVersion int64, run *domain.Run) (bool, error)
}

// StageCatalog — определения pipeline по типу.
type StageCatalog interface {
	Get(ctx context.Context, pipelineType string) (*domain.Pipeline, error)
}

// JobDriver — создание и наблюдение job в оркестраторе.
type JobDriver interface {
	// Submit идемпотентен для одной (run, stage, attempt).
	Submit(ctx context.Context, req domain.JobRequest) (domain.JobRef, error)

	// Ref — ссылка на job попытки, не создавая его.
	Ref(req domain.JobRequest) domain.JobRef

	Status(ctx context.Context, ref domain.JobRef) (domain.Observation, error)
	Diagnostics(ctx context.Context, ref domain.JobRef) (string, error)
	Cleanup(ctx context.Context, ref domain.JobRef)
}

// Notifier получает событие о завершении run.
type Notifier interface {
	Notify(ctx context.Context, ev domain.RunEvent) error
}

// AttemptRecorder — необязательный аудит попыток.
type AttemptRecorder interface {
	RecordSubmitted(ctx context.Context, a *domain.JobAttempt) error
	RecordOutcome(ctx context.Context, runID uuid.UUID, stage string, attempt int, outcome domain.AttemptOutcome, errText string, finishedAt time.Time) error
}
