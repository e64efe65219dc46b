package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Stagehand/internal/domain"
	"github.com/shaiso/Stagehand/internal/repo"
	"github.com/shaiso/Stagehand/internal/telemetry"
)

// RunStore — runs. Отмена идёт через CompareAndSwap, как и в supervisor.
type RunStore interface {
	Create(ctx context.Context, run *domain.Run) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Run, error)
	GetByIdempotencyKey(ctx context.Context, pipelineType, key string) (*domain.Run, error)
	List(ctx context.Context, filter repo.RunFilter) ([]domain.Run, error)
	CompareAndSwap(ctx context.Context, expectedVersion int64, run *domain.Run) (bool, error)
}

// PipelineStore — определения pipelines.
type PipelineStore interface {
	Get(ctx context.Context, pipelineType string) (*domain.Pipeline, error)
	List(ctx context.Context) ([]domain.Pipeline, error)
	Upsert(ctx context.Context, p *domain.Pipeline) error
	Delete(ctx context.Context, pipelineType string) error
}

// AttemptStore — аудит попыток.
type AttemptStore interface {
	ListByRun(ctx context.Context, runID uuid.UUID) ([]domain.JobAttempt, error)
}

// ScheduleStore — расписания.
type ScheduleStore interface {
	Create(ctx context.Context, schedule *domain.Schedule) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Schedule, error)
	List(ctx context.Context, filter repo.ScheduleFilter) ([]domain.Schedule, error)
	Update(ctx context.Context, schedule *domain.Schedule) error
	Delete(ctx context.Context, id uuid.UUID) error
	SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) error
}

// Publisher будит supervisor после создания run.
type Publisher interface {
	PublishRunPending(ctx context.Context, runID uuid.UUID, pipelineType string) error
}

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	pipelines PipelineStore
	runs      RunStore
	attempts  AttemptStore
	schedules ScheduleStore
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// Config — конфигурация для создания Handler.
type Config struct {
	Pipelines PipelineStore
	Runs      RunStore
	Attempts  AttemptStore  // может быть nil
	Schedules ScheduleStore // может быть nil
	Publisher Publisher     // может быть nil
	Logger    *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	return &Handler{
		pipelines: cfg.Pipelines,
		runs:      cfg.Runs,
		attempts:  cfg.Attempts,
		schedules: cfg.Schedules,
		publisher: cfg.Publisher,
		logger:    telemetry.Component(cfg.Logger, "api"),
		now:       time.Now,
	}
}
