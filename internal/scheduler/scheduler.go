package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Stagehand/internal/domain"
	"github.com/shaiso/Stagehand/internal/repo"
	"github.com/shaiso/Stagehand/internal/telemetry"
)

// ScheduleStore — хранилище расписаний.
type ScheduleStore interface {
	ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Schedule, error)
	Update(ctx context.Context, schedule *domain.Schedule) error
}

// RunCreator — создание runs с проверкой идемпотентности.
// GetByID нужен для статуса последнего run расписания.
type RunCreator interface {
	Create(ctx context.Context, run *domain.Run) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Run, error)
	GetByIdempotencyKey(ctx context.Context, pipelineType, key string) (*domain.Run, error)
}

// Catalog — определения pipeline.
type Catalog interface {
	Get(ctx context.Context, pipelineType string) (*domain.Pipeline, error)
}

// Publisher будит supervisor после создания run.
type Publisher interface {
	PublishRunPending(ctx context.Context, runID uuid.UUID, pipelineType string) error
}

// Scheduler создаёт runs по наступившим расписаниям.
type Scheduler struct {
	schedules ScheduleStore
	runs      RunCreator
	catalog   Catalog
	publisher Publisher
	logger    *slog.Logger
	batchSize int
	now       func() time.Time
}

// Config — конфигурация Scheduler.
type Config struct {
	Schedules ScheduleStore
	Runs      RunCreator
	Catalog   Catalog
	Publisher Publisher // может быть nil
	Logger    *slog.Logger
	BatchSize int // количество schedules за один тик (default: 100)
	Now       func() time.Time
}

// New создаёт новый Scheduler.
func New(cfg Config) *Scheduler {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Scheduler{
		schedules: cfg.Schedules,
		runs:      cfg.Runs,
		catalog:   cfg.Catalog,
		publisher: cfg.Publisher,
		logger:    telemetry.Component(cfg.Logger, "scheduler"),
		batchSize: batchSize,
		now:       now,
	}
}

// fireOutcome — чем закончилось срабатывание.
type fireOutcome string

const (
	fireCreated  fireOutcome = "created"
	fireExisting fireOutcome = "existing"
	fireSkipped  fireOutcome = "skipped"
	fireNone     fireOutcome = ""
)

// Tick обрабатывает наступившие срабатывания.
//
// Для каждого расписания: снимок стадий из каталога, run с ключом
// срабатывания (или уже существующий), сдвиг next_due_at и run.pending.
// Ошибка одного расписания не останавливает остальные.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := s.now().UTC()

	schedules, err := s.schedules.ListDue(ctx, now, s.batchSize)
	if err != nil {
		return fmt.Errorf("list due schedules: %w", err)
	}
	if len(schedules) == 0 {
		return nil
	}

	counts := make(map[fireOutcome]int)
	for i := range schedules {
		sched := &schedules[i]
		outcome, err := s.fire(ctx, sched, now)
		if err != nil {
			s.logger.Error("failed to fire schedule",
				"schedule_id", sched.ID,
				"schedule_name", sched.Name,
				"error", err,
			)
			continue
		}
		if outcome != fireNone {
			counts[outcome]++
			telemetry.ScheduleFires.WithLabelValues(string(outcome)).Inc()
		}
	}

	s.logger.Info("scheduler tick completed",
		"due", len(schedules),
		"runs_created", counts[fireCreated],
		"runs_existing", counts[fireExisting],
		"skipped", counts[fireSkipped],
	)
	return nil
}

// fire обрабатывает одно наступившее срабатывание.
func (s *Scheduler) fire(ctx context.Context, sched *domain.Schedule, now time.Time) (fireOutcome, error) {
	logger := s.logger.With("schedule_id", sched.ID, "pipeline", sched.PipelineType)

	pipeline, err := s.catalog.Get(ctx, sched.PipelineType)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		// next_due_at стоит на месте: run появится, когда pipeline зарегистрируют
		logger.Warn("pipeline not found for schedule, skipping")
		return fireNone, nil
	case err != nil:
		return fireNone, fmt.Errorf("get pipeline: %w", err)
	}

	nextDue, err := CalculateNextDue(sched, now)
	if err != nil {
		// без следующего срабатывания расписание стоит, пока его не исправят
		logger.Error("failed to calculate next due, disabling schedule", "error", err)
		sched.Enabled = false
		sched.UpdatedAt = now
		if err := s.schedules.Update(ctx, sched); err != nil {
			return fireNone, fmt.Errorf("disable schedule: %w", err)
		}
		return fireNone, nil
	}

	due := now
	if sched.NextDueAt != nil {
		due = *sched.NextDueAt
	}
	key := sched.FireKey(due)

	run, err := s.runs.GetByIdempotencyKey(ctx, sched.PipelineType, key)
	outcome := fireExisting
	switch {
	case errors.Is(err, repo.ErrNotFound):
		last, err := s.lastRun(ctx, sched)
		if err != nil {
			return fireNone, err
		}
		sched.ObserveLastRun(last)
		if sched.Blocks(last) {
			logger.Info("previous run still active, firing skipped", "run_id", last.ID, "next_due", nextDue)
			sched.RecordSkip(nextDue, now)
			if err := s.schedules.Update(ctx, sched); err != nil {
				return fireNone, fmt.Errorf("update schedule: %w", err)
			}
			return fireSkipped, nil
		}

		run, outcome, err = s.createRun(ctx, sched, pipeline, key)
		if err != nil {
			return fireNone, err
		}
	case err != nil:
		return fireNone, fmt.Errorf("check idempotency: %w", err)
	default:
		logger.Debug("run already exists for firing", "run_id", run.ID, "idempotency_key", key)
	}

	sched.RecordFire(run, nextDue, now)
	if err := s.schedules.Update(ctx, sched); err != nil {
		return fireNone, fmt.Errorf("update schedule: %w", err)
	}

	if s.publisher != nil && outcome == fireCreated {
		if err := s.publisher.PublishRunPending(ctx, run.ID, sched.PipelineType); err != nil {
			// run уже сохранён, supervisor найдёт его опросом
			logger.Warn("failed to publish run.pending", "run_id", run.ID, "error", err)
		}
	}
	return outcome, nil
}

// lastRun возвращает последний run расписания или nil, если его нет.
func (s *Scheduler) lastRun(ctx context.Context, sched *domain.Schedule) (*domain.Run, error) {
	if sched.LastRunID == nil {
		return nil, nil
	}
	run, err := s.runs.GetByID(ctx, *sched.LastRunID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("get last run: %w", err)
	}
	return run, nil
}

// createRun создаёт run срабатывания. Гонку с другим scheduler
// разрешает уникальный ключ идемпотентности.
func (s *Scheduler) createRun(ctx context.Context, sched *domain.Schedule, pipeline *domain.Pipeline, key string) (*domain.Run, fireOutcome, error) {
	run := domain.NewRun(sched.PipelineType, pipeline.Stages, sched.Inputs)
	run.IdempotencyKey = key

	err := s.runs.Create(ctx, run)
	switch {
	case errors.Is(err, repo.ErrAlreadyExists):
		existing, getErr := s.runs.GetByIdempotencyKey(ctx, sched.PipelineType, key)
		if getErr != nil {
			return nil, fireNone, fmt.Errorf("get existing run: %w", getErr)
		}
		return existing, fireExisting, nil
	case err != nil:
		return nil, fireNone, fmt.Errorf("create run: %w", err)
	}

	s.logger.Info("created run from schedule",
		"run_id", run.ID,
		"schedule_id", sched.ID,
		"schedule_name", sched.Name,
		"pipeline", sched.PipelineType,
		"stages", len(run.Stages),
		"idempotency_key", key,
	)
	return run, fireCreated, nil
}
