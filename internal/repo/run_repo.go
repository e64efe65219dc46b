package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Stagehand/internal/domain"
)

// RunRepo — репозиторий runs в Postgres.
//
// Все изменения run после создания идут через CompareAndSwap:
// запись проходит только если версия в БД совпала с ожидаемой.
type RunRepo struct {
	pool *pgxpool.Pool
}

// NewRunRepo создаёт новый RunRepo.
func NewRunRepo(pool *pgxpool.Pool) *RunRepo {
	return &RunRepo{pool: pool}
}

const runColumns = `
	id, pipeline_type, stages, inputs, stage_index, stage_status, attempt_count,
	status, job_namespace, job_name, last_error, unknown_since, cancel_requested,
	notified, idempotency_key, version, created_at, updated_at, started_at, finished_at`

// Create создаёт новый run.
// Возвращает ErrAlreadyExists, если run с таким ключом идемпотентности уже есть.
func (r *RunRepo) Create(ctx context.Context, run *domain.Run) error {
	stagesJSON, err := json.Marshal(run.Stages)
	if err != nil {
		return fmt.Errorf("marshal stages: %w", err)
	}
	inputsJSON, err := json.Marshal(run.Inputs)
	if err != nil {
		return fmt.Errorf("marshal inputs: %w", err)
	}
	if run.Version == 0 {
		run.Version = 1
	}

	query := `
		INSERT INTO runs (id, pipeline_type, stages, inputs, stage_index, stage_status,
		                  attempt_count, status, idempotency_key, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err = r.pool.Exec(ctx, query,
		run.ID,
		run.PipelineType,
		stagesJSON,
		inputsJSON,
		run.StageIndex,
		run.StageStatus,
		run.AttemptCount,
		run.Status,
		nullString(run.IdempotencyKey),
		run.Version,
		run.CreatedAt,
		run.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetByID возвращает run по ID.
func (r *RunRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = $1`
	return scanRun(r.pool.QueryRow(ctx, query, id))
}

// GetByIdempotencyKey возвращает run по ключу идемпотентности.
func (r *RunRepo) GetByIdempotencyKey(ctx context.Context, pipelineType, key string) (*domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE pipeline_type = $1 AND idempotency_key = $2`
	return scanRun(r.pool.QueryRow(ctx, query, pipelineType, key))
}

// List возвращает список runs с фильтрацией.
func (r *RunRepo) List(ctx context.Context, filter RunFilter) ([]domain.Run, error) {
	query := `SELECT ` + runColumns + `
		FROM runs
		WHERE ($1::text IS NULL OR pipeline_type = $1)
		  AND ($2::text IS NULL OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`
	rows, err := r.pool.Query(ctx, query,
		nullString(filter.PipelineType),
		nullString(string(filter.Status)),
		filter.Limit,
		filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return collectRuns(rows)
}

// ListActive возвращает runs, которыми должен заняться supervisor:
// активные и завершённые, по которым ещё не закреплено уведомление.
// Обход идёт по (created_at, id) строго после after.
func (r *RunRepo) ListActive(ctx context.Context, after domain.RunCursor, limit int) ([]domain.Run, error) {
	var afterTime *time.Time
	if !after.IsZero() {
		afterTime = &after.CreatedAt
	}

	query := `SELECT ` + runColumns + `
		FROM runs
		WHERE (status = 'ACTIVE' OR notified = FALSE)
		  AND ($1::timestamptz IS NULL OR (created_at, id) > ($1::timestamptz, $2::uuid))
		ORDER BY created_at ASC, id ASC
		LIMIT $3
	`
	rows, err := r.pool.Query(ctx, query, afterTime, after.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("list active runs: %w", err)
	}
	return collectRuns(rows)
}

// CompareAndSwap записывает run, если версия в БД равна expectedVersion.
//
// Возвращает (false, nil), если версия уже другая: решение вызывающего устарело.
// При успехе run.Version становится expectedVersion+1.
func (r *RunRepo) CompareAndSwap(ctx context.Context, expectedVersion int64, run *domain.Run) (bool, error) {
	stagesJSON, err := json.Marshal(run.Stages)
	if err != nil {
		return false, fmt.Errorf("marshal stages: %w", err)
	}

	now := time.Now().UTC()
	query := `
		UPDATE runs
		SET stages = $3, stage_index = $4, stage_status = $5, attempt_count = $6,
		    status = $7, job_namespace = $8, job_name = $9, last_error = $10,
		    unknown_since = $11, cancel_requested = $12, notified = $13,
		    started_at = $14, finished_at = $15, updated_at = $16,
		    version = version + 1
		WHERE id = $1 AND version = $2
	`
	result, err := r.pool.Exec(ctx, query,
		run.ID,
		expectedVersion,
		stagesJSON,
		run.StageIndex,
		run.StageStatus,
		run.AttemptCount,
		run.Status,
		nullString(run.JobRef.Namespace),
		nullString(run.JobRef.Name),
		nullString(run.LastError),
		run.UnknownSince,
		run.CancelRequested,
		run.Notified,
		run.StartedAt,
		run.FinishedAt,
		now,
	)
	if err != nil {
		return false, fmt.Errorf("cas run: %w", err)
	}

	if result.RowsAffected() == 0 {
		// отличаем чужую запись от удалённого run
		var exists bool
		err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM runs WHERE id = $1)`, run.ID).Scan(&exists)
		if err != nil {
			return false, fmt.Errorf("check run: %w", err)
		}
		if !exists {
			return false, ErrNotFound
		}
		return false, nil
	}

	run.Version = expectedVersion + 1
	run.UpdatedAt = now
	return true, nil
}

// --- Helpers ---

// RunFilter — параметры фильтрации runs.
type RunFilter struct {
	PipelineType string
	Status       domain.RunStatus
	Limit        int
	Offset       int
}

func collectRuns(rows pgx.Rows) ([]domain.Run, error) {
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// scanRun сканирует строку (QueryRow или Rows) в Run.
func scanRun(row pgx.Row) (*domain.Run, error) {
	var run domain.Run
	var stagesJSON, inputsJSON []byte
	var jobNamespace, jobName, lastError, idempotencyKey *string

	err := row.Scan(
		&run.ID,
		&run.PipelineType,
		&stagesJSON,
		&inputsJSON,
		&run.StageIndex,
		&run.StageStatus,
		&run.AttemptCount,
		&run.Status,
		&jobNamespace,
		&jobName,
		&lastError,
		&run.UnknownSince,
		&run.CancelRequested,
		&run.Notified,
		&idempotencyKey,
		&run.Version,
		&run.CreatedAt,
		&run.UpdatedAt,
		&run.StartedAt,
		&run.FinishedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}

	if stagesJSON != nil {
		if err := json.Unmarshal(stagesJSON, &run.Stages); err != nil {
			return nil, fmt.Errorf("unmarshal stages: %w", err)
		}
	}
	if inputsJSON != nil {
		if err := json.Unmarshal(inputsJSON, &run.Inputs); err != nil {
			return nil, fmt.Errorf("unmarshal inputs: %w", err)
		}
	}

	run.JobRef = domain.JobRef{Namespace: deref(jobNamespace), Name: deref(jobName)}
	run.LastError = deref(lastError)
	run.IdempotencyKey = deref(idempotencyKey)

	return &run, nil
}

// nullString возвращает nil для пустой строки (для NULL в БД).
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
