package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Stagehand/internal/domain"
)

// AttemptRepo — журнал попыток стадий (только аудит, на решения не влияет).
type AttemptRepo struct {
	pool *pgxpool.Pool
}

// NewAttemptRepo создаёт новый AttemptRepo.
func NewAttemptRepo(pool *pgxpool.Pool) *AttemptRepo {
	return &AttemptRepo{pool: pool}
}

// RecordSubmitted записывает созданный job.
// Повторная запись той же попытки игнорируется.
func (r *AttemptRepo) RecordSubmitted(ctx context.Context, a *domain.JobAttempt) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	query := `
		INSERT INTO job_attempts (id, run_id, stage, attempt, job_namespace, job_name, outcome, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (run_id, stage, attempt) DO NOTHING
	`
	_, err := r.pool.Exec(ctx, query,
		a.ID,
		a.RunID,
		a.Stage,
		a.Attempt,
		a.JobRef.Namespace,
		a.JobRef.Name,
		domain.AttemptSubmitted,
		a.SubmittedAt,
	)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

// RecordOutcome фиксирует итог попытки.
func (r *AttemptRepo) RecordOutcome(ctx context.Context, runID uuid.UUID, stage string, attempt int,
	outcome domain.AttemptOutcome, errText string, finishedAt time.Time) error {
	query := `
		UPDATE job_attempts
		SET outcome = $4, error = $5, finished_at = $6
		WHERE run_id = $1 AND stage = $2 AND attempt = $3
	`
	result, err := r.pool.Exec(ctx, query, runID, stage, attempt, outcome, nullString(errText), finishedAt)
	if err != nil {
		return fmt.Errorf("update attempt: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByRun возвращает попытки run в порядке создания.
func (r *AttemptRepo) ListByRun(ctx context.Context, runID uuid.UUID) ([]domain.JobAttempt, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, run_id, stage, attempt, job_namespace, job_name, outcome, error,
		       submitted_at, finished_at
		FROM job_attempts
		WHERE run_id = $1
		ORDER BY submitted_at ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var attempts []domain.JobAttempt
	for rows.Next() {
		var a domain.JobAttempt
		var errText *string
		if err := rows.Scan(
			&a.ID,
			&a.RunID,
			&a.Stage,
			&a.Attempt,
			&a.JobRef.Namespace,
			&a.JobRef.Name,
			&a.Outcome,
			&errText,
			&a.SubmittedAt,
			&a.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.Error = deref(errText)
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}
