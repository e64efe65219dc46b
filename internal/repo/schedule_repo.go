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

const scheduleColumns = `id, pipeline_type, name, cron_expr, interval_sec, timezone, enabled, overlap,
	inputs, next_due_at, last_run_at, last_run_id, last_run_key, last_run_status,
	skipped_fires, created_at, updated_at`

// ScheduleFilter — фильтр списка расписаний.
type ScheduleFilter struct {
	PipelineType string
	Enabled      *bool
	Limit        int
	Offset       int
}

// ScheduleRepo — расписания в PostgreSQL.
type ScheduleRepo struct {
	pool *pgxpool.Pool
}

func NewScheduleRepo(pool *pgxpool.Pool) *ScheduleRepo {
	return &ScheduleRepo{pool: pool}
}

// Create сохраняет новое расписание.
func (r *ScheduleRepo) Create(ctx context.Context, s *domain.Schedule) error {
	inputs, err := json.Marshal(s.Inputs)
	if err != nil {
		return fmt.Errorf("marshal inputs: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO schedules (`+scheduleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`,
		s.ID, s.PipelineType, nullString(s.Name), nullString(s.CronExpr), nullInt(s.IntervalSec),
		s.Timezone, s.Enabled, overlapOrDefault(s.Overlap),
		inputs, s.NextDueAt, s.LastRunAt, s.LastRunID, nullString(s.LastRunKey), nullString(string(s.LastRunStatus)),
		s.SkippedFires, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

// GetByID возвращает расписание или ErrNotFound.
func (r *ScheduleRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Schedule, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = $1`, id)
	return scanSchedule(row)
}

// List возвращает расписания по фильтру, новые первыми.
func (r *ScheduleRepo) List(ctx context.Context, filter ScheduleFilter) ([]domain.Schedule, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+scheduleColumns+`
		FROM schedules
		WHERE ($1::text IS NULL OR pipeline_type = $1)
		  AND ($2::boolean IS NULL OR enabled = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`, nullString(filter.PipelineType), filter.Enabled, filter.Limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	return collectSchedules(rows)
}

// ListDue возвращает включённые расписания, срабатывание которых наступило.
func (r *ScheduleRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Schedule, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+scheduleColumns+`
		FROM schedules
		WHERE enabled AND next_due_at <= $1
		ORDER BY next_due_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due schedules: %w", err)
	}
	return collectSchedules(rows)
}

// Update перезаписывает изменяемые поля расписания.
func (r *ScheduleRepo) Update(ctx context.Context, s *domain.Schedule) error {
	inputs, err := json.Marshal(s.Inputs)
	if err != nil {
		return fmt.Errorf("marshal inputs: %w", err)
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE schedules
		SET name = $2, cron_expr = $3, interval_sec = $4, timezone = $5, enabled = $6,
		    overlap = $7, inputs = $8, next_due_at = $9, last_run_at = $10, last_run_id = $11,
		    last_run_key = $12, last_run_status = $13, skipped_fires = $14, updated_at = $15
		WHERE id = $1
	`,
		s.ID, nullString(s.Name), nullString(s.CronExpr), nullInt(s.IntervalSec), s.Timezone, s.Enabled,
		overlapOrDefault(s.Overlap), inputs, s.NextDueAt, s.LastRunAt, s.LastRunID,
		nullString(s.LastRunKey), nullString(string(s.LastRunStatus)), s.SkippedFires, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete удаляет расписание. Созданные им runs остаются.
func (r *ScheduleRepo) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM schedules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetEnabled включает или выключает расписание, не трогая остальные поля.
func (r *ScheduleRepo) SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE schedules SET enabled = $2, updated_at = NOW() WHERE id = $1`, id, enabled)
	if err != nil {
		return fmt.Errorf("set schedule enabled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func collectSchedules(rows pgx.Rows) ([]domain.Schedule, error) {
	defer rows.Close()

	var out []domain.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func scanSchedule(row pgx.Row) (*domain.Schedule, error) {
	var s domain.Schedule
	var name, cronExpr, lastKey, lastStatus *string
	var intervalSec *int
	var overlap string
	var inputs []byte
	err := row.Scan(
		&s.ID, &s.PipelineType, &name, &cronExpr, &intervalSec, &s.Timezone, &s.Enabled, &overlap,
		&inputs, &s.NextDueAt, &s.LastRunAt, &s.LastRunID, &lastKey, &lastStatus,
		&s.SkippedFires, &s.CreatedAt, &s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan schedule: %w", err)
	}

	s.Name = deref(name)
	s.CronExpr = deref(cronExpr)
	s.LastRunKey = deref(lastKey)
	s.LastRunStatus = domain.RunStatus(deref(lastStatus))
	s.Overlap = domain.OverlapPolicy(overlap)
	if intervalSec != nil {
		s.IntervalSec = *intervalSec
	}
	if len(inputs) > 0 {
		if err := json.Unmarshal(inputs, &s.Inputs); err != nil {
			return nil, fmt.Errorf("unmarshal schedule inputs: %w", err)
		}
	}
	return &s, nil
}

func overlapOrDefault(p domain.OverlapPolicy) string {
	if p == "" {
		return string(domain.OverlapAllow)
	}
	return string(p)
}

func nullInt(i int) *int {
	if i == 0 {
		return nil
	}
	return &i
}
