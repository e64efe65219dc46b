package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Stagehand/internal/domain"
)

// PipelineRepo — каталог стадий: pipeline type → упорядоченный список StageSpec.
type PipelineRepo struct {
	pool *pgxpool.Pool
}

// NewPipelineRepo создаёт новый PipelineRepo.
func NewPipelineRepo(pool *pgxpool.Pool) *PipelineRepo {
	return &PipelineRepo{pool: pool}
}

// Get возвращает pipeline по типу.
func (r *PipelineRepo) Get(ctx context.Context, pipelineType string) (*domain.Pipeline, error) {
	query := `
		SELECT type, description, stages, created_at, updated_at
		FROM pipelines
		WHERE type = $1
	`
	return scanPipeline(r.pool.QueryRow(ctx, query, pipelineType))
}

// List возвращает все pipelines, отсортированные по типу.
func (r *PipelineRepo) List(ctx context.Context) ([]domain.Pipeline, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT type, description, stages, created_at, updated_at
		FROM pipelines
		ORDER BY type
	`)
	if err != nil {
		return nil, fmt.Errorf("list pipelines: %w", err)
	}
	defer rows.Close()

	var pipelines []domain.Pipeline
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, err
		}
		pipelines = append(pipelines, *p)
	}
	return pipelines, rows.Err()
}

// Upsert создаёт или заменяет определение pipeline.
//
// Уже идущие runs не затрагиваются: у них свой снимок стадий.
func (r *PipelineRepo) Upsert(ctx context.Context, p *domain.Pipeline) error {
	stagesJSON, err := json.Marshal(p.Stages)
	if err != nil {
		return fmt.Errorf("marshal stages: %w", err)
	}

	query := `
		INSERT INTO pipelines (type, description, stages, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (type) DO UPDATE
		SET description = EXCLUDED.description,
		    stages = EXCLUDED.stages,
		    updated_at = NOW()
		RETURNING created_at, updated_at
	`
	err = r.pool.QueryRow(ctx, query, p.Type, nullString(p.Description), stagesJSON).
		Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert pipeline: %w", err)
	}
	return nil
}

// Delete удаляет pipeline.
func (r *PipelineRepo) Delete(ctx context.Context, pipelineType string) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM pipelines WHERE type = $1`, pipelineType)
	if err != nil {
		return fmt.Errorf("delete pipeline: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanPipeline(row pgx.Row) (*domain.Pipeline, error) {
	var p domain.Pipeline
	var description *string
	var stagesJSON []byte

	err := row.Scan(&p.Type, &description, &stagesJSON, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan pipeline: %w", err)
	}

	p.Description = deref(description)
	if err := json.Unmarshal(stagesJSON, &p.Stages); err != nil {
		return nil, fmt.Errorf("unmarshal stages: %w", err)
	}
	return &p, nil
}
