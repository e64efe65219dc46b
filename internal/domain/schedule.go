package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OverlapPolicy — что делать со срабатыванием, пока предыдущий run
// этого расписания ещё ACTIVE.
type OverlapPolicy string

const (
	// OverlapAllow — создавать run в любом случае.
	OverlapAllow OverlapPolicy = "allow"

	// OverlapSkip — пропустить срабатывание и ждать следующего.
	OverlapSkip OverlapPolicy = "skip"
)

// IsValid проверяет значение политики. Пустое значение означает allow.
func (p OverlapPolicy) IsValid() bool {
	switch p {
	case "", OverlapAllow, OverlapSkip:
		return true
	}
	return false
}

// Schedule — периодический запуск runs одного pipeline.
//
// Каждое срабатывание создаёт run с ключом FireKey(due): повтор тика
// после сбоя находит уже созданный run вместо второго. Стадии берутся
// из каталога в момент срабатывания, как и для run из API.
type Schedule struct {
	ID           uuid.UUID `json:"id"`
	PipelineType string    `json:"pipeline_type"`
	Name         string    `json:"name,omitempty"`

	// CronExpr — пять полей, минуты первыми. Если задан, IntervalSec не используется.
	CronExpr    string `json:"cron_expr,omitempty"`
	IntervalSec int    `json:"interval_sec,omitempty"`

	// Timezone — IANA-зона для cron. Пусто — UTC.
	Timezone string `json:"timezone"`

	Enabled bool          `json:"enabled"`
	Overlap OverlapPolicy `json:"overlap"`

	// Inputs — inputs каждого созданного run.
	Inputs map[string]any `json:"inputs,omitempty"`

	// NextDueAt — ближайшее срабатывание (UTC).
	NextDueAt *time.Time `json:"next_due_at,omitempty"`

	// Последний созданный run. LastRunStatus обновляется при каждом
	// срабатывании и при чтении через API, поэтому может отставать.
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	LastRunID     *uuid.UUID `json:"last_run_id,omitempty"`
	LastRunKey    string     `json:"last_run_key,omitempty"`
	LastRunStatus RunStatus  `json:"last_run_status,omitempty"`

	// SkippedFires — срабатывания, пропущенные из-за OverlapSkip.
	SkippedFires int `json:"skipped_fires"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsCron возвращает true, если расписание задано cron-выражением.
func (s *Schedule) IsCron() bool {
	return s.CronExpr != ""
}

// IsInterval возвращает true, если расписание задано интервалом.
func (s *Schedule) IsInterval() bool {
	return s.CronExpr == "" && s.IntervalSec > 0
}

// IsDue сообщает, наступило ли срабатывание.
func (s *Schedule) IsDue(now time.Time) bool {
	return s.Enabled && s.NextDueAt != nil && !now.Before(*s.NextDueAt)
}

// FireKey — ключ идемпотентности run для срабатывания в due.
func (s *Schedule) FireKey(due time.Time) string {
	return fmt.Sprintf("%s_%d", s.ID, due.Unix())
}

// Blocks сообщает, запрещает ли политика срабатывание, пока идёт last.
func (s *Schedule) Blocks(last *Run) bool {
	return s.Overlap == OverlapSkip && last != nil && last.Status == RunStatusActive
}

// ObserveLastRun переносит в расписание текущий статус его последнего run.
func (s *Schedule) ObserveLastRun(run *Run) {
	if run == nil || s.LastRunID == nil || *s.LastRunID != run.ID {
		return
	}
	s.LastRunStatus = run.Status
}

// RecordFire запоминает run срабатывания и переходит к следующему.
func (s *Schedule) RecordFire(run *Run, nextDue, now time.Time) {
	id := run.ID
	s.LastRunID = &id
	s.LastRunAt = &now
	s.LastRunKey = run.IdempotencyKey
	s.LastRunStatus = run.Status
	s.NextDueAt = &nextDue
	s.UpdatedAt = now
}

// RecordSkip переходит к следующему срабатыванию без run.
func (s *Schedule) RecordSkip(nextDue, now time.Time) {
	s.SkippedFires++
	s.NextDueAt = &nextDue
	s.UpdatedAt = now
}
