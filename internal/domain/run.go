package domain

import (
	"time"

	"github.com/google/uuid"
)

// Run — один запрос на обработку, проходящий стадии pipeline по порядку.
//
// Run создаётся когда:
// - Пользователь запускает pipeline через API/CLI
// - Scheduler создаёт run по расписанию
// - Внешняя система вставляет запись напрямую
//
// После создания run меняет только supervisor (через compare-and-swap по Version).
// Единственное внешнее изменение — отметка CancelRequested.
type Run struct {
	// ID — уникальный идентификатор run.
	ID uuid.UUID `json:"id"`

	// PipelineType — тип pipeline, по которому идёт run.
	PipelineType string `json:"pipeline_type"`

	// Stages — снимок стадий pipeline на момент создания run.
	// После заполнения не перечитывается из каталога.
	Stages []StageSpec `json:"stages,omitempty"`

	// Inputs — параметры запроса, доступны в шаблонах команд.
	Inputs map[string]any `json:"inputs,omitempty"`

	// StageIndex — индекс текущей стадии. Равен len(Stages) только у успешного run.
	StageIndex int `json:"stage_index"`

	// StageStatus — статус текущей стадии.
	StageStatus StageStatus `json:"stage_status"`

	// AttemptCount — сколько повторов текущей стадии уже израсходовано.
	AttemptCount int `json:"attempt_count"`

	// Status — общий статус run.
	Status RunStatus `json:"status"`

	// JobRef — job текущей попытки. Пуст, если job нет.
	JobRef JobRef `json:"job_ref,omitempty"`

	// LastError — последняя диагностика ошибки.
	LastError string `json:"last_error,omitempty"`

	// UnknownSince — когда job впервые оказался не найден или с неясным статусом.
	// Сбрасывается при следующем понятном наблюдении.
	UnknownSince *time.Time `json:"unknown_since,omitempty"`

	// CancelRequested — внешний запрос на отмену.
	CancelRequested bool `json:"cancel_requested,omitempty"`

	// Notified — уведомление о завершении уже закреплено за одним процессом.
	Notified bool `json:"notified,omitempty"`

	// IdempotencyKey — ключ идемпотентности, уникален в рамках PipelineType.
	// Например, для scheduled runs: "{schedule_id}_{next_due_at}"
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// Version — токен оптимистичной блокировки, растёт при каждом успешном CAS.
	Version int64 `json:"version"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`

	// FinishedAt — время перехода в терминальный статус.
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// NewRun создаёт run в начальном состоянии.
func NewRun(pipelineType string, stages []StageSpec, inputs map[string]any) *Run {
	now := time.Now().UTC()
	return &Run{
		ID:           uuid.New(),
		PipelineType: pipelineType,
		Stages:       stages,
		Inputs:       inputs,
		StageIndex:   0,
		StageStatus:  StageNotStarted,
		Status:       RunStatusActive,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Duration возвращает продолжительность выполнения.
// Возвращает 0, если run ещё не завершён.
func (r *Run) Duration() time.Duration {
	if r.StartedAt == nil || r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(*r.StartedAt)
}

// IsFinished возвращает true, если run завершён (в любом статусе).
func (r *Run) IsFinished() bool {
	return r.Status.IsTerminal()
}

// IsFresh возвращает true, если run ещё ни разу не запускал job.
func (r *Run) IsFresh() bool {
	return r.Status == RunStatusActive &&
		r.StageIndex == 0 &&
		r.AttemptCount == 0 &&
		r.StageStatus == StageNotStarted &&
		r.JobRef.IsZero()
}

// RunCursor — позиция в обходе активных runs. Порядок: CreatedAt, затем ID.
type RunCursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

// IsZero — обход с начала.
func (c RunCursor) IsZero() bool {
	return c.ID == uuid.Nil
}

// Cursor возвращает позицию run в обходе.
func (r *Run) Cursor() RunCursor {
	return RunCursor{CreatedAt: r.CreatedAt, ID: r.ID}
}

// After сообщает, стоит ли run в обходе после c.
func (r *Run) After(c RunCursor) bool {
	if c.IsZero() {
		return true
	}
	if !r.CreatedAt.Equal(c.CreatedAt) {
		return r.CreatedAt.After(c.CreatedAt)
	}
	return r.ID.String() > c.ID.String()
}

// CurrentStage возвращает спецификацию текущей стадии.
func (r *Run) CurrentStage() (StageSpec, bool) {
	if r.StageIndex < 0 || r.StageIndex >= len(r.Stages) {
		return StageSpec{}, false
	}
	return r.Stages[r.StageIndex], true
}

// StageName возвращает имя текущей стадии или "" для завершённого run.
func (r *Run) StageName() string {
	if s, ok := r.CurrentStage(); ok {
		return s.Name
	}
	return ""
}

// RunEvent — то, что получает notifier при завершении run.
type RunEvent struct {
	RunID        uuid.UUID     `json:"run_id"`
	PipelineType string        `json:"pipeline_type"`
	Status       RunStatus     `json:"status"`
	Stage        string        `json:"stage,omitempty"`
	Error        string        `json:"error,omitempty"`
	Duration     time.Duration `json:"duration"`
	FinishedAt   time.Time     `json:"finished_at"`
}

// EventFor собирает RunEvent из завершённого run.
func EventFor(r *Run) RunEvent {
	ev := RunEvent{
		RunID:        r.ID,
		PipelineType: r.PipelineType,
		Status:       r.Status,
		Error:        r.LastError,
		Duration:     r.Duration(),
	}
	if r.FinishedAt != nil {
		ev.FinishedAt = *r.FinishedAt
	}
	// для упавшего run указываем стадию, на которой он остановился
	if r.Status == RunStatusFailed {
		ev.Stage = r.StageName()
	}
	return ev
}
