package domain

import (
	"time"

	"github.com/google/uuid"
)

// JobRef — ссылка на job в оркестраторе.
type JobRef struct {
	Namespace string `json:"namespace,omitempty"`
	Name      string `json:"name,omitempty"`
}

// IsZero возвращает true, если ссылка пуста.
func (r JobRef) IsZero() bool {
	return r.Name == ""
}

func (r JobRef) String() string {
	if r.IsZero() {
		return ""
	}
	return r.Namespace + "/" + r.Name
}

// Observation — результат одного опроса статуса job.
type Observation struct {
	Phase JobPhase `json:"phase"`

	// Message — причина из условий job (для FAILED).
	Message string `json:"message,omitempty"`

	// Diagnostics — хвост логов pod'ов, собирается только для FAILED.
	Diagnostics string `json:"diagnostics,omitempty"`
}

// Reason собирает текст ошибки для LastError.
func (o Observation) Reason() string {
	switch {
	case o.Message != "" && o.Diagnostics != "":
		return o.Message + "\n" + o.Diagnostics
	case o.Message != "":
		return o.Message
	case o.Diagnostics != "":
		return o.Diagnostics
	default:
		return "job failed"
	}
}

// JobRequest — всё, что нужно драйверу для создания job.
type JobRequest struct {
	RunID        uuid.UUID
	PipelineType string
	Stage        StageSpec
	Attempt      int
	Inputs       map[string]any
}

// JobAttempt — запись аудита об отдельной попытке стадии.
type JobAttempt struct {
	ID          uuid.UUID      `json:"id"`
	RunID       uuid.UUID      `json:"run_id"`
	Stage       string         `json:"stage"`
	Attempt     int            `json:"attempt"`
	JobRef      JobRef         `json:"job_ref"`
	Outcome     AttemptOutcome `json:"outcome"`
	Error       string         `json:"error,omitempty"`
	SubmittedAt time.Time      `json:"submitted_at"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
}
