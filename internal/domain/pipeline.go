package domain

import "time"

// Pipeline — упорядоченный список стадий для одного типа запроса.
//
// Pipeline — это "рецепт" обработки: каждая стадия превращается в отдельный
// Kubernetes Job, стадии запускаются строго по порядку. Ветвлений и условий нет.
type Pipeline struct {
	// Type — тип pipeline (например, "staging", "forensics").
	Type string `json:"type" yaml:"type"`

	// Description — описание назначения pipeline.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Stages — стадии в порядке выполнения.
	Stages []StageSpec `json:"stages" yaml:"stages"`

	CreatedAt time.Time `json:"created_at,omitempty" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at,omitempty" yaml:"-"`
}

// StageNames возвращает имена стадий по порядку.
func (p *Pipeline) StageNames() []string {
	names := make([]string, len(p.Stages))
	for i, s := range p.Stages {
		names[i] = s.Name
	}
	return names
}

// StageSpec — неизменяемое описание одной стадии.
type StageSpec struct {
	// Name — имя стадии, уникально в pipeline.
	Name string `json:"name" yaml:"name"`

	// Position — порядковый номер стадии, начиная с 0.
	Position int `json:"position" yaml:"position"`

	// Retryable — можно ли повторять стадию после падения job.
	Retryable bool `json:"retryable" yaml:"retryable"`

	// MaxRetries — сколько повторов разрешено после первой попытки.
	MaxRetries int `json:"max_retries" yaml:"max_retries"`

	// Template — шаблон Kubernetes Job.
	Template JobTemplate `json:"template" yaml:"template"`
}

// AllowedRetries возвращает фактическое число разрешённых повторов.
func (s StageSpec) AllowedRetries() int {
	if !s.Retryable || s.MaxRetries < 0 {
		return 0
	}
	return s.MaxRetries
}

// JobTemplate — параметры контейнера и job для стадии.
//
// Args и значения Env — text/template строки, рендерятся для каждой попытки.
type JobTemplate struct {
	Image   string            `json:"image" yaml:"image"`
	Command []string          `json:"command,omitempty" yaml:"command,omitempty"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// Ресурсы в нотации Kubernetes ("500m", "2Gi").
	CPU              string `json:"cpu,omitempty" yaml:"cpu,omitempty"`
	Memory           string `json:"memory,omitempty" yaml:"memory,omitempty"`
	EphemeralStorage string `json:"ephemeral_storage,omitempty" yaml:"ephemeral_storage,omitempty"`

	NodeSelector   map[string]string `json:"node_selector,omitempty" yaml:"node_selector,omitempty"`
	Namespace      string            `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	ServiceAccount string            `json:"service_account,omitempty" yaml:"service_account,omitempty"`

	// RestartPolicy — "Never" или "OnFailure". По умолчанию "Never".
	RestartPolicy string `json:"restart_policy,omitempty" yaml:"restart_policy,omitempty"`

	BackoffLimit            *int32 `json:"backoff_limit,omitempty" yaml:"backoff_limit,omitempty"`
	ActiveDeadlineSeconds   *int64 `json:"active_deadline_seconds,omitempty" yaml:"active_deadline_seconds,omitempty"`
	TTLSecondsAfterFinished *int32 `json:"ttl_seconds_after_finished,omitempty" yaml:"ttl_seconds_after_finished,omitempty"`
}
