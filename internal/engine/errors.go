package engine

import "errors"

// Ошибки валидации pipeline.
var (
	// ErrEmptyType — pipeline без типа.
	ErrEmptyType = errors.New("pipeline has empty type")

	// ErrInvalidName — имя не подходит для Kubernetes (DNS-1123 label).
	ErrInvalidName = errors.New("invalid name")

	// ErrEmptyStages — pipeline не содержит стадий.
	ErrEmptyStages = errors.New("pipeline has no stages")

	// ErrEmptyStageName — стадия без имени.
	ErrEmptyStageName = errors.New("stage has empty name")

	// ErrDuplicateStage — несколько стадий с одинаковым именем.
	ErrDuplicateStage = errors.New("duplicate stage name")

	// ErrBadPosition — позиции стадий не идут подряд с нуля.
	ErrBadPosition = errors.New("stage positions are not contiguous")

	// ErrEmptyImage — у стадии не указан образ.
	ErrEmptyImage = errors.New("stage has empty image")

	// ErrBadRetries — отрицательное число повторов или max_retries у стадии без retryable.
	ErrBadRetries = errors.New("invalid max_retries")

	// ErrBadRestartPolicy — неподдерживаемая restart policy.
	ErrBadRestartPolicy = errors.New("unsupported restart policy")

	// ErrBadQuantity — ресурс не в нотации Kubernetes.
	ErrBadQuantity = errors.New("invalid resource quantity")
)

// Ошибки рендеринга шаблонов.
var (
	// ErrTemplateRender — ошибка рендеринга шаблона.
	ErrTemplateRender = errors.New("template render failed")

	// ErrTemplateParse — ошибка парсинга шаблона.
	ErrTemplateParse = errors.New("template parse failed")

	// ErrDocumentFormat — документ pipeline не разбирается.
	ErrDocumentFormat = errors.New("malformed pipeline document")
)

// ValidationError — ошибка валидации с контекстом.
type ValidationError struct {
	Stage   string // стадия, где произошла ошибка
	Field   string // поле, вызвавшее ошибку
	Message string // описание ошибки
	Err     error  // базовая ошибка
}

// Error реализует интерфейс error.
func (e *ValidationError) Error() string {
	if e.Stage != "" {
		return "stage " + e.Stage + ": " + e.Message
	}
	return e.Message
}

// Unwrap возвращает базовую ошибку.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError создаёт новую ошибку валидации.
func NewValidationError(stage, field, message string, err error) *ValidationError {
	return &ValidationError{
		Stage:   stage,
		Field:   field,
		Message: message,
		Err:     err,
	}
}
