package supervisor

import "errors"

var (
	// ErrUnknownPipeline — тип pipeline run отсутствует в каталоге.
	ErrUnknownPipeline = errors.New("unknown pipeline type")

	// ErrAlreadyStarted — Start вызван повторно.
	ErrAlreadyStarted = errors.New("supervisor already started")
)
