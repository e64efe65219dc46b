package jobdriver

import (
	"errors"
	"fmt"
)

// ErrNameCollision — job с нашим именем принадлежит другому run.
var ErrNameCollision = errors.New("job name belongs to another run")

// SubmissionError — ошибка создания job.
//
// Permanent=true означает, что повтор не поможет (невалидный шаблон,
// отказ API в валидации); run должен завершиться с ошибкой.
type SubmissionError struct {
	Permanent bool
	Err       error
}

func (e *SubmissionError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("submit job (%s): %v", kind, e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// IsPermanent возвращает true для постоянных ошибок создания job.
func IsPermanent(err error) bool {
	var subErr *SubmissionError
	return errors.As(err, &subErr) && subErr.Permanent
}

func permanent(err error) error {
	return &SubmissionError{Permanent: true, Err: err}
}

func transient(err error) error {
	return &SubmissionError{Permanent: false, Err: err}
}
