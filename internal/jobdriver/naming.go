package jobdriver

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Labels на job и pod'ах. По ним job однозначно связывается с попыткой run.
const (
	LabelRunID    = "stagehand.io/run-id"
	LabelPipeline = "stagehand.io/pipeline"
	LabelStage    = "stagehand.io/stage"
	LabelAttempt  = "stagehand.io/attempt"

	labelManagedBy = "app.kubernetes.io/managed-by"
	managedBy      = "stagehand"
)

const (
	maxNameLen      = 63
	maxStagePartLen = 20
)

// JobName возвращает детерминированное имя job: "<stage>-<run_id>-<attempt>".
//
// Стадия обрезается до 20 символов, чтобы имя укладывалось в 63 символа
// DNS-1123 label; полные значения лежат в labels.
func JobName(stage string, runID uuid.UUID, attempt int) string {
	prefix := sanitize(stage)
	if len(prefix) > maxStagePartLen {
		prefix = strings.TrimRight(prefix[:maxStagePartLen], "-")
	}
	if prefix == "" {
		prefix = "stage"
	}

	name := prefix + "-" + runID.String() + "-" + strconv.Itoa(attempt)
	if len(name) > maxNameLen {
		// только при attempt > 99999
		name = strings.TrimRight(name[:maxNameLen], "-")
	}
	return name
}

// sanitize приводит строку к набору символов DNS-1123: [a-z0-9-].
func sanitize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

// jobLabels собирает labels попытки.
func jobLabels(runID uuid.UUID, pipelineType, stage string, attempt int) map[string]string {
	return map[string]string{
		labelManagedBy: managedBy,
		LabelRunID:     runID.String(),
		LabelPipeline:  sanitizeLabelValue(pipelineType),
		LabelStage:     sanitizeLabelValue(stage),
		LabelAttempt:   strconv.Itoa(attempt),
	}
}

func sanitizeLabelValue(s string) string {
	s = sanitize(s)
	if len(s) > maxNameLen {
		s = strings.TrimRight(s[:maxNameLen], "-")
	}
	return s
}
