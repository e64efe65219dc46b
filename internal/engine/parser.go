package engine

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/shaiso/Stagehand/internal/domain"
)

// Имя стадии попадает в имя job и label, поэтому ограничено DNS-1123 label.
var dnsLabel = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)

// Ресурсы в нотации Kubernetes: "500m", "1.5", "512Mi", "2G".
var quantityRe = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?(m|k|M|G|T|P|Ki|Mi|Gi|Ti|Pi)?$`)

const maxStageNameLen = 40

// Допустимые restart policy для pod'ов job.
var validRestartPolicies = map[string]bool{
	"":          true,
	"Never":     true,
	"OnFailure": true,
}

// ParsePipeline разбирает документ pipeline (YAML или JSON) и валидирует его.
//
// Если позиции стадий не указаны (все нули), они назначаются по порядку в документе.
// Стадии в результате отсортированы по Position.
func ParsePipeline(data []byte) (*domain.Pipeline, error) {
	var p domain.Pipeline
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDocumentFormat, err)
	}

	Normalize(&p)

	if err := Validate(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// MarshalPipeline сериализует pipeline в YAML (для CLI и экспорта).
func MarshalPipeline(p *domain.Pipeline) ([]byte, error) {
	return yaml.Marshal(p)
}

// Normalize приводит pipeline к канонической форме: тримит имена,
// назначает позиции и сортирует стадии.
func Normalize(p *domain.Pipeline) {
	p.Type = strings.TrimSpace(p.Type)

	positioned := false
	for i := range p.Stages {
		p.Stages[i].Name = strings.TrimSpace(p.Stages[i].Name)
		if p.Stages[i].Position != 0 {
			positioned = true
		}
	}
	if !positioned {
		for i := range p.Stages {
			p.Stages[i].Position = i
		}
	}

	sort.SliceStable(p.Stages, func(i, j int) bool {
		return p.Stages[i].Position < p.Stages[j].Position
	})
}

// Validate выполняет полную валидацию pipeline.
//
// Проверяет:
// - Наличие типа и стадий
// - Уникальность и формат имён стадий
// - Непрерывность позиций (0..n-1)
// - Шаблон job каждой стадии
func Validate(p *domain.Pipeline) error {
	if p == nil || len(p.Stages) == 0 {
		return ErrEmptyStages
	}

	if p.Type == "" {
		return NewValidationError("", "type", "pipeline has empty type", ErrEmptyType)
	}
	if !dnsLabel.MatchString(p.Type) {
		return NewValidationError("", "type",
			fmt.Sprintf("pipeline type %q must be a lowercase DNS label", p.Type), ErrInvalidName)
	}

	seen := make(map[string]bool, len(p.Stages))
	for i := range p.Stages {
		stage := &p.Stages[i]

		if stage.Position != i {
			return NewValidationError(stage.Name, "position",
				fmt.Sprintf("expected position %d, got %d", i, stage.Position), ErrBadPosition)
		}

		if err := ValidateStage(stage); err != nil {
			return err
		}

		if seen[stage.Name] {
			return NewValidationError(stage.Name, "name",
				fmt.Sprintf("duplicate stage name: %s", stage.Name), ErrDuplicateStage)
		}
		seen[stage.Name] = true
	}

	return nil
}

// ValidateStage валидирует одну стадию.
func ValidateStage(stage *domain.StageSpec) error {
	if stage.Name == "" {
		return NewValidationError("", "name", "stage has empty name", ErrEmptyStageName)
	}
	if len(stage.Name) > maxStageNameLen || !dnsLabel.MatchString(stage.Name) {
		return NewValidationError(stage.Name, "name",
			fmt.Sprintf("stage name must be a lowercase DNS label up to %d chars", maxStageNameLen), ErrInvalidName)
	}

	if stage.MaxRetries < 0 {
		return NewValidationError(stage.Name, "max_retries",
			fmt.Sprintf("max_retries is %d", stage.MaxRetries), ErrBadRetries)
	}
	// max_retries без retryable дал бы ноль повторов
	if stage.MaxRetries > 0 && !stage.Retryable {
		return NewValidationError(stage.Name, "max_retries",
			fmt.Sprintf("max_retries is %d but the stage is not retryable", stage.MaxRetries), ErrBadRetries)
	}

	return validateTemplate(stage.Name, &stage.Template)
}

// validateTemplate проверяет шаблон job: образ, ресурсы и синтаксис шаблонов.
func validateTemplate(stage string, t *domain.JobTemplate) error {
	if strings.TrimSpace(t.Image) == "" {
		return NewValidationError(stage, "template.image", "stage has empty image", ErrEmptyImage)
	}

	if !validRestartPolicies[t.RestartPolicy] {
		return NewValidationError(stage, "template.restart_policy",
			fmt.Sprintf("unsupported restart policy: %s", t.RestartPolicy), ErrBadRestartPolicy)
	}

	for field, q := range map[string]string{
		"template.cpu":               t.CPU,
		"template.memory":            t.Memory,
		"template.ephemeral_storage": t.EphemeralStorage,
	} {
		if q != "" && !quantityRe.MatchString(q) {
			return NewValidationError(stage, field,
				fmt.Sprintf("invalid quantity: %s", q), ErrBadQuantity)
		}
	}

	for _, s := range t.Args {
		if err := CheckTemplate(s); err != nil {
			return NewValidationError(stage, "template.args", err.Error(), err)
		}
	}
	for k, v := range t.Env {
		if err := CheckTemplate(v); err != nil {
			return NewValidationError(stage, "template.env."+k, err.Error(), err)
		}
	}

	return nil
}
