package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/shaiso/Stagehand/internal/domain"
)

// Context — контекст для рендеринга шаблонов команд.
//
// Используется в Go templates для доступа к данным попытки:
//   - {{ .RunID }}, {{ .RunDir }}
//   - {{ .Stage }}, {{ .Attempt }}
//   - {{ .Inputs.param_name }}
type Context struct {
	RunID        string         `json:"run_id"`
	PipelineType string         `json:"pipeline_type"`
	Stage        string         `json:"stage"`
	Attempt      int            `json:"attempt"`
	Inputs       map[string]any `json:"inputs"`

	// RunDir — рабочий каталог run, "<base>/<run_id>".
	RunDir string `json:"run_dir"`
}

// NewContext создаёт контекст для конкретной попытки стадии.
func NewContext(req domain.JobRequest, runDirBase string) *Context {
	inputs := req.Inputs
	if inputs == nil {
		inputs = make(map[string]any)
	}
	runID := req.RunID.String()
	return &Context{
		RunID:        runID,
		PipelineType: req.PipelineType,
		Stage:        req.Stage.Name,
		Attempt:      req.Attempt,
		Inputs:       inputs,
		RunDir:       strings.TrimRight(runDirBase, "/") + "/" + runID,
	}
}

// templateFuncs — дополнительные функции для шаблонов.
var templateFuncs = template.FuncMap{
	// json — сериализует значение в JSON строку
	"json": func(v any) string {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("error: %v", err)
		}
		return string(b)
	},

	// default — возвращает значение по умолчанию, если второй аргумент пустой
	"default": func(def, val any) any {
		if val == nil {
			return def
		}
		if s, ok := val.(string); ok && s == "" {
			return def
		}
		return val
	},

	// opt — необязательный input: {{ opt .Inputs "key" }}
	"opt": func(m map[string]any, key string) any {
		return m[key]
	},

	"join": func(sep string, items []string) string {
		return strings.Join(items, sep)
	},
	"lower":   strings.ToLower,
	"upper":   strings.ToUpper,
	"trim":    strings.TrimSpace,
	"replace": strings.ReplaceAll,
}

func parse(tmpl string) (*template.Template, error) {
	// отсутствующий input — ошибка, а не "<no value>" в командной строке
	t, err := template.New("").Option("missingkey=error").Funcs(templateFuncs).Parse(tmpl)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTemplateParse, err)
	}
	return t, nil
}

// CheckTemplate проверяет только синтаксис шаблона.
func CheckTemplate(tmpl string) error {
	if !strings.Contains(tmpl, "{{") {
		return nil
	}
	_, err := parse(tmpl)
	return err
}

// Render рендерит строковый шаблон с контекстом.
func Render(tmpl string, ctx *Context) (string, error) {
	// Проверяем, содержит ли строка шаблонные выражения
	if !strings.Contains(tmpl, "{{") {
		return tmpl, nil
	}

	t, err := parse(tmpl)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, ctx); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplateRender, err)
	}

	return buf.String(), nil
}

// RenderJobTemplate возвращает копию шаблона job с отрендеренными
// Command, Args и значениями Env. Исходный шаблон не меняется.
func RenderJobTemplate(jt domain.JobTemplate, ctx *Context) (domain.JobTemplate, error) {
	out := jt

	command, err := renderSlice(jt.Command, ctx)
	if err != nil {
		return domain.JobTemplate{}, fmt.Errorf("command: %w", err)
	}
	out.Command = command

	args, err := renderSlice(jt.Args, ctx)
	if err != nil {
		return domain.JobTemplate{}, fmt.Errorf("args: %w", err)
	}
	out.Args = args

	if jt.Env != nil {
		out.Env = make(map[string]string, len(jt.Env))
		for k, v := range jt.Env {
			rendered, err := Render(v, ctx)
			if err != nil {
				return domain.JobTemplate{}, fmt.Errorf("env %s: %w", k, err)
			}
			out.Env[k] = rendered
		}
	}

	return out, nil
}

func renderSlice(items []string, ctx *Context) ([]string, error) {
	if items == nil {
		return nil, nil
	}
	result := make([]string, len(items))
	for i, item := range items {
		rendered, err := Render(item, ctx)
		if err != nil {
			return nil, err
		}
		result[i] = rendered
	}
	return result, nil
}
