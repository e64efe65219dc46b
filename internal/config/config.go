// Package config читает настройки процессов Stagehand из переменных окружения.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Getenv — источник переменных (os.Getenv или map в тестах).
type Getenv func(key string) string

// Supervisor — настройки stagehand-supervisor.
type Supervisor struct {
	PollInterval     time.Duration
	IdlePollInterval time.Duration
	IdleTicks        int
	Workers          int
	CallTimeout      time.Duration
	StalenessTimeout time.Duration
	SubmitBackoffMax time.Duration
	BatchSize        int
	MaxListFailures  int
	PauseFile        string
	InactivityAlert  time.Duration

	Jobs Jobs

	SlackWebhookURL string
	Port            string
}

// Jobs — параметры создаваемых Kubernetes Jobs.
type Jobs struct {
	// Fake — FAKE_JOBS=true: job не создаются в кластере.
	Fake      bool
	FakeDelay time.Duration

	Namespace       string
	TTLSeconds      int32
	ServiceAccount  string
	LimitMultiplier float64
	CPULimits       bool
	RunDirBase      string

	// SecretName и SecretEnv — переменные из Secret во всех контейнерах.
	SecretName string
	SecretEnv  map[string]string
}

// LoadSupervisor читает настройки supervisor.
// Ошибка возвращается для значений, которые не удалось разобрать.
func LoadSupervisor(getenv Getenv) (*Supervisor, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	p := parser{getenv: getenv}

	cfg := &Supervisor{
		PollInterval:     p.duration("POLL_INTERVAL", 10*time.Second),
		IdlePollInterval: p.duration("IDLE_POLL_INTERVAL", 0),
		IdleTicks:        p.integer("IDLE_TICKS", 0),
		Workers:          p.integer("WORKERS", 8),
		CallTimeout:      p.duration("CALL_TIMEOUT", 15*time.Second),
		StalenessTimeout: p.duration("STALENESS_TIMEOUT", 10*time.Minute),
		SubmitBackoffMax: p.duration("SUBMIT_BACKOFF_MAX", 5*time.Minute),
		BatchSize:        p.integer("BATCH_SIZE", 500),
		MaxListFailures:  p.integer("MAX_LIST_FAILURES", 5),
		PauseFile:        p.str("PAUSE_FILE", ""),
		InactivityAlert:  p.duration("INACTIVITY_ALERT", 0),
		SlackWebhookURL:  p.str("SLACK_WEBHOOK_URL", ""),
		Port:             p.str("SUPERVISOR_PORT", "8083"),
		Jobs: Jobs{
			Fake:            p.boolean("FAKE_JOBS", false),
			FakeDelay:       p.duration("FAKE_JOB_DELAY", 0),
			Namespace:       p.str("JOB_NAMESPACE", ""),
			TTLSeconds:      int32(p.integer("JOB_TTL_SECONDS", 3600)),
			ServiceAccount:  p.str("JOB_SERVICE_ACCOUNT", ""),
			LimitMultiplier: p.float("JOB_LIMIT_MULTIPLIER", 0.5),
			CPULimits:       p.boolean("JOB_CPU_LIMITS", false),
			RunDirBase:      p.str("JOB_RUN_DIR", "/data/runs"),
			SecretName:      p.str("JOB_SECRET_NAME", ""),
		},
	}

	secretEnv, err := ParseSecretEnv(getenv("JOB_SECRET_ENV"))
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("JOB_SECRET_ENV: %w", err))
	}
	cfg.Jobs.SecretEnv = secretEnv

	if len(secretEnv) > 0 && cfg.Jobs.SecretName == "" {
		p.errs = append(p.errs, fmt.Errorf("JOB_SECRET_ENV requires JOB_SECRET_NAME"))
	}
	if cfg.Workers <= 0 {
		p.errs = append(p.errs, fmt.Errorf("WORKERS must be positive, got %d", cfg.Workers))
	}
	if cfg.Jobs.LimitMultiplier < 0 {
		p.errs = append(p.errs, fmt.Errorf("JOB_LIMIT_MULTIPLIER must not be negative"))
	}

	if err := p.err(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Port читает порт HTTP-сервера процесса.
func Port(getenv Getenv, key, def string) string {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := strings.TrimSpace(getenv(key)); v != "" {
		return v
	}
	return def
}

// ParseSecretEnv разбирает "ENV_NAME:key,OTHER:other_key".
// Переменная без ключа берёт ключ, равный имени в нижнем регистре.
func ParseSecretEnv(s string) (map[string]string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	out := make(map[string]string)
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		name, key, found := strings.Cut(item, ":")
		name = strings.TrimSpace(name)
		key = strings.TrimSpace(key)
		if !found {
			key = strings.ToLower(name)
		}
		if name == "" || key == "" {
			return nil, fmt.Errorf("invalid entry %q", item)
		}
		if _, dup := out[name]; dup {
			return nil, fmt.Errorf("duplicate variable %q", name)
		}
		out[name] = key
	}
	return out, nil
}

// SecretEnvNames — имена переменных по алфавиту (для логов).
func SecretEnvNames(env map[string]string) []string {
	names := make([]string, 0, len(env))
	for name := range env {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// parser накапливает ошибки разбора, чтобы сообщить обо всех сразу.
type parser struct {
	getenv Getenv
	errs   []error
}

func (p *parser) lookup(key string) (string, bool) {
	v := strings.TrimSpace(p.getenv(key))
	return v, v != ""
}

func (p *parser) str(key, def string) string {
	if v, ok := p.lookup(key); ok {
		return v
	}
	return def
}

// duration принимает "30s", "5m" или число секунд.
func (p *parser) duration(key string, def time.Duration) time.Duration {
	v, ok := p.lookup(key)
	if !ok {
		return def
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid duration %q", key, v))
		return def
	}
	return d
}

func (p *parser) integer(key string, def int) int {
	v, ok := p.lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid integer %q", key, v))
		return def
	}
	return n
}

func (p *parser) float(key string, def float64) float64 {
	v, ok := p.lookup(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid number %q", key, v))
		return def
	}
	return f
}

func (p *parser) boolean(key string, def bool) bool {
	v, ok := p.lookup(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid boolean %q", key, v))
		return def
	}
	return b
}

func (p *parser) err() error {
	if len(p.errs) == 0 {
		return nil
	}
	msgs := make([]string, len(p.errs))
	for i, e := range p.errs {
		msgs[i] = e.Error()
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}
