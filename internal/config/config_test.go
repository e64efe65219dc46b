package config

import (
	"strings"
	"testing"
	"time"
)

func env(vars map[string]string) Getenv {
	return func(key string) string { return vars[key] }
}

// --- LoadSupervisor Tests ---

func TestLoadSupervisor_Defaults(t *testing.T) {
	cfg, err := LoadSupervisor(env(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.PollInterval != 10*time.Second || cfg.Workers != 8 || cfg.BatchSize != 500 {
		t.Errorf("unexpected loop defaults: %+v", cfg)
	}
	if cfg.StalenessTimeout != 10*time.Minute || cfg.CallTimeout != 15*time.Second {
		t.Errorf("unexpected timeouts: staleness=%v call=%v", cfg.StalenessTimeout, cfg.CallTimeout)
	}
	if cfg.Jobs.Fake || cfg.Jobs.TTLSeconds != 3600 || cfg.Jobs.LimitMultiplier != 0.5 {
		t.Errorf("unexpected job defaults: %+v", cfg.Jobs)
	}
	if cfg.Port != "8083" || cfg.Jobs.SecretEnv != nil {
		t.Errorf("unexpected port %q or secret env %v", cfg.Port, cfg.Jobs.SecretEnv)
	}
}

func TestLoadSupervisor_Values(t *testing.T) {
	cfg, err := LoadSupervisor(env(map[string]string{
		"POLL_INTERVAL":        "2s",
		"IDLE_POLL_INTERVAL":   "30",
		"IDLE_TICKS":           "6",
		"STALENESS_TIMEOUT":    "15m",
		"PAUSE_FILE":           "/tmp/PAUSE",
		"FAKE_JOBS":            "true",
		"JOB_NAMESPACE":        "pipelines",
		"JOB_LIMIT_MULTIPLIER": "1.0",
		"JOB_CPU_LIMITS":       "1",
		"JOB_SECRET_NAME":      "stagehand-env",
		"JOB_SECRET_ENV":       "AWS_ACCESS_KEY_ID:aws_key, DB_PASSWORD",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.PollInterval != 2*time.Second || cfg.IdlePollInterval != 30*time.Second || cfg.IdleTicks != 6 {
		t.Errorf("unexpected polling: %v %v %d", cfg.PollInterval, cfg.IdlePollInterval, cfg.IdleTicks)
	}
	if cfg.StalenessTimeout != 15*time.Minute || cfg.PauseFile != "/tmp/PAUSE" {
		t.Errorf("unexpected values: %v %q", cfg.StalenessTimeout, cfg.PauseFile)
	}
	if !cfg.Jobs.Fake || !cfg.Jobs.CPULimits || cfg.Jobs.LimitMultiplier != 1.0 || cfg.Jobs.Namespace != "pipelines" {
		t.Errorf("unexpected jobs: %+v", cfg.Jobs)
	}
	if cfg.Jobs.SecretEnv["AWS_ACCESS_KEY_ID"] != "aws_key" || cfg.Jobs.SecretEnv["DB_PASSWORD"] != "db_password" {
		t.Errorf("unexpected secret env: %v", cfg.Jobs.SecretEnv)
	}
}

func TestLoadSupervisor_Errors(t *testing.T) {
	_, err := LoadSupervisor(env(map[string]string{
		"POLL_INTERVAL":  "soon",
		"WORKERS":        "many",
		"JOB_CPU_LIMITS": "maybe",
		"JOB_SECRET_ENV": "TOKEN:token",
	}))
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"POLL_INTERVAL", "WORKERS", "JOB_CPU_LIMITS", "JOB_SECRET_NAME"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %s in %q", want, err.Error())
		}
	}
}

// --- ParseSecretEnv Tests ---

func TestParseSecretEnv(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    map[string]string
		wantErr bool
	}{
		{"empty", "", nil, false},
		{"single", "TOKEN:api_token", map[string]string{"TOKEN": "api_token"}, false},
		{"default key", "API_TOKEN", map[string]string{"API_TOKEN": "api_token"}, false},
		{"spaces and trailing comma", " A:a , B:b ,", map[string]string{"A": "a", "B": "b"}, false},
		{"empty key", "TOKEN:", nil, true},
		{"empty name", ":token", nil, true},
		{"duplicate", "A:a,A:b", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSecretEnv(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("%s: expected %q, got %q", k, v, got[k])
				}
			}
		})
	}
}

func TestSecretEnvNames(t *testing.T) {
	names := SecretEnvNames(map[string]string{"B": "b", "A": "a"})
	if strings.Join(names, ",") != "A,B" {
		t.Errorf("unexpected order %v", names)
	}
}

func TestPort(t *testing.T) {
	if got := Port(env(nil), "API_PORT", "8080"); got != "8080" {
		t.Errorf("expected default, got %q", got)
	}
	if got := Port(env(map[string]string{"API_PORT": "9000"}), "API_PORT", "8080"); got != "9000" {
		t.Errorf("expected 9000, got %q", got)
	}
}
