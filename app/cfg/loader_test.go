package cfg

import (
	"testing"
	"time"
)

func TestGetVersion(t *testing.T) {
	if GetVersion() == "" {
		t.Error("GetVersion should never return empty string")
	}
}

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DISPATCH_MODE", "local")
	t.Setenv("WORKER_COUNT", "3")
	t.Setenv("SEARCH_RPS", "2")
	t.Setenv("API_ACCESS_KEY", "api-secret")
	t.Setenv("TASK_CALLBACK_KEY", "")
	t.Setenv("TASK_CALLBACK_URL", "")
	t.Setenv("AI_MODEL", "model-large")
	t.Setenv("AI_LIGHT_MODEL", "")
	t.Setenv("CACHE_BACKEND", "sql")
	t.Setenv("AI_PROVIDER", "anthropic")
}

func TestLoadArgs_FromEnvironment(t *testing.T) {
	setBaseEnv(t)

	c, err := LoadArgs([]string{})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if c == nil {
		t.Fatal("Expected config, got nil")
	}

	if c.WorkerCount != 3 {
		t.Errorf("Expected worker count 3, got %d", c.WorkerCount)
	}
	if c.SearchRPS != 2 {
		t.Errorf("Expected search rps 2, got %v", c.SearchRPS)
	}
	if c.TaskKey != "api-secret" {
		t.Errorf("Expected task key to fall back to API key, got '%s'", c.TaskKey)
	}
	if c.AILightModel != "model-large" {
		t.Errorf("Expected light model to fall back to main model, got '%s'", c.AILightModel)
	}
	if c.DispatchMode != DispatchLocal {
		t.Errorf("Expected dispatch mode '%s', got '%s'", DispatchLocal, c.DispatchMode)
	}
	if c.Version == "" {
		t.Error("Expected version to be set")
	}
}

func TestLoadArgs_FlagsOverrideEnvironment(t *testing.T) {
	setBaseEnv(t)

	c, err := LoadArgs([]string{"--worker-count", "5", "--task-key", "task-secret"})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if c.WorkerCount != 5 {
		t.Errorf("Expected worker count 5, got %d", c.WorkerCount)
	}
	if c.TaskKey != "task-secret" {
		t.Errorf("Expected task key 'task-secret', got '%s'", c.TaskKey)
	}
}

func TestLoadArgs_HTTPDispatchRequiresCallback(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("DISPATCH_MODE", "http")

	if _, err := LoadArgs([]string{}); err == nil {
		t.Error("Expected error when callback URL is missing in http dispatch mode")
	}

	t.Setenv("TASK_CALLBACK_URL", "https://planner.example.com/tasks/generate-plans")
	c, err := LoadArgs([]string{})
	if err != nil {
		t.Fatalf("Expected no error with callback URL, got %v", err)
	}
	if c.CallbackURL == "" {
		t.Error("Expected callback URL to be set")
	}
}

func TestLoadArgs_InvalidWorkerCount(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("WORKER_COUNT", "0")

	if _, err := LoadArgs([]string{}); err == nil {
		t.Error("Expected error for zero worker count")
	}
}

func TestLoadArgs_Help(t *testing.T) {
	setBaseEnv(t)

	c, err := LoadArgs([]string{"--help"})
	if err != nil {
		t.Fatalf("Expected no error for help, got %v", err)
	}
	if c != nil {
		t.Error("Expected nil config when help is requested")
	}
}

func TestLocation(t *testing.T) {
	tests := []struct {
		name     string
		timezone string
	}{
		{"empty", ""},
		{"invalid", "Not/AZone"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Cfg{Timezone: tt.timezone}
			if loc := c.Location(); loc != time.UTC {
				t.Errorf("Expected UTC fallback, got %v", loc)
			}
		})
	}
}
