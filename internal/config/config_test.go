package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, RetryLimits{Analysis: 1, System: 10, Timeout: 0}, cfg.MaxRetries)
	assert.Equal(t, 3, cfg.GuardAttempts)
	assert.Equal(t, 24*time.Hour, cfg.TaskTimeout())
}

func TestDecode_OverridesOnlyPresentKeys(t *testing.T) {
	cfg := Default()
	err := cfg.Decode([]byte(`
tick_interval: 250ms
max_retries:
  analysis: 2
sibling_policy: cancel
`))
	require.NoError(t, err)

	assert.Equal(t, 250*time.Millisecond, cfg.TickInterval)
	assert.Equal(t, 2, cfg.MaxRetries.Analysis)
	assert.Equal(t, 0, cfg.MaxRetries.System, "nested struct is replaced as a whole")
	assert.Equal(t, SiblingCancel, cfg.SiblingPolicy)
	assert.Equal(t, "8080", cfg.APIPort)
}

func TestDecode_RejectsUnknownKeys(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.Decode([]byte("tick: 1s\n")))
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(lookupFrom(map[string]string{
		"DB_URL":                        "postgres://x",
		"TAPESTRY_POLL_TIMEOUT":         "2s",
		"TAPESTRY_MAX_RETRIES_TIMEOUT":  "4",
		"TAPESTRY_TASK_TIMEOUT_HOURS":   "0.5",
		"TAPESTRY_STORE":                "memory",
		"TAPESTRY_MAX_RETRIES_ANALYSIS": "",
		"TAPESTRY_NOTIFICATION_URLS":    "http://a.local/hook, https://b.local/hook,",
	}))
	require.NoError(t, err)

	assert.Equal(t, "postgres://x", cfg.DatabaseURL)
	assert.Equal(t, 2*time.Second, cfg.PollTimeout)
	assert.Equal(t, 4, cfg.MaxRetries.Timeout)
	assert.Equal(t, 1, cfg.MaxRetries.Analysis, "empty value keeps the default")
	assert.Equal(t, 30*time.Minute, cfg.TaskTimeout())
	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, []string{"http://a.local/hook", "https://b.local/hook"}, cfg.NotificationURLs)
	require.NoError(t, cfg.Validate())

	err = cfg.ApplyEnv(lookupFrom(map[string]string{"TAPESTRY_GUARD_ATTEMPTS": "many"}))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero tick", func(c *Config) { c.TickInterval = 0 }},
		{"negative retries", func(c *Config) { c.MaxRetries.System = -1 }},
		{"guard attempts", func(c *Config) { c.GuardAttempts = 0 }},
		{"sibling policy", func(c *Config) { c.SiblingPolicy = "ignore" }},
		{"store", func(c *Config) { c.Store = "sqlite" }},
		{"worker", func(c *Config) { c.Worker = "k8s" }},
		{"cron", func(c *Config) { c.SystemCheck = "every day" }},
		{"notification email", func(c *Config) { c.NotificationURLs = []string{"ops@example.com"} }},
		{"notification scheme", func(c *Config) { c.NotificationURLs = []string{"ftp://files.local"} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestLoad_FromFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tapestry.yaml")
	require.NoError(t, os.WriteFile(path, []byte("api_port: \"9000\"\nworker: local\n"), 0o600))

	t.Setenv("TAPESTRY_CONFIG", path)
	t.Setenv("API_PORT", "9100")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9100", cfg.APIPort, "environment wins over the file")
	assert.Equal(t, WorkerLocal, cfg.Worker)
}
