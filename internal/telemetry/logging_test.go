package telemetry

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Tapestry/internal/domain"
)

func lastRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	var rec map[string]any
	require.NoError(t, json.Unmarshal(lines[len(lines)-1], &rec))
	return rec
}

func TestLogLevel(t *testing.T) {
	tests := []struct {
		env  string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"error", slog.LevelError},
		{"warn+2", slog.LevelWarn + 2},
		{"loud", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			t.Setenv("LOG_LEVEL", tt.env)
			assert.Equal(t, tt.want, LogLevel())
		})
	}
}

func TestWithRun(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))

	root := &domain.Run{ID: uuid.New(), Name: "pipeline"}
	root.RootID = root.ID
	WithRun(base, root).Info("root")
	rec := lastRecord(t, &buf)
	assert.Equal(t, root.ID.String(), rec["run_id"])
	assert.NotContains(t, rec, "root_run_id")
	assert.NotContains(t, rec, "step")

	step := &domain.Run{ID: uuid.New(), RootID: root.ID, Name: "align", IsLeaf: true}
	WithRun(base, step).Info("step")
	rec = lastRecord(t, &buf)
	assert.Equal(t, step.ID.String(), rec["run_id"])
	assert.Equal(t, root.ID.String(), rec["root_run_id"])
	assert.Equal(t, "align", rec["step"])
}

func TestWithTaskRunAndAttempt(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))

	tr := &domain.TaskRun{ID: uuid.New(), StepRunID: uuid.New(), Generation: 2}
	attemptID := uuid.New()
	WithAttemptID(WithTaskRun(base, tr), attemptID).Info("attempt")

	rec := lastRecord(t, &buf)
	assert.Equal(t, tr.ID.String(), rec["task_run_id"])
	assert.Equal(t, tr.StepRunID.String(), rec["step_run_id"])
	assert.Equal(t, float64(2), rec["generation"])
	assert.Equal(t, attemptID.String(), rec["attempt_id"])
}
