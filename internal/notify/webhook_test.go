package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Tapestry/internal/domain"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func finishedRun() *domain.Run {
	finished := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	id := uuid.MustParse("8c1f2a3b-0000-4000-8000-000000000001")
	return &domain.Run{
		ID:         id,
		RootID:     id,
		Name:       "pipeline",
		Status:     domain.RunStatusFailed,
		Error:      "step align failed",
		FinishedAt: &finished,
	}
}

func TestValidateTarget(t *testing.T) {
	tests := []struct {
		target string
		valid  bool
	}{
		{"http://hooks.local/run", true},
		{"HTTPS://hooks.local", true},
		{"ops@example.com", false},
		{"ftp://hooks.local", false},
		{"hooks.local/run", false},
		{"http://", false},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			err := ValidateTarget(tt.target)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidTarget)
			}
		})
	}
}

func TestNewNotification(t *testing.T) {
	run := finishedRun()

	n := NewNotification(run, "http://api.local/")
	assert.Equal(t, "Tapestry run pipeline@8c1f2a3b is failed", n.Message)
	assert.Equal(t, "http://api.local/api/v1/runs/"+run.ID.String(), n.RunAPIURL)
	assert.Equal(t, "step align failed", n.Error)

	run.NotificationContext = map[string]string{"server_url": "https://public.example"}
	n = NewNotification(run, "http://api.local")
	assert.Equal(t, "https://public.example/api/v1/runs/"+run.ID.String(), n.RunAPIURL)
	assert.Equal(t, run.NotificationContext, n.Context)
}

func TestWebhook_NotifyPostsToEveryTarget(t *testing.T) {
	var (
		mu       sync.Mutex
		received []Notification
	)
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var n Notification
		if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		received = append(received, n)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ok.Close()

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer broken.Close()

	w := NewWebhook(WebhookConfig{
		URLs:   []string{ok.URL + "/global", broken.URL},
		Logger: quietLogger(),
	})

	run := finishedRun()
	run.NotificationURLs = []string{ok.URL + "/run", ok.URL + "/global"}
	assert.Equal(t, []string{ok.URL + "/run", ok.URL + "/global", broken.URL}, w.Targets(run))

	sent, err := w.Notify(context.Background(), run)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 502")
	assert.Equal(t, 2, sent)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 2)
	assert.Equal(t, run.ID, received[0].RunID)
	assert.Equal(t, domain.RunStatusFailed, received[0].RunStatus)
}

func TestWebhook_NoTargets(t *testing.T) {
	w := NewWebhook(WebhookConfig{Logger: quietLogger()})
	sent, err := w.Notify(context.Background(), finishedRun())
	require.NoError(t, err)
	assert.Zero(t, sent)
}
