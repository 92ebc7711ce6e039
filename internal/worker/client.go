package worker

import (
	"context"

	"github.com/shaiso/Tapestry/internal/domain"
)

// State — состояние попытки с точки зрения воркера.
type State string

const (
	StatePending   State = "pending"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// PollResult — ответ воркера на опрос.
type PollResult struct {
	State State

	// Outputs — значения выходов по каналам: скаляр или []any для scatter.
	Outputs map[string]any

	Error string
	Kind  domain.FailureKind

	// Alive — воркер подтвердил, что попытка выполняется прямо сейчас.
	// Заменяет heartbeat для клиентов, которые его не присылают.
	Alive bool
}

// IsTerminal возвращает true, если попытка завершилась.
func (r PollResult) IsTerminal() bool {
	return r.State == StateSucceeded || r.State == StateFailed
}

// Client — интерфейс к Worker Process.
//
// Dispatch идемпотентен по AttemptID: повторный вызов возвращает тот же
// дескриптор. Poll не блокируется дольше, чем позволяет ctx.
// Cancel — best-effort.
type Client interface {
	Dispatch(ctx context.Context, req domain.AttemptRequest) (string, error)
	Poll(ctx context.Context, handle string) (PollResult, error)
	Cancel(ctx context.Context, handle string) error
}
