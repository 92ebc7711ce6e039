package worker

import (
	"context"
	"fmt"

	"github.com/shaiso/Tapestry/internal/domain"
)

// Executor — интерфейс для выполнения команды попытки.
//
// Реализации: ShellExecutor, HTTPExecutor.
//
// req.Command уже отрендерен оркестратором. workDir — пустой рабочий
// каталог попытки, из него читаются файловые выходы.
type Executor interface {
	Execute(ctx context.Context, req *domain.AttemptRequest, workDir string) (*ExecutionResult, error)
}

// ExecutionResult — результат выполнения команды.
type ExecutionResult struct {
	Stdout   string
	Stderr   string
	ExitCode int

	// Error — сообщение об ошибке команды (analysis failure).
	// Инфраструктурные ошибки возвращаются через error в Execute().
	Error string
}

// Registry — реестр executor'ов по интерпретатору.
type Registry struct {
	executors map[string]Executor
}

// NewRegistry создаёт реестр с зарегистрированными executor'ами по умолчанию.
//
// Регистрирует: "" и sh (/bin/sh -c), bash, http.
func NewRegistry() *Registry {
	r := &Registry{executors: make(map[string]Executor)}
	r.Register("", &ShellExecutor{Shell: "/bin/sh"})
	r.Register("sh", &ShellExecutor{Shell: "/bin/sh"})
	r.Register("bash", &ShellExecutor{Shell: "bash"})
	r.Register("http", &HTTPExecutor{})
	return r
}

// Register добавляет executor для интерпретатора.
func (r *Registry) Register(interpreter string, executor Executor) {
	r.executors[interpreter] = executor
}

// Get возвращает executor для интерпретатора.
func (r *Registry) Get(interpreter string) (Executor, error) {
	executor, ok := r.executors[interpreter]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInterpreter, interpreter)
	}
	return executor, nil
}
