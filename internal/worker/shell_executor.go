package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"time"

	"github.com/shaiso/Tapestry/internal/domain"
)

// waitDelay — сколько ждать закрытия потоков после остановки процесса.
const waitDelay = time.Second

// ShellExecutor выполняет команду через `<Shell> -c`.
//
// Переменные Environment добавляются к окружению процесса воркера.
// Ненулевой код выхода — логическая ошибка (ExecutionResult.Error).
type ShellExecutor struct {
	Shell string
}

// Execute запускает команду и ждёт её завершения.
func (e *ShellExecutor) Execute(ctx context.Context, req *domain.AttemptRequest, workDir string) (*ExecutionResult, error) {
	shell := e.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	cmd := exec.CommandContext(ctx, shell, "-c", req.Command)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(), envList(req.Environment)...)
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := &ExecutionResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return result, nil
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
		result.Error = fmt.Sprintf("command exited with status %d: %s",
			result.ExitCode, truncate(result.Stderr, 500))
		return result, nil
	default:
		// Процесс не стартовал: нет интерпретатора или каталога.
		return nil, fmt.Errorf("start %s: %w", shell, err)
	}
}

// envList возвращает окружение в формате KEY=VALUE в стабильном порядке.
func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// truncate обрезает строку до указанной длины.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
