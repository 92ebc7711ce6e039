package telemetry

import (
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/shaiso/Tapestry/internal/domain"
)

// LogLevel читает уровень из LOG_LEVEL: debug, info, warn, error или
// смещение вида "warn+2". Неизвестное значение — info.
func LogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(os.Getenv("LOG_LEVEL")))); err != nil {
		return slog.LevelInfo
	}
	return level
}

// SetupLogger настраивает логгер процесса и делает его глобальным.
//
// LOG_FORMAT=text включает человекочитаемый вывод, иначе JSON.
// Каждая запись несёт имя сервиса, чтобы логи бинарников можно было
// различить в общем потоке.
func SetupLogger(service string) *slog.Logger {
	level := LogLevel()
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level <= slog.LevelDebug,
	}

	var handler slog.Handler
	if os.Getenv("LOG_FORMAT") == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	logger := slog.New(handler).With("service", service)
	slog.SetDefault(logger)
	return logger
}

// WithRun добавляет к логгеру run_id и root_run_id. Для шагов также
// step — имя шага в шаблоне.
func WithRun(logger *slog.Logger, run *domain.Run) *slog.Logger {
	attrs := []any{"run_id", run.ID}
	if run.RootID != run.ID {
		attrs = append(attrs, "root_run_id", run.RootID)
	}
	if run.IsLeaf {
		attrs = append(attrs, "step", run.Name)
	}
	return logger.With(attrs...)
}

// WithTaskRun добавляет к логгеру task_run_id, шаг и поколение.
func WithTaskRun(logger *slog.Logger, tr *domain.TaskRun) *slog.Logger {
	return logger.With(
		"task_run_id", tr.ID,
		"step_run_id", tr.StepRunID,
		"generation", tr.Generation,
	)
}

// WithAttemptID добавляет к логгеру attempt_id.
func WithAttemptID(logger *slog.Logger, attemptID uuid.UUID) *slog.Logger {
	return logger.With("attempt_id", attemptID)
}
