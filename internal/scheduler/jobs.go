package scheduler

import (
	"context"
	"log/slog"
)

// StalledChecker — то, что умеет находить зависшие попытки.
type StalledChecker interface {
	CheckStalled(ctx context.Context) (int, error)
}

// JobStalledCheck — имя задачи проверки зависших попыток.
const JobStalledCheck = "stalled-attempts"

// StalledCheck возвращает задачу, которая по расписанию spec помечает
// попытки без heartbeat как системные ошибки.
func StalledCheck(checker StalledChecker, spec string, logger *slog.Logger) Job {
	if logger == nil {
		logger = slog.Default()
	}
	return Job{
		Name: JobStalledCheck,
		Spec: spec,
		Run: func(ctx context.Context) error {
			n, err := checker.CheckStalled(ctx)
			if err != nil {
				return err
			}
			if n > 0 {
				logger.Info("stalled attempts failed", "count", n)
			}
			return nil
		},
	}
}
