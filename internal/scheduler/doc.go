// Package scheduler запускает периодические задачи обслуживания.
//
// Runner держит именованные задачи на cron-выражениях robfig/cron
// (пять полей или дескрипторы вида "@every 15m"). Основная задача —
// проверка зависших попыток (StalledCheck), которая переводит попытки
// без heartbeat в системную ошибку.
//
// Структура:
//   - scheduler.go — Runner (Add, RunNow, Jobs, Start, Stop)
//   - jobs.go      — готовые задачи
//   - cron.go      — разбор выражений и вычисление следующего времени
//
// Использование:
//
//	runner := scheduler.New(scheduler.Config{Logger: logger})
//	if err := runner.Add(scheduler.StalledCheck(orch, cfg.SystemCheck, logger)); err != nil {
//	    return err
//	}
//	runner.Start(ctx)
//	defer runner.Stop()
package scheduler
