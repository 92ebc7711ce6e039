// Package telemetry содержит логгер и метрики процессов Tapestry.
//
// Логи пишутся через slog. SetupLogger настраивает формат и уровень из
// окружения, а WithRun, WithTaskRun и WithAttemptID добавляют
// идентификаторы, по которым запись находится в журнале run.
//
// Metrics считает тики, проходы и попытки планировщика; nil *Metrics
// ничего не делает.
package telemetry
