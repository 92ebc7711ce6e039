// Package api — HTTP-фасад над оркестратором.
//
// Структура:
//   - handler.go          — Handler с DI (оркестратор, хранилище шаблонов, logger)
//   - routes.go           — регистрация маршрутов
//   - middleware.go       — middleware (request id, logging, recovery)
//   - response.go         — JSON-конверты и отображение ошибок в HTTP-статусы
//   - dto.go              — Data Transfer Objects (request/response)
//   - run_handler.go      — /runs, /step-runs, /active
//   - attempt_handler.go  — /attempts, /task-runs (отчёты воркеров и монитора)
//   - template_handler.go — /templates
//
// Логики здесь нет: каждый обработчик разбирает запрос, вызывает одну
// операцию оркестратора и переводит ошибку в статус (400/404/409/422).
package api
