// Package orchestrator ведёт runs от создания до терминального статуса.
//
// Состав:
//   - create.go     — построение графа runs из шаблона и входов
//   - dispatcher.go — создание tasks для готового Step-Run
//   - tick.go       — проходы планировщика: шаги, workflows, task-runs
//   - attempts.go   — жизненный цикл попыток и повторы по классам ошибок
//   - api.go        — операции чтения и записи для API и монитора
//
// Все записи идут через guard.Update: несколько экземпляров оркестратора
// могут работать с одним хранилищем одновременно. Конфликт, не
// разрешившийся за отведённые попытки, откладывается до следующего тика.
package orchestrator
