// Package engine содержит логику шаблонов, не зависящую от хранилища.
//
// Включает:
//   - parser.go   — валидация шаблона и режимов портов
//   - dag.go      — граф соседних шагов, связанных каналами
//   - inputs.go   — вычисление наборов входов для tasks
//   - template.go — подстановка входов в команду ({{ .reads }})
//
// Engine отвечает за понимание структуры workflow; планирование и
// запись состояния выполняет orchestrator.
package engine
