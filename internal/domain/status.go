package domain

// RunStatus — статус Workflow-Run или Step-Run.
//
// Жизненный цикл:
//
//	PENDING → RUNNING → FINISHED
//	                  ↘ FAILED
//	          (или) → KILLED (из PENDING или RUNNING)
//
// Терминальные статусы не меняются. Явный retry Step-Run создаёт
// новое поколение Task-Runs и возвращает Step-Run в PENDING, а его
// предков — из FAILED/KILLED в PENDING.
type RunStatus string

const (
	// RunStatusPending — run создан, входы ещё не готовы.
	RunStatusPending RunStatus = "PENDING"

	// RunStatusRunning — tasks созданы и выполняются.
	RunStatusRunning RunStatus = "RUNNING"

	// RunStatusFinished — все дочерние элементы завершены успешно.
	RunStatusFinished RunStatus = "FINISHED"

	// RunStatusFailed — постоянная ошибка в поддереве.
	RunStatusFailed RunStatus = "FAILED"

	// RunStatusKilled — run остановлен пользователем.
	RunStatusKilled RunStatus = "KILLED"
)

// IsTerminal возвращает true, если статус финальный.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusFinished, RunStatusFailed, RunStatusKilled:
		return true
	default:
		return false
	}
}

// CanTransition проверяет допустимость перехода from → to.
func (s RunStatus) CanTransition(to RunStatus) bool {
	if s == to {
		return true
	}
	switch s {
	case RunStatusPending:
		return to == RunStatusRunning || to.IsTerminal()
	case RunStatusRunning:
		return to.IsTerminal()
	default:
		return false
	}
}

// TaskRunStatus — статус Task-Run.
//
//	PENDING → RUNNING → SUCCEEDED
//	                  ↘ FAILED (после исчерпания попыток)
//	          (или) → KILLED
type TaskRunStatus string

const (
	TaskRunStatusPending   TaskRunStatus = "PENDING"
	TaskRunStatusRunning   TaskRunStatus = "RUNNING"
	TaskRunStatusSucceeded TaskRunStatus = "SUCCEEDED"
	TaskRunStatusFailed    TaskRunStatus = "FAILED"
	TaskRunStatusKilled    TaskRunStatus = "KILLED"
)

// IsTerminal возвращает true, если статус финальный.
func (s TaskRunStatus) IsTerminal() bool {
	switch s {
	case TaskRunStatusSucceeded, TaskRunStatusFailed, TaskRunStatusKilled:
		return true
	default:
		return false
	}
}

// AttemptStatus — статус одной попытки выполнения.
// Попытка неизменяема после перехода в терминальный статус.
type AttemptStatus string

const (
	AttemptStatusPending   AttemptStatus = "PENDING"
	AttemptStatusRunning   AttemptStatus = "RUNNING"
	AttemptStatusSucceeded AttemptStatus = "SUCCEEDED"
	AttemptStatusFailed    AttemptStatus = "FAILED"
	AttemptStatusKilled    AttemptStatus = "KILLED"
)

// IsTerminal возвращает true, если статус финальный.
func (s AttemptStatus) IsTerminal() bool {
	switch s {
	case AttemptStatusSucceeded, AttemptStatusFailed, AttemptStatusKilled:
		return true
	default:
		return false
	}
}

// ParseAttemptStatus парсит строку в AttemptStatus.
// Неизвестное значение возвращает false.
func ParseAttemptStatus(s string) (AttemptStatus, bool) {
	switch AttemptStatus(s) {
	case AttemptStatusPending, AttemptStatusRunning, AttemptStatusSucceeded,
		AttemptStatusFailed, AttemptStatusKilled:
		return AttemptStatus(s), true
	default:
		return "", false
	}
}

// FailureKind — класс ошибки выполнения. Для каждого класса
// действует свой лимит повторов.
type FailureKind string

const (
	// FailureAnalysis — команда завершилась с ошибкой.
	FailureAnalysis FailureKind = "analysis"

	// FailureSystem — сбой воркера или инфраструктуры, потеря heartbeat.
	FailureSystem FailureKind = "system"

	// FailureTimeout — превышен таймаут task или опроса воркера.
	FailureTimeout FailureKind = "timeout"
)

// ParseFailureKind парсит строку в FailureKind.
// Пустое или неизвестное значение трактуется как FailureAnalysis.
func ParseFailureKind(s string) FailureKind {
	switch FailureKind(s) {
	case FailureSystem:
		return FailureSystem
	case FailureTimeout:
		return FailureTimeout
	default:
		return FailureAnalysis
	}
}
