package orchestrator

import (
	"errors"
	"fmt"
	"strings"
)

// Ошибки оркестратора.
var (
	// ErrMissingInputs — у run остались неподключённые входы.
	ErrMissingInputs = errors.New("missing inputs")

	// ErrUnknownInput — пользователь передал вход, которого нет в шаблоне.
	ErrUnknownInput = errors.New("unknown input")

	// ErrInvalidInput — значение входа не соответствует типу порта или
	// недопустим параметр запуска, например адрес уведомления.
	ErrInvalidInput = errors.New("invalid input value")

	// ErrChannelType — тип входа не совпадает с типом источника канала.
	ErrChannelType = errors.New("channel type mismatch")

	// ErrMissingOutput — успешная попытка не вернула выход порта.
	ErrMissingOutput = errors.New("missing output")

	// ErrInvalidOutput — значение выхода не соответствует порту.
	ErrInvalidOutput = errors.New("invalid output value")

	// ErrAttemptFinished — попытка уже завершена с другим статусом.
	ErrAttemptFinished = errors.New("attempt already finished")

	// ErrRunFinished — run уже в терминальном статусе.
	ErrRunFinished = errors.New("run already finished")

	// ErrInvalidReport — отчёт о попытке некорректен.
	ErrInvalidReport = errors.New("invalid attempt report")

	// ErrOrchestratorStopped — оркестратор остановлен.
	ErrOrchestratorStopped = errors.New("orchestrator stopped")
)

// MissingInputsError перечисляет все входы без источника.
// Каналы записаны как "путь/шаг.канал".
type MissingInputsError struct {
	Channels []string
}

func (e *MissingInputsError) Error() string {
	return fmt.Sprintf("%s: %s", ErrMissingInputs, strings.Join(e.Channels, ", "))
}

func (e *MissingInputsError) Unwrap() error {
	return ErrMissingInputs
}
