package worker

import "errors"

// Ошибки воркера.
var (
	// ErrUnknownHandle — попытка с таким дескриптором не запускалась.
	ErrUnknownHandle = errors.New("unknown attempt handle")

	// ErrUnknownInterpreter — нет executor'а для интерпретатора.
	ErrUnknownInterpreter = errors.New("unknown interpreter")

	// ErrExecutionFailed — команда завершилась с ненулевым кодом.
	ErrExecutionFailed = errors.New("execution failed")

	// ErrOutputSource — источник выхода не задан или не читается.
	ErrOutputSource = errors.New("invalid output source")

	// ErrOutputParse — текст выхода не разбирается парсером.
	ErrOutputParse = errors.New("cannot parse output")

	// ErrWorkerStopped — воркер остановлен.
	ErrWorkerStopped = errors.New("worker stopped")

	// ErrHTTPRequest — HTTP-запрос завершился ошибкой.
	ErrHTTPRequest = errors.New("http request failed")
)
