// Package worker выполняет попытки tasks.
//
// # Обзор
//
// Оркестратор видит воркер через интерфейс Client:
//
//	type Client interface {
//	    Dispatch(ctx context.Context, req domain.AttemptRequest) (string, error)
//	    Poll(ctx context.Context, handle string) (PollResult, error)
//	    Cancel(ctx context.Context, handle string) error
//	}
//
// Реализации:
//   - Local — выполняет попытки в горутинах текущего процесса
//   - MQClient — публикует attempt.ready в RabbitMQ, статус присылает Agent
//
// # Agent
//
// Процесс воркера (cmd/tapestry-worker). Потребляет attempts.ready,
// выполняет попытки через Local, раз в HeartbeatInterval шлёт heartbeat
// и публикует итог в attempts.completed. Отмены приходят через fanout
// tapestry.cancel в собственную очередь агента.
//
// # Executor
//
// Интерфейс для выполнения команды:
//
//	type Executor interface {
//	    Execute(ctx context.Context, req *domain.AttemptRequest, workDir string) (*ExecutionResult, error)
//	}
//
// Реализации:
//   - ShellExecutor — `sh -c` (интерпретаторы "", sh, bash)
//   - HTTPExecutor — HTTP-запрос (интерпретатор http)
//
// # Выходы
//
// CollectOutputs читает выход из stdout, stderr или файла рабочего
// каталога. Scatter-выход разбирается ParseDelimited в массив; файловые
// выходы возвращаются ссылками с sha256 содержимого.
//
// # Ошибки
//
// Пакет различает классы ошибок попытки:
//   - analysis — команда завершилась с ненулевым кодом, выход не разобран
//   - system — процесс не запустился, попытка отменена
//   - timeout — превышен TimeoutHours
package worker
