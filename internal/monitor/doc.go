// Package monitor выполняет одну попытку вне оркестратора.
//
// Монитор получает попытку по ID через API, запускает её команду
// через worker.Client, опрашивает воркер, пока попытка не завершится
// или не истечёт таймаут, шлёт heartbeat и отправляет ровно один
// терминальный отчёт (успех, ошибка команды, таймаут). Код выхода
// процесса берётся из Result.ExitCode.
//
//	m := monitor.New(monitor.Config{
//	    Endpoint: monitor.NewHTTPEndpoint("http://localhost:8080"),
//	    Timeout:  time.Hour,
//	})
//	res, err := m.Run(ctx, attemptID)
package monitor
