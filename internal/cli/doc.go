// Package cli реализует инструмент командной строки Tapestry.
//
// # Обзор
//
// CLI — клиентская утилита для взаимодействия с Tapestry API.
// Работает через HTTP, не импортирует внутренние пакеты системы.
// CLI используется для запуска шаблонов, наблюдения за runs,
// повтора шагов и импорта шаблонов.
//
// # Ключевые компоненты
//
// ## Client
//
// HTTP-клиент для Tapestry API. Инкапсулирует все HTTP-запросы,
// парсинг ответов (DataResponse, ListResponse, ErrorResponse)
// и обработку ошибок (*APIError).
//
//	client := cli.NewClient("http://localhost:8080")
//	run, err := client.CreateRun(cli.CreateRunRequest{Template: "align:stable"})
//
// ## Output
//
// Форматирование вывода. Поддерживает два режима:
//   - Таблицы (text/tabwriter) — по умолчанию
//   - JSON (json.MarshalIndent) — с флагом --json
//
// Данные выводятся в stdout, сообщения (Success/Error) — в stderr.
// Это позволяет использовать pipe: tapestry run list --json | jq .
//
// ## Commands
//
// Cobra-команды организованы по ресурсам:
//   - run: list, start, show, kill, events, tag
//   - step: retry, attempts
//   - active
//   - template: list, show, import
//
// Каждая группа создаётся через фабричную функцию (NewRunCmd и т.д.),
// принимающую clientFn и outputFn — замыкания для ленивого создания
// Client и Output после парсинга PersistentFlags.
package cli
