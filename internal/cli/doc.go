// Package cli реализует инструмент командной строки Stagehand.
//
// CLI работает с Stagehand API по HTTP и не импортирует внутренние
// пакеты системы. Типы ответов API продублированы в client.go.
//
//	client := cli.NewClient("http://localhost:8080")
//	runs, err := client.ListRuns(cli.ListRunsOpts{Pipeline: "staging"})
//
// Вывод — таблица (text/tabwriter) или JSON с флагом --json.
// Данные идут в stdout, сообщения (Success/Error) — в stderr,
// поэтому вывод можно передавать дальше: stagehand run list --json | jq .
//
// Команды по ресурсам:
//   - pipeline: list, show, apply, delete
//   - run: list, start, show, cancel, attempts, wait
//   - schedule: list, create, show, update, delete, enable, disable
//
// Каждая группа создаётся фабрикой (NewPipelineCmd и т.д.), принимающей
// clientFn и outputFn: Client и Output создаются лениво, после разбора
// PersistentFlags.
package cli
