// Package api содержит HTTP API сервер.
//
// Структура:
//   - handler.go          — Handler и интерфейсы хранилищ
//   - routes.go           — регистрация маршрутов
//   - middleware.go       — middleware (logging, recovery, metrics)
//   - response.go         — унифицированные JSON-ответы и обработка ошибок
//   - dto.go              — Data Transfer Objects (request/response)
//   - pipeline_handler.go — обработчики для /pipelines
//   - run_handler.go      — обработчики для /runs
//   - schedule_handler.go — обработчики для /schedules
//
// API не меняет состояние идущих runs: создание run и запрос
// отмены — единственные операции записи над runs.
package api
