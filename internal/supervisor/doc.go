// Package supervisor ведёт runs по стадиям pipeline.
//
// Supervisor отвечает за:
//   - Периодический опрос активных runs из хранилища
//   - Наблюдение за job текущей стадии через JobDriver
//   - Вычисление следующего состояния (Transition — чистая функция)
//   - Применение перехода через compare-and-swap по Version
//   - Создание job, очистку старых job и уведомление о завершении
//
// Состояние run живёт только в хранилище. Между тиками supervisor
// помнит лишь backoff неудачных submit, поэтому несколько реплик
// могут работать одновременно.
package supervisor
