// Package scheduler создаёт runs по расписаниям.
//
// Scheduler периодически находит schedules с истекшим next_due_at
// и создаёт для каждого run со снимком стадий pipeline.
//
// Структура:
//   - scheduler.go — Tick и обработка одного schedule
//   - leader.go    — цикл с leader election через advisory lock
//   - cron.go      — cron-выражения и вычисление следующего времени
//
// Использование:
//
//	sched := scheduler.New(scheduler.Config{
//	    Schedules: scheduleRepo,
//	    Runs:      runRepo,
//	    Catalog:   pipelineRepo,
//	    Publisher: publisher,  // опционально
//	    Logger:    logger,
//	})
//
//	err := sched.Run(ctx, time.Second, repo.NewAdvisoryLock(pool, repo.SchedulerLockKey))
//
// Повторная обработка одного срабатывания не создаёт второй run:
// ключ идемпотентности "{schedule_id}_{next_due_at_unix}" уникален
// в рамках pipeline type.
package scheduler
