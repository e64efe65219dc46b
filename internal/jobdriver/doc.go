// Package jobdriver переводит попытки стадий в Kubernetes Job'ы.
//
// Драйвер:
//   - создаёт job идемпотентно: имя детерминировано по (stage, run_id, attempt)
//   - классифицирует статус job в domain.JobPhase
//   - собирает диагностику упавшего job (хвост логов pod'ов, полный лог в архив)
//   - удаляет завершённые job'ы (best-effort)
//
// FakeDriver заменяет кластер в режиме FAKE_JOBS.
package jobdriver
