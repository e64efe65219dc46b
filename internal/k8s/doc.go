// Package k8s — минимальный REST-клиент Kubernetes API.
//
// Покрывает только то, что нужно драйверу job'ов:
//   - client.go — аутентификация (in-cluster или KUBE_API_URL), маппинг ошибок
//   - jobs.go   — создание, чтение и удаление batch/v1 Job
//   - pods.go   — поиск pod'ов job и чтение их логов
//   - types.go  — подмножество типов batch/v1 и core/v1
package k8s
