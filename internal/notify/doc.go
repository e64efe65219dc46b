// Package notify доставляет события о завершении run.
//
// Notifier вызывается supervisor ровно один раз на run (после CAS,
// закрепившего уведомление). Ошибки доставки только логируются:
// повторной отправки нет.
//
// Реализации:
//   - LogNotifier — запись в лог (всегда включена)
//   - SlackNotifier — incoming webhook (SLACK_WEBHOOK_URL)
//   - QueueNotifier — событие run.finished в RabbitMQ
//   - Multi — рассылка по нескольким notifier
package notify
