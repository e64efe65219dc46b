// Package mq — транспорт событий run через RabbitMQ.
//
// Структура:
//   - connection.go — соединение с автоматическим переподключением
//   - topology.go   — exchanges, queues, bindings
//   - publisher.go  — публикация событий
//   - consumer.go   — потребление событий
//
// События:
//   - run.pending  — появился run, который стоит подхватить раньше следующего тика
//   - run.finished — run завершился (SUCCEEDED/FAILED)
//
// Очередь не является источником истины: состояние run живёт только в БД,
// а потерянное сообщение лишь задерживает обработку до следующего опроса.
package mq
