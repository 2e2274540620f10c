// Package mq — уведомления через RabbitMQ.
//
// Очередь задач живёт в БД; RabbitMQ только будит воркеров и собирает
// dead-letter задачи для ручного разбора. Потеря сообщения не теряет
// задачу: воркер подберёт её polling'ом.
//
// Структура:
//   - connection.go — соединение с reconnect, канал публикаций с confirm
//   - topology.go   — exchanges, queues, bindings
//   - publisher.go  — task.ready и task.dead_lettered
//   - consumer.go   — ReadyConsumer: tasks.ready → пробуждение воркеров
//
// Exchanges:
//   - humanitas.tasks — task.ready
//   - humanitas.dlq   — dead-letter задачи и непрочитанные сообщения
package mq
