// Package worker выполняет задачи из durable-очереди.
//
// # Обзор
//
// Pool — ограниченный набор горутин (Concurrency), каждая из которых
// берёт задачу из Queue, находит Handler по kind и выполняет его с
// жёстким таймаутом. Задача доставляется at-least-once: пока воркер её
// выполняет, она невидима для других до VisibilityDeadline; если воркер
// пропал, задача выдаётся повторно. Обработчики обязаны быть
// идемпотентными.
//
// # Итог выполнения
//
//   - nil → Ack
//   - ошибка с тегом retry.Fatal → DeadLetter
//   - иная ошибка, попытки остались → Nack с backoff
//   - иная ошибка, попытки исчерпаны → DeadLetter
//   - задача пришла с attempt > max_attempts → DeadLetter без запуска
//
// Dead-letter задачи считаются в метриках и публикуются в DLQ RabbitMQ.
//
// # Пробуждение
//
// RabbitMQ (tasks.ready) будит простаивающих воркеров сразу после
// enqueue; без него воркеры опрашивают очередь раз в PollInterval.
//
//	pool := worker.New(worker.Config{
//	    Queue:       taskRepo,
//	    Registry:    registry,
//	    Concurrency: 8,
//	    Conn:        mqConn,
//	    DeadLetters: publisher,
//	    Metrics:     metrics,
//	    Logger:      logger,
//	})
//	err := pool.Run(ctx)
package worker
