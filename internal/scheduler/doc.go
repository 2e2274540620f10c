// Package scheduler запускает периодическое обслуживание воркера по cron.
//
// Задания:
//   - обновление пула identity (IdentityRefreshJob)
//   - отчёт о глубине очереди задач (QueueReportJob)
//
// Использование:
//
//	sched := scheduler.New(scheduler.Config{Logger: logger})
//	if err := sched.Add(scheduler.IdentityRefreshJob("@hourly", pool)); err != nil {
//	    return err
//	}
//	sched.Run(ctx) // блокируется до отмены ctx
//
// Задание не запускается повторно, пока не завершился предыдущий запуск.
// Ошибка задания логируется и не останавливает планировщик.
package scheduler
