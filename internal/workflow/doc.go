// Package workflow выполняет многошаговые сценарии на внешних платформах.
//
// Orchestrator ведёт один экземпляр workflow через состояния
//
//	Started → IdentityAssigned → StepsExecuting(n) → VerificationPending? → Persisting → Completed | Failed
//
// Шаги предоставляет Adapter, выбранный по имени платформы. Каждый шаг
// выполняется под retry.Policy с жёстким таймаутом и после ожидания
// rate limiter'а identity. Шаг может запросить внешнее подтверждение
// (verify.Challenge); полученное значение попадает в Session.
//
// Ошибки workflow размечаются для очереди:
//   - невалидный ввод, неизвестная платформа, fatal от шага → retry.Fatal
//   - исчерпанные retry шага, таймаут подтверждения → retry.Retryable
//     (новая доставка задачи начнёт сценарий заново)
//
// Частичные внешние эффекты упавшего сценария не откатываются.
package workflow
