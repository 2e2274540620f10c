// Package api — HTTP-поверхность постановки задач.
//
// Маршруты:
//   - POST   /api/v1/tasks            — поставить задачу {kind, payload, max_attempts?}
//   - GET    /api/v1/tasks/{id}       — статус задачи
//   - DELETE /api/v1/accounts/{email} — удалить данные аккаунта
//   - GET    /healthz                 — проверка зависимостей
//   - GET    /metrics                 — Prometheus
//
// Ответы — JSON: {"data": ...} или {"error": {"code", "message"}}.
package api
