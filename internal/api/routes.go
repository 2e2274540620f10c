package api

import (
	"net/http"
)

// RegisterRoutes регистрирует все маршруты API.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	chain := Chain(
		Recovery(h.logger),
		RequestID(),
		Logging(h.logger),
	)

	mux.Handle("POST /api/v1/tasks", chain(http.HandlerFunc(h.EnqueueTask)))
	mux.Handle("GET /api/v1/tasks/{id}", chain(http.HandlerFunc(h.GetTask)))
	mux.Handle("DELETE /api/v1/accounts/{email}", chain(http.HandlerFunc(h.EraseAccount)))

	mux.HandleFunc("GET /healthz", h.Health)
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics)
	}
}
