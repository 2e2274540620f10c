package api

import (
	"net/http"
	"strings"

	"github.com/NovaTayler/Humanitas/internal/domain"
)

// EraseAccount синхронно удаляет данные аккаунта.
// DELETE /api/v1/accounts/{email}
func (h *Handler) EraseAccount(w http.ResponseWriter, r *http.Request) {
	email := domain.NormalizeEmail(r.PathValue("email"))
	if email == "" || !strings.Contains(email, "@") {
		BadRequest(w, "invalid email")
		return
	}

	if err := h.eraser.Erase(r.Context(), email); err != nil {
		InternalError(w, h.logger, err)
		return
	}
	NoContent(w)
}

// Health проверяет зависимости.
// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health(r.Context()); err != nil {
			h.logger.Warn("health check failed", "error", err)
			JSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable", Error: err.Error()})
			return
		}
	}
	JSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}
