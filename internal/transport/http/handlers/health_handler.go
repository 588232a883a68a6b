package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/doexcess/business-api/internal/transport/http/dto"
)

// Pinger is a dependency the health check probes, e.g. postgres or redis.
type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthHandler struct {
	checks map[string]Pinger
	now    func() time.Time
}

func NewHealthHandler(checks map[string]Pinger) *HealthHandler {
	return &HealthHandler{checks: checks, now: time.Now}
}

func (h *HealthHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	for name, check := range h.checks {
		if check == nil {
			continue
		}
		if err := check.Ping(ctx); err != nil {
			writeUnavailable(w, name+" is unavailable")
			return
		}
	}
	writeOK(w, dto.HealthResponse{Status: "ok", Time: h.now().UTC()})
}
