package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// healthTimeout bounds all dependency pings of one health check.
const healthTimeout = 2 * time.Second

// HealthHandler serves the liveness check.
type HealthHandler struct {
	checks map[string]Pinger
}

// NewHealthHandler constructs a HealthHandler over named dependencies.
func NewHealthHandler(checks map[string]Pinger) *HealthHandler {
	return &HealthHandler{checks: checks}
}

// Healthz pings every dependency and reports 503 if any is down.
func (h *HealthHandler) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	status := http.StatusOK
	components := gin.H{}
	for name, check := range h.checks {
		if check == nil {
			continue
		}
		if errPing := check.Ping(ctx); errPing != nil {
			log.WithError(errPing).WithField("component", name).Warn("health check failed")
			components[name] = "down"
			status = http.StatusServiceUnavailable
			continue
		}
		components[name] = "ok"
	}

	result := "ok"
	if status != http.StatusOK {
		result = "degraded"
	}
	c.JSON(status, gin.H{"status": result, "components": components})
}
