package admin

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CreditMeter/internal/alerts"
	handlers "github.com/router-for-me/CreditMeter/internal/http/api/admin/handlers"
	"github.com/router-for-me/CreditMeter/internal/http/api/middleware"
	"github.com/router-for-me/CreditMeter/internal/ledger"
)

// RegisterAdminRoutes registers health, metrics and the admin routes.
// storageTimeout bounds ledger reads made by admin handlers.
func RegisterAdminRoutes(r *gin.Engine, resolver middleware.IdentityResolver, job *alerts.Job, store ledger.Ledger, storageTimeout time.Duration, checks map[string]handlers.Pinger, metricsHandler http.Handler) {
	if r == nil {
		return
	}

	healthHandler := handlers.NewHealthHandler(checks)
	r.GET("/healthz", healthHandler.Healthz)

	if metricsHandler != nil {
		r.GET("/metrics", gin.WrapH(metricsHandler))
	}

	if resolver == nil || job == nil {
		return
	}

	authed := r.Group("/v1/admin")
	authed.Use(middleware.RequireAdmin(resolver))

	alertHandler := handlers.NewAlertHandler(job)
	authed.GET("/alerts", alertHandler.Scan)
	authed.POST("/alerts", alertHandler.Notify)

	if store != nil {
		eventHandler := handlers.NewEventHandler(store, storageTimeout)
		authed.GET("/events", eventHandler.List)
	}
}
