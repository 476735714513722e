package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CreditMeter/internal/alerts"
	"github.com/router-for-me/CreditMeter/internal/http/api/admin"
	adminhandlers "github.com/router-for-me/CreditMeter/internal/http/api/admin/handlers"
	"github.com/router-for-me/CreditMeter/internal/http/api/front"
	"github.com/router-for-me/CreditMeter/internal/http/api/middleware"
	"github.com/router-for-me/CreditMeter/internal/ledger"
	"github.com/router-for-me/CreditMeter/internal/metrics"
	"github.com/router-for-me/CreditMeter/internal/usage"
)

// Deps are the components the HTTP API is built from.
type Deps struct {
	Resolver middleware.IdentityResolver
	Usage    *usage.Service
	Alerts   *alerts.Job
	Ledger   ledger.Ledger
	Metrics  *metrics.Metrics
	Checks   map[string]adminhandlers.Pinger
	// StorageTimeout bounds ledger reads made directly by handlers.
	StorageTimeout time.Duration
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(deps Deps) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery(), middleware.RequestID(), middleware.AccessLog(deps.Metrics))
	engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "not found"})
	})

	var metricsHandler http.Handler
	if deps.Metrics != nil {
		metricsHandler = deps.Metrics.Handler()
	}
	admin.RegisterAdminRoutes(engine, deps.Resolver, deps.Alerts, deps.Ledger, deps.StorageTimeout, deps.Checks, metricsHandler)
	front.RegisterFrontRoutes(engine, deps.Resolver, deps.Usage)
	return engine
}
