package front

import (
	"github.com/gin-gonic/gin"
	handlers "github.com/router-for-me/CreditMeter/internal/http/api/front/handlers"
	"github.com/router-for-me/CreditMeter/internal/http/api/middleware"
	"github.com/router-for-me/CreditMeter/internal/usage"
)

// RegisterFrontRoutes registers the caller-facing credit routes.
func RegisterFrontRoutes(r *gin.Engine, resolver middleware.IdentityResolver, service *usage.Service) {
	if r == nil || resolver == nil || service == nil {
		return
	}

	v1 := r.Group("/v1")
	v1.Use(middleware.ResolveIdentity(resolver))

	creditHandler := handlers.NewCreditHandler(service)
	v1.POST("/credits", creditHandler.Handle)
}
