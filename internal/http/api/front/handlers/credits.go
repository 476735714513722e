package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CreditMeter/internal/apierror"
	"github.com/router-for-me/CreditMeter/internal/http/api/middleware"
	"github.com/router-for-me/CreditMeter/internal/usage"
)

// CreditHandler serves the credit consumption endpoint.
type CreditHandler struct {
	service *usage.Service
}

// NewCreditHandler constructs a CreditHandler.
func NewCreditHandler(service *usage.Service) *CreditHandler {
	return &CreditHandler{service: service}
}

// Handle dispatches checkQuota and consumeCredits requests for the caller.
func (h *CreditHandler) Handle(c *gin.Context) {
	id, ok := middleware.IdentityFrom(c)
	if !ok {
		middleware.AbortWithError(c, apierror.Unauthorized("missing identity", nil))
		return
	}

	var body usage.WireRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		middleware.AbortWithError(c, apierror.BadRequest("invalid request body"))
		return
	}
	req, errParse := usage.ParseRequest(body)
	if errParse != nil {
		middleware.AbortWithError(c, errParse)
		return
	}

	result, errHandle := h.service.Handle(c.Request.Context(), id, req)
	if errHandle != nil {
		if retryAfter := result.Decision.RetryAfter(); retryAfter > 0 && apierror.Is(errHandle, apierror.KindRateLimitExceeded) {
			c.Header("Retry-After", strconv.FormatInt(int64(retryAfter.Seconds()), 10))
		}
		middleware.AbortWithError(c, errHandle)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": resultData(result)})
}

func resultData(result usage.Result) gin.H {
	data := gin.H{}
	if result.RemainingCredits != nil {
		data["remainingCredits"] = *result.RemainingCredits
	}
	if result.UserID != "" {
		data["userId"] = result.UserID
	}
	if result.UserEmail != "" {
		data["userEmail"] = result.UserEmail
	}
	if result.Limit != nil {
		data["limit"] = *result.Limit
	}
	if result.Used != nil {
		data["used"] = *result.Used
	}
	if result.WindowSeconds != nil {
		data["windowSeconds"] = *result.WindowSeconds
	}
	return data
}
