package middleware

import (
	"context"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/router-for-me/CreditMeter/internal/apierror"
	"github.com/router-for-me/CreditMeter/internal/identity"
	"github.com/router-for-me/CreditMeter/internal/metrics"
	log "github.com/sirupsen/logrus"
)

// HeaderRequestID carries the request correlation id.
const HeaderRequestID = "X-Request-ID"

const (
	ctxRequestIDKey = "requestID"
	ctxIdentityKey  = "identity"
)

// maxRequestIDLength bounds client supplied request ids.
const maxRequestIDLength = 128

// IdentityResolver turns request credentials into an identity.
type IdentityResolver interface {
	Resolve(ctx context.Context, creds identity.Credentials) (identity.Identity, error)
}

// RequestID propagates X-Request-ID, generating one when absent.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := strings.TrimSpace(c.GetHeader(HeaderRequestID))
		if requestID == "" || len(requestID) > maxRequestIDLength {
			requestID = uuid.NewString()
		}
		c.Set(ctxRequestIDKey, requestID)
		c.Header(HeaderRequestID, requestID)
		c.Next()
	}
}

// RequestIDFrom returns the request id set by RequestID.
func RequestIDFrom(c *gin.Context) string {
	return c.GetString(ctxRequestIDKey)
}

// AccessLog logs each request and records it in m. m may be nil.
func AccessLog(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		m.ObserveHTTP(route, c.Request.Method, status)

		entry := log.WithFields(log.Fields{
			"request_id": RequestIDFrom(c),
			"method":     c.Request.Method,
			"route":      route,
			"status":     status,
			"latency":    time.Since(started).String(),
			"client_ip":  c.ClientIP(),
		})
		if status >= 500 {
			entry.Warn("request failed")
			return
		}
		entry.Debug("request served")
	}
}

// ResolveIdentity resolves the caller from the bearer token or device
// fingerprint and stores it on the context.
func ResolveIdentity(resolver IdentityResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, errResolve := resolver.Resolve(c.Request.Context(), identity.Credentials{
			Authorization: c.GetHeader(identity.HeaderAuthorization),
			Fingerprint:   c.GetHeader(identity.HeaderFingerprint),
		})
		if errResolve != nil {
			AbortWithError(c, errResolve)
			return
		}
		c.Set(ctxIdentityKey, id)
		c.Next()
	}
}

// RequireAdmin accepts only bearer callers whose stored role is admin.
// Fingerprint credentials are ignored.
func RequireAdmin(resolver IdentityResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := strings.TrimSpace(c.GetHeader(identity.HeaderAuthorization))
		if authHeader == "" {
			AbortWithError(c, apierror.Unauthorized("missing authorization header", nil))
			return
		}
		id, errResolve := resolver.Resolve(c.Request.Context(), identity.Credentials{Authorization: authHeader})
		if errResolve != nil {
			AbortWithError(c, errResolve)
			return
		}
		if !id.IsAdmin() {
			AbortWithError(c, apierror.Forbidden("admin role required"))
			return
		}
		c.Set(ctxIdentityKey, id)
		c.Next()
	}
}

// IdentityFrom returns the identity stored by ResolveIdentity or RequireAdmin.
func IdentityFrom(c *gin.Context) (identity.Identity, bool) {
	value, ok := c.Get(ctxIdentityKey)
	if !ok {
		return identity.Identity{}, false
	}
	id, ok := value.(identity.Identity)
	return id, ok && !id.IsZero()
}

// AbortWithError renders err as {success:false, error} with the status of its
// apierror kind. Errors outside apierror are reported as internal.
func AbortWithError(c *gin.Context, err error) {
	apiErr, ok := apierror.As(err)
	if !ok {
		apiErr = apierror.Internal("internal error", err)
	}

	body := gin.H{"success": false, "error": apiErr.Message}
	switch apiErr.Kind {
	case apierror.KindRateLimitExceeded:
		body["limit"] = apiErr.Limit
		body["userCount"] = apiErr.UserCount
	case apierror.KindInternal:
		log.WithError(apiErr).WithField("request_id", RequestIDFrom(c)).Error("request failed")
	}
	c.AbortWithStatusJSON(apiErr.HTTPStatus(), body)
}
