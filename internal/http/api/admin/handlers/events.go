package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CreditMeter/internal/apierror"
	"github.com/router-for-me/CreditMeter/internal/http/api/middleware"
	"github.com/router-for-me/CreditMeter/internal/identity"
	"github.com/router-for-me/CreditMeter/internal/ledger"
)

const (
	defaultEventLimit   = 100
	maxEventLimit       = 1000
	defaultEventTimeout = 5 * time.Second
)

// EventHandler lists ledger history for one identity.
type EventHandler struct {
	store   ledger.Ledger
	timeout time.Duration
}

// NewEventHandler constructs an EventHandler. timeout bounds each ledger
// query; zero selects a default.
func NewEventHandler(store ledger.Ledger, timeout time.Duration) *EventHandler {
	if timeout <= 0 {
		timeout = defaultEventTimeout
	}
	return &EventHandler{store: store, timeout: timeout}
}

// List returns events of ?identity=<kind:id>, optionally filtered by action
// and an RFC3339 [since, until) range.
func (h *EventHandler) List(c *gin.Context) {
	id, errKey := identity.ParseKey(c.Query("identity"))
	if errKey != nil {
		middleware.AbortWithError(c, apierror.BadRequest("identity must be <kind>:<id>"))
		return
	}

	q := ledger.EventQuery{Action: strings.TrimSpace(c.Query("action")), Limit: defaultEventLimit}
	var ok bool
	if q.Since, ok = parseTimeParam(c, "since"); !ok {
		return
	}
	if q.Until, ok = parseTimeParam(c, "until"); !ok {
		return
	}
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		limit, errLimit := strconv.Atoi(raw)
		if errLimit != nil || limit < 1 || limit > maxEventLimit {
			middleware.AbortWithError(c, apierror.BadRequest("limit must be between 1 and 1000"))
			return
		}
		q.Limit = limit
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()
	events, errList := h.store.Events(ctx, id, q)
	if errList != nil {
		middleware.AbortWithError(c, apierror.Internal("list events failed", errList))
		return
	}

	out := make([]gin.H, 0, len(events))
	for _, event := range events {
		out = append(out, gin.H{
			"id":          event.ID,
			"action":      event.Action,
			"credits":     event.Credits,
			"occurred_at": event.OccurredAt,
			"metadata":    event.Metadata,
		})
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "identity": id.Key(), "events": out})
}

func parseTimeParam(c *gin.Context, name string) (time.Time, bool) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return time.Time{}, true
	}
	parsed, errParse := time.Parse(time.RFC3339, raw)
	if errParse != nil {
		middleware.AbortWithError(c, apierror.BadRequest(name+" must be RFC3339"))
		return time.Time{}, false
	}
	return parsed.UTC(), true
}
