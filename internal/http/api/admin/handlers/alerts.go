package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CreditMeter/internal/alerts"
	"github.com/router-for-me/CreditMeter/internal/apierror"
	"github.com/router-for-me/CreditMeter/internal/http/api/middleware"
	log "github.com/sirupsen/logrus"
)

// AlertHandler exposes the alert scanner to administrators.
type AlertHandler struct {
	job *alerts.Job
}

// NewAlertHandler constructs an AlertHandler.
func NewAlertHandler(job *alerts.Job) *AlertHandler {
	return &AlertHandler{job: job}
}

// Scan lists current alerts without notifying anyone.
func (h *AlertHandler) Scan(c *gin.Context) {
	h.run(c, false)
}

// Notify scans and sends the resulting alerts to operators.
func (h *AlertHandler) Notify(c *gin.Context) {
	h.run(c, true)
}

func (h *AlertHandler) run(c *gin.Context, notify bool) {
	report, errRun := h.job.Run(c.Request.Context(), notify)
	if errRun != nil {
		middleware.AbortWithError(c, apierror.Internal("scan alerts failed", errRun))
		return
	}

	if admin, ok := middleware.IdentityFrom(c); ok {
		log.WithFields(log.Fields{
			"admin":    admin.ID,
			"alerts":   len(report.Alerts),
			"notify":   notify,
			"notified": report.Notified,
		}).Info("admin alert scan")
	}

	out := make([]gin.H, 0, len(report.Alerts))
	for _, alert := range report.Alerts {
		out = append(out, gin.H{
			"identity":       alert.Identity.Key(),
			"identity_kind":  string(alert.Identity.Kind),
			"identity_id":    alert.Identity.ID,
			"total_consumed": alert.TotalConsumed,
			"threshold":      alert.Threshold,
			"kind":           string(alert.Kind),
		})
	}

	body := gin.H{
		"success":      true,
		"alerts_count": len(report.Alerts),
		"alerts":       out,
		"scanned_at":   report.ScannedAt,
		"notified":     report.Notified,
	}
	if report.Warning != "" {
		body["warning"] = report.Warning
	}
	c.JSON(http.StatusOK, body)
}
