package alerts

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// Dispatcher delivers alerts to operators.
type Dispatcher interface {
	Dispatch(ctx context.Context, alerts []Alert) error
}

// Report is the outcome of one job run.
type Report struct {
	Alerts    []Alert
	ScannedAt time.Time
	Notified  bool   // True when a notification was sent.
	Warning   string // Set when dispatch failed; Alerts stay valid.
}

// Job scans and optionally notifies.
type Job struct {
	scanner    *Scanner
	dispatcher Dispatcher
}

// NewJob constructs a Job. A nil dispatcher disables notification.
func NewJob(scanner *Scanner, dispatcher Dispatcher) *Job {
	return &Job{scanner: scanner, dispatcher: dispatcher}
}

// Run scans the ledger and, when notify is set, dispatches the alerts.
// A dispatch failure is reported in Report.Warning, not as an error.
func (j *Job) Run(ctx context.Context, notify bool) (Report, error) {
	alerts, err := j.scanner.Scan(ctx)
	if err != nil {
		return Report{}, err
	}
	report := Report{Alerts: alerts, ScannedAt: j.scanner.nowFn().UTC()}
	if !notify || len(alerts) == 0 {
		return report, nil
	}
	if j.dispatcher == nil {
		report.Warning = "notification is not configured"
		return report, nil
	}
	if errDispatch := j.dispatcher.Dispatch(ctx, alerts); errDispatch != nil {
		log.WithError(errDispatch).WithField("alerts", len(alerts)).Warn("alerts: dispatch failed")
		report.Warning = "failed to send alert notification"
		return report, nil
	}
	report.Notified = true
	log.WithField("alerts", len(alerts)).Info("alerts: notification sent")
	return report, nil
}
