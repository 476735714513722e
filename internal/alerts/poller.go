package alerts

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// Poller runs a Job on a fixed interval.
type Poller struct {
	job      *Job
	interval time.Duration
	notify   bool
}

// NewPoller constructs a Poller. It returns nil when interval is not positive.
func NewPoller(job *Job, interval time.Duration, notify bool) *Poller {
	if job == nil || interval <= 0 {
		return nil
	}
	return &Poller{job: job, interval: interval, notify: notify}
}

// Start runs the poll loop in the background until ctx is done.
func (p *Poller) Start(ctx context.Context) {
	if p == nil {
		return
	}
	go p.run(ctx)
	log.Infof("alert poller started (interval=%s, notify=%t)", p.interval, p.notify)
}

func (p *Poller) run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.RunOnce(ctx)
		}
	}
}

// RunOnce executes a single scan and logs the outcome.
func (p *Poller) RunOnce(ctx context.Context) Report {
	report, err := p.job.Run(ctx, p.notify)
	if err != nil {
		log.WithError(err).Warn("alert poller: scan failed")
		return Report{}
	}
	fields := log.Fields{"alerts": len(report.Alerts), "notified": report.Notified}
	if report.Warning != "" {
		log.WithFields(fields).Warn("alert poller: " + report.Warning)
		return report
	}
	log.WithFields(fields).Debug("alert poller: scan completed")
	return report
}
