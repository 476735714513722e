// Package alerts scans the quota ledger for identities whose consumption
// warrants operator attention.
package alerts

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/router-for-me/CreditMeter/internal/identity"
	"github.com/router-for-me/CreditMeter/internal/ledger"
	"github.com/router-for-me/CreditMeter/internal/metrics"

	"golang.org/x/sync/errgroup"
)

// Default thresholds.
const (
	DefaultHighUsageThreshold  = 50
	DefaultSuspiciousThreshold = 30
	DefaultSuspiciousWindow    = time.Hour
	DefaultScanTimeout         = 5 * time.Second
)

// Kind classifies an alert.
type Kind string

// Kind constants.
const (
	// KindHighUsage flags identities at or above the high-usage threshold.
	KindHighUsage Kind = "high_usage"
	// KindSuspiciousActivity flags bursts above the suspicious threshold.
	KindSuspiciousActivity Kind = "suspicious_activity"
)

func (k Kind) rank() int {
	if k == KindHighUsage {
		return 0
	}
	return 1
}

// Alert is one flagged identity. Alerts are computed, not stored.
type Alert struct {
	Identity      identity.Identity
	TotalConsumed int64
	Threshold     int64
	Kind          Kind
}

// Config tunes the scanner.
type Config struct {
	// HighUsageThreshold is inclusive: totals >= threshold alert.
	HighUsageThreshold int64
	// HighUsageActions limits the high-usage pass; empty means every action.
	HighUsageActions []string
	// HighUsageHorizon bounds the high-usage pass; zero means all-time.
	HighUsageHorizon time.Duration
	// SuspiciousThreshold is strict: totals > threshold alert.
	SuspiciousThreshold int64
	SuspiciousWindow    time.Duration
	// Timeout bounds the ledger queries of one scan.
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.HighUsageThreshold <= 0 {
		c.HighUsageThreshold = DefaultHighUsageThreshold
	}
	if c.SuspiciousThreshold <= 0 {
		c.SuspiciousThreshold = DefaultSuspiciousThreshold
	}
	if c.SuspiciousWindow <= 0 {
		c.SuspiciousWindow = DefaultSuspiciousWindow
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultScanTimeout
	}
	return c
}

// Scanner reads the ledger and reports alerts. It never writes.
type Scanner struct {
	ledger  ledger.Ledger
	cfg     Config
	nowFn   func() time.Time
	metrics *metrics.Metrics
}

// NewScanner constructs a Scanner.
func NewScanner(store ledger.Ledger, cfg Config, nowFn func() time.Time, m *metrics.Metrics) *Scanner {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Scanner{ledger: store, cfg: cfg.withDefaults(), nowFn: nowFn, metrics: m}
}

// Config returns the effective scanner configuration.
func (s *Scanner) Config() Config {
	return s.cfg
}

// Scan runs the high-usage and suspicious-activity passes concurrently and
// returns their alerts ordered by kind, consumption (descending) and identity.
// An identity may appear once per kind.
func (s *Scanner) Scan(ctx context.Context) ([]Alert, error) {
	now := s.nowFn().UTC()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	var highUsage, suspicious []Alert
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		q := ledger.TotalsQuery{
			Actions:    s.cfg.HighUsageActions,
			MinCredits: s.cfg.HighUsageThreshold,
		}
		if s.cfg.HighUsageHorizon > 0 {
			q.Since = now.Add(-s.cfg.HighUsageHorizon)
		}
		totals, err := s.ledger.Totals(gCtx, q)
		if err != nil {
			return fmt.Errorf("alerts: high usage scan: %w", err)
		}
		highUsage = toAlerts(totals, KindHighUsage, s.cfg.HighUsageThreshold)
		return nil
	})
	g.Go(func() error {
		totals, err := s.ledger.Totals(gCtx, ledger.TotalsQuery{
			Since:      now.Add(-s.cfg.SuspiciousWindow),
			MinCredits: s.cfg.SuspiciousThreshold + 1,
		})
		if err != nil {
			return fmt.Errorf("alerts: suspicious activity scan: %w", err)
		}
		suspicious = toAlerts(totals, KindSuspiciousActivity, s.cfg.SuspiciousThreshold)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	s.metrics.SetAlerts(string(KindHighUsage), len(highUsage))
	s.metrics.SetAlerts(string(KindSuspiciousActivity), len(suspicious))

	out := make([]Alert, 0, len(highUsage)+len(suspicious))
	out = append(out, highUsage...)
	out = append(out, suspicious...)
	sortAlerts(out)
	return out, nil
}

func toAlerts(totals []ledger.Total, kind Kind, threshold int64) []Alert {
	out := make([]Alert, 0, len(totals))
	for _, total := range totals {
		out = append(out, Alert{
			Identity:      total.Identity,
			TotalConsumed: total.Credits,
			Threshold:     threshold,
			Kind:          kind,
		})
	}
	return out
}

func sortAlerts(alerts []Alert) {
	sort.SliceStable(alerts, func(i, j int) bool {
		a, b := alerts[i], alerts[j]
		if a.Kind != b.Kind {
			return a.Kind.rank() < b.Kind.rank()
		}
		if a.TotalConsumed != b.TotalConsumed {
			return a.TotalConsumed > b.TotalConsumed
		}
		return a.Identity.Key() < b.Identity.Key()
	})
}
