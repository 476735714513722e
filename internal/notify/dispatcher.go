// Package notify renders alert reports and delivers them to operators.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/router-for-me/CreditMeter/internal/alerts"
)

// ErrNoRecipients is returned when neither configuration nor the recipient
// lookup yields an address.
var ErrNoRecipients = errors.New("notify: no alert recipients")

// Message is a plain-text email.
type Message struct {
	From    string
	To      []string
	Subject string
	Body    string
}

// Mailer sends a message.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// RecipientLookup supplies fallback recipients, typically admin profiles.
type RecipientLookup interface {
	AdminEmails(ctx context.Context) ([]string, error)
}

// Config configures a Dispatcher.
type Config struct {
	From          string
	Recipients    []string
	SubjectPrefix string
}

// Dispatcher groups alerts into one report and mails it.
type Dispatcher struct {
	mailer   Mailer
	cfg      Config
	fallback RecipientLookup
	nowFn    func() time.Time
}

var _ alerts.Dispatcher = (*Dispatcher)(nil)

// NewDispatcher constructs a Dispatcher. fallback may be nil.
func NewDispatcher(mailer Mailer, cfg Config, fallback RecipientLookup, nowFn func() time.Time) *Dispatcher {
	if nowFn == nil {
		nowFn = time.Now
	}
	if strings.TrimSpace(cfg.SubjectPrefix) == "" {
		cfg.SubjectPrefix = "[CreditMeter]"
	}
	return &Dispatcher{mailer: mailer, cfg: cfg, fallback: fallback, nowFn: nowFn}
}

// Dispatch sends one report covering every alert. Empty input sends nothing.
func (d *Dispatcher) Dispatch(ctx context.Context, list []alerts.Alert) error {
	if len(list) == 0 {
		return nil
	}
	if d.mailer == nil {
		return fmt.Errorf("notify: mailer not configured")
	}
	recipients, err := d.recipients(ctx)
	if err != nil && (!errors.Is(err, ErrNoRecipients) || requiresRecipients(d.mailer)) {
		return err
	}

	msg := Message{
		From:    d.cfg.From,
		To:      recipients,
		Subject: fmt.Sprintf("%s %d usage alert(s)", strings.TrimSpace(d.cfg.SubjectPrefix), len(list)),
		Body:    RenderReport(list, d.nowFn()),
	}
	if errSend := d.mailer.Send(ctx, msg); errSend != nil {
		return fmt.Errorf("notify: send report: %w", errSend)
	}
	return nil
}

func (d *Dispatcher) recipients(ctx context.Context) ([]string, error) {
	out := cleanAddresses(d.cfg.Recipients)
	if len(out) > 0 {
		return out, nil
	}
	if d.fallback == nil {
		return nil, ErrNoRecipients
	}
	emails, err := d.fallback.AdminEmails(ctx)
	if err != nil {
		return nil, fmt.Errorf("notify: load admin recipients: %w", err)
	}
	out = cleanAddresses(emails)
	if len(out) == 0 {
		return nil, ErrNoRecipients
	}
	return out, nil
}

// requiresRecipients reports whether the mailer delivers to real addresses.
func requiresRecipients(m Mailer) bool {
	switch m.(type) {
	case LogMailer, *LogMailer:
		return false
	default:
		return true
	}
}

func cleanAddresses(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, addr := range in {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		key := strings.ToLower(addr)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, addr)
	}
	return out
}

var sections = []struct {
	kind  alerts.Kind
	title string
	rule  string
}{
	{alerts.KindHighUsage, "High usage", "total credits >= threshold"},
	{alerts.KindSuspiciousActivity, "Suspicious activity", "credits in the trailing window > threshold"},
}

// RenderReport formats alerts as a plain-text report grouped by kind.
func RenderReport(list []alerts.Alert, generatedAt time.Time) string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Usage alert report, generated %s\n", generatedAt.UTC().Format(time.RFC3339))

	for _, section := range sections {
		var group []alerts.Alert
		for _, alert := range list {
			if alert.Kind == section.kind {
				group = append(group, alert)
			}
		}
		if len(group) == 0 {
			continue
		}
		fmt.Fprintf(&buf, "\n%s (%d): %s\n\n", section.title, len(group), section.rule)
		tw := tabwriter.NewWriter(&buf, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "IDENTITY\tCONSUMED\tTHRESHOLD")
		for _, alert := range group {
			fmt.Fprintf(tw, "%s\t%d\t%d\n", alert.Identity.Key(), alert.TotalConsumed, alert.Threshold)
		}
		_ = tw.Flush()
	}
	return buf.String()
}
