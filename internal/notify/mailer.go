package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/wneessen/go-mail"
)

const (
	defaultSMTPPort    = 587
	defaultSMTPTimeout = 10 * time.Second
)

// SMTPConfig configures an SMTPMailer.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	// StartTLS upgrades the connection when the server supports it.
	StartTLS bool
	Timeout  time.Duration
}

func (c SMTPConfig) port() int {
	if c.Port <= 0 {
		return defaultSMTPPort
	}
	return c.Port
}

// Addr returns host:port.
func (c SMTPConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.port()))
}

// SMTPMailer sends mail through an SMTP relay.
type SMTPMailer struct {
	cfg SMTPConfig
}

// NewSMTPMailer constructs an SMTPMailer.
func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultSMTPTimeout
	}
	return &SMTPMailer{cfg: cfg}
}

// Send implements Mailer. The whole exchange is bounded by ctx and the
// configured timeout.
func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	if strings.TrimSpace(m.cfg.Host) == "" {
		return fmt.Errorf("smtp: host is empty")
	}
	if len(msg.To) == 0 {
		return ErrNoRecipients
	}

	mailMsg, errMsg := newMailMessage(msg, time.Now())
	if errMsg != nil {
		return errMsg
	}
	client, errClient := mail.NewClient(m.cfg.Host, m.clientOptions()...)
	if errClient != nil {
		return fmt.Errorf("smtp: client: %w", errClient)
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()
	if errSend := client.DialAndSendWithContext(ctx, mailMsg); errSend != nil {
		return fmt.Errorf("smtp: send to %s: %w", m.cfg.Addr(), errSend)
	}
	return nil
}

func (m *SMTPMailer) clientOptions() []mail.Option {
	opts := []mail.Option{
		mail.WithPort(m.cfg.port()),
		mail.WithTimeout(m.cfg.Timeout),
		mail.WithTLSPolicy(mail.NoTLS),
	}
	if m.cfg.StartTLS {
		opts = append(opts,
			mail.WithTLSPolicy(mail.TLSOpportunistic),
			mail.WithTLSConfig(&tls.Config{ServerName: m.cfg.Host, MinVersion: tls.VersionTLS12}),
		)
	}
	if m.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(m.cfg.Username),
			mail.WithPassword(m.cfg.Password),
		)
	}
	return opts
}

// newMailMessage builds a plain-text message. Line breaks are stripped from
// the subject so it cannot open new headers.
func newMailMessage(msg Message, now time.Time) (*mail.Msg, error) {
	out := mail.NewMsg()
	if errFrom := out.From(msg.From); errFrom != nil {
		return nil, fmt.Errorf("smtp: from address: %w", errFrom)
	}
	if errTo := out.To(msg.To...); errTo != nil {
		return nil, fmt.Errorf("smtp: recipient address: %w", errTo)
	}
	out.Subject(strings.NewReplacer("\r", "", "\n", "").Replace(msg.Subject))
	out.SetDateWithValue(now.UTC())
	out.SetBodyString(mail.TypeTextPlain, msg.Body)
	return out, nil
}

// LogMailer writes messages to the log instead of sending them.
type LogMailer struct{}

// Send implements Mailer.
func (LogMailer) Send(_ context.Context, msg Message) error {
	log.WithFields(log.Fields{
		"to":      strings.Join(msg.To, ","),
		"subject": msg.Subject,
	}).Info("notify: alert report\n" + msg.Body)
	return nil
}
