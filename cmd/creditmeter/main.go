// Command creditmeter meters and rate limits credit consumption per caller.
//
// Usage:
//
//	creditmeter serve --config config.yaml
//	creditmeter migrate
//	creditmeter scan --notify
//	creditmeter token --user ops --email ops@example.com --admin
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/router-for-me/CreditMeter/internal/alerts"
	"github.com/router-for-me/CreditMeter/internal/app"
	"github.com/router-for-me/CreditMeter/internal/config"
	"github.com/router-for-me/CreditMeter/internal/logging"
	"github.com/router-for-me/CreditMeter/internal/notify"
	internalsettings "github.com/router-for-me/CreditMeter/internal/settings"

	log "github.com/sirupsen/logrus"
)

// CLI defines the command-line interface.
type CLI struct {
	Serve   ServeCmd   `cmd:"" default:"withargs" help:"Start the HTTP API (default)."`
	Migrate MigrateCmd `cmd:"" help:"Run database migrations."`
	Scan    ScanCmd    `cmd:"" help:"Scan the ledger for usage alerts once."`
	Token   TokenCmd   `cmd:"" help:"Record a profile and print a bearer token for it."`

	Config   string `short:"c" help:"Path to config file (or env CONFIG_PATH)." type:"path"`
	LogLevel string `help:"Log level override (debug, info, warn, error)."`
}

func (c *CLI) appConfig() (config.AppConfig, error) {
	appCfg, err := config.LoadFromEnv()
	if err != nil {
		return config.AppConfig{}, err
	}
	if strings.TrimSpace(c.Config) != "" {
		appCfg.ConfigPath = config.ResolveConfigPath(c.Config)
	}
	return appCfg, nil
}

// setupLogging applies the logging section of the config file. Config errors
// are reported by the command itself.
func (c *CLI) setupLogging(appCfg config.AppConfig) io.Closer {
	meterCfg, err := app.LoadMeterConfig(appCfg)
	if err != nil {
		meterCfg = config.DefaultMeterConfig()
	}
	if level := strings.TrimSpace(c.LogLevel); level != "" {
		meterCfg.Logging.Level = level
	}
	closer, errSetup := logging.Setup(meterCfg.Logging)
	if errSetup != nil {
		log.WithError(errSetup).Warn("invalid logging config, using defaults")
		return nil
	}
	if !config.ConfigExists(config.ResolveConfigPath(appCfg.ConfigPath)) {
		log.Info("config file not found, using defaults and environment")
	}
	return closer
}

// ServeCmd starts the HTTP API.
type ServeCmd struct{}

// Run serves the API until SIGINT or SIGTERM.
func (c *ServeCmd) Run(appCfg config.AppConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return app.RunServer(ctx, appCfg)
}

// MigrateCmd applies database migrations.
type MigrateCmd struct{}

// Run migrates the configured database.
func (c *MigrateCmd) Run(appCfg config.AppConfig) error {
	if err := app.Migrate(context.Background(), appCfg); err != nil {
		return err
	}
	log.Info("migrations applied")
	return nil
}

// ScanCmd runs the alert scanner once.
type ScanCmd struct {
	Notify bool `help:"Send the report to operators."`
	JSON   bool `name:"json" help:"Print alerts as JSON."`
}

// Run scans once and prints the report as text or JSON.
func (c *ScanCmd) Run(appCfg config.AppConfig) error {
	report, err := app.RunScan(context.Background(), appCfg, c.Notify)
	if err != nil {
		return err
	}
	if c.JSON {
		return printJSON(os.Stdout, report)
	}
	fmt.Fprint(os.Stdout, notify.RenderReport(report.Alerts, report.ScannedAt))
	if report.Warning != "" {
		log.Warn(report.Warning)
	}
	return nil
}

func printJSON(w io.Writer, report alerts.Report) error {
	type alertJSON struct {
		Identity      string `json:"identity"`
		Kind          string `json:"kind"`
		TotalConsumed int64  `json:"total_consumed"`
		Threshold     int64  `json:"threshold"`
	}
	out := struct {
		ScannedAt time.Time   `json:"scanned_at"`
		Notified  bool        `json:"notified"`
		Warning   string      `json:"warning,omitempty"`
		Alerts    []alertJSON `json:"alerts"`
	}{ScannedAt: report.ScannedAt, Notified: report.Notified, Warning: report.Warning, Alerts: []alertJSON{}}
	for _, alert := range report.Alerts {
		out.Alerts = append(out.Alerts, alertJSON{
			Identity:      alert.Identity.Key(),
			Kind:          string(alert.Kind),
			TotalConsumed: alert.TotalConsumed,
			Threshold:     alert.Threshold,
		})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// TokenCmd mints a bearer token for operators and local testing.
type TokenCmd struct {
	User   string        `required:"" help:"User id (JWT subject)."`
	Email  string        `help:"Email recorded on the profile and token."`
	Admin  bool          `help:"Grant the admin role."`
	Expiry time.Duration `help:"Token lifetime." default:"24h"`
}

// Run issues a signed token and prints it to stdout.
func (c *TokenCmd) Run(appCfg config.AppConfig) error {
	token, err := app.IssueToken(context.Background(), appCfg, app.TokenParams{
		UserID: c.User,
		Email:  c.Email,
		Admin:  c.Admin,
		Expiry: c.Expiry,
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, token)
	return nil
}

func main() {
	if errEnv := config.LoadDotEnv(); errEnv != nil {
		fmt.Fprintln(os.Stderr, errEnv)
		os.Exit(1)
	}

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name(internalsettings.AppName),
		kong.Description("Usage metering and rate limiting service"),
		kong.UsageOnError(),
	)

	appCfg, err := cli.appConfig()
	ctx.FatalIfErrorf(err)
	closer := cli.setupLogging(appCfg)

	errRun := ctx.Run(&cli, appCfg)
	if closer != nil {
		_ = closer.Close()
	}
	if errRun != nil {
		log.WithError(errRun).Error("command failed")
		os.Exit(1)
	}
}
