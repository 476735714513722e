package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/router-for-me/CreditMeter/internal/config"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Rotation defaults applied when the config leaves them unset.
const (
	defaultMaxSizeMB  = 100
	defaultMaxBackups = 5
	defaultMaxAgeDays = 30
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Setup configures the global logrus logger. The returned closer flushes and
// closes the log file when one is configured.
func Setup(cfg config.LoggingConfig) (io.Closer, error) {
	level := log.InfoLevel
	if raw := strings.TrimSpace(cfg.Level); raw != "" {
		parsed, errParse := log.ParseLevel(raw)
		if errParse != nil {
			return nil, fmt.Errorf("logging: %w", errParse)
		}
		level = parsed
	}
	log.SetLevel(level)

	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		return nil, fmt.Errorf("logging: unknown format %q", cfg.Format)
	}

	file := strings.TrimSpace(cfg.File)
	if file == "" {
		log.SetOutput(os.Stderr)
		return nopCloser{}, nil
	}

	rotator := &lumberjack.Logger{
		Filename:   file,
		MaxSize:    positiveOr(cfg.MaxSizeMB, defaultMaxSizeMB),
		MaxBackups: positiveOr(cfg.MaxBackups, defaultMaxBackups),
		MaxAge:     positiveOr(cfg.MaxAgeDays, defaultMaxAgeDays),
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(os.Stderr, rotator))
	return rotator, nil
}

func positiveOr(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}
