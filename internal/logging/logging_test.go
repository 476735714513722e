package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/router-for-me/CreditMeter/internal/config"
	log "github.com/sirupsen/logrus"
)

func TestSetup_WritesJSONToRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creditmeter.log")
	closer, err := Setup(config.LoggingConfig{Level: "debug", Format: "json", File: path})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	t.Cleanup(func() {
		log.SetOutput(os.Stderr)
		log.SetFormatter(&log.TextFormatter{})
		log.SetLevel(log.InfoLevel)
	})

	log.WithField("action", "ask_question").Debug("decision recorded")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), `"action":"ask_question"`) {
		t.Fatalf("expected JSON entry, got %q", string(data))
	}
}

func TestSetup_RejectsUnknownLevelAndFormat(t *testing.T) {
	if _, err := Setup(config.LoggingConfig{Level: "loud"}); err == nil {
		t.Fatalf("expected level error")
	}
	if _, err := Setup(config.LoggingConfig{Format: "xml"}); err == nil {
		t.Fatalf("expected format error")
	}
	log.SetLevel(log.InfoLevel)
}
