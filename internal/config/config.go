package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	EnvConfigPath     = "CONFIG_PATH"
	EnvDBConnection   = "DB_CONNECTION"
	EnvJWTSecret      = "JWT_SECRET"
	EnvJWTExpiry      = "JWT_EXPIRY"
	EnvJWTIssuer      = "JWT_ISSUER"
	EnvJWTAudience    = "JWT_AUDIENCE"
	EnvPort           = "PORT"
	EnvStorageDriver  = "STORAGE_DRIVER"
	EnvRedisAddr      = "REDIS_ADDR"
	EnvRedisPassword  = "REDIS_PASSWORD"
	EnvPolicies       = "CREDITMETER_POLICIES"
	EnvSMTPHost       = "SMTP_HOST"
	EnvSMTPUsername   = "SMTP_USERNAME"
	EnvSMTPPassword   = "SMTP_PASSWORD"
	EnvAlertRecipient = "ALERT_RECIPIENTS"
	EnvLogLevel       = "LOG_LEVEL"
)

// Storage drivers.
const (
	StorageSQL    = "sql"
	StorageRedis  = "redis"
	StorageMemory = "memory"
)

// AppConfig holds resolved application configuration values.
type AppConfig struct {
	ConfigPath string
}

// LoadFromEnv loads app config from environment variables.
func LoadFromEnv() (AppConfig, error) {
	return AppConfig{ConfigPath: ResolveConfigPath(os.Getenv(EnvConfigPath))}, nil
}

// ResolveConfigPath normalizes the config path and applies defaults.
func ResolveConfigPath(p string) string {
	trimmed := strings.TrimSpace(p)
	if trimmed == "" {
		trimmed = "./config.yaml"
	}
	if abs, err := filepath.Abs(trimmed); err == nil {
		return abs
	}
	return trimmed
}

// ConfigExists reports whether a config file is present at path.
func ConfigExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// ErrMissingDatabaseDSN indicates no database DSN is present in the config file.
var ErrMissingDatabaseDSN = errors.New("missing database dsn (set `database-dsn` or `database.dsn` in config file)")

// JWTConfig holds JWT verification and issuance settings.
type JWTConfig struct {
	Secret   string        `yaml:"secret"`
	Expiry   time.Duration `yaml:"expiry"`
	Issuer   string        `yaml:"issuer"`
	Audience string        `yaml:"audience"`
}

// LoadDatabaseDSN reads the database DSN from the YAML config file.
func LoadDatabaseDSN(configPath string) (string, error) {
	if dsn := strings.TrimSpace(os.Getenv(EnvDBConnection)); dsn != "" {
		return dsn, nil
	}

	// fileConfig maps the YAML fields needed for DSN resolution.
	type fileConfig struct {
		DatabaseDSN string `yaml:"database-dsn"`
		Database    struct {
			DSN string `yaml:"dsn"`
		} `yaml:"database"`
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return "", fmt.Errorf("read config file: %w", err)
	}

	var cfg fileConfig
	if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
		return "", fmt.Errorf("parse config file: %w", errUnmarshal)
	}

	if dsn := strings.TrimSpace(cfg.DatabaseDSN); dsn != "" {
		return dsn, nil
	}
	if dsn := strings.TrimSpace(cfg.Database.DSN); dsn != "" {
		return dsn, nil
	}
	return "", ErrMissingDatabaseDSN
}

// defaultJWTExpiry is used when the config omits or invalidates JWT expiry.
const defaultJWTExpiry = 30 * 24 * time.Hour

// LoadJWTConfig loads JWT settings from the YAML config file.
func LoadJWTConfig(configPath string) (JWTConfig, error) {
	// fileConfig maps the YAML fields needed for JWT settings.
	type fileConfig struct {
		JWT JWTConfig `yaml:"jwt"`
	}

	result := JWTConfig{Expiry: defaultJWTExpiry}

	data, errRead := os.ReadFile(configPath)
	switch {
	case errRead == nil:
		var cfg fileConfig
		if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
			return JWTConfig{}, fmt.Errorf("config: parse jwt section: %w", errUnmarshal)
		}
		result = cfg.JWT
	case !errors.Is(errRead, os.ErrNotExist):
		return JWTConfig{}, fmt.Errorf("config: read %s: %w", configPath, errRead)
	}

	if secret := strings.TrimSpace(os.Getenv(EnvJWTSecret)); secret != "" {
		result.Secret = secret
	}
	if expiryRaw := strings.TrimSpace(os.Getenv(EnvJWTExpiry)); expiryRaw != "" {
		expiry, errParse := time.ParseDuration(expiryRaw)
		if errParse != nil || expiry <= 0 {
			return JWTConfig{}, fmt.Errorf("config: %s must be a positive duration, got %q", EnvJWTExpiry, expiryRaw)
		}
		result.Expiry = expiry
	}
	if issuer := strings.TrimSpace(os.Getenv(EnvJWTIssuer)); issuer != "" {
		result.Issuer = issuer
	}
	if audience := strings.TrimSpace(os.Getenv(EnvJWTAudience)); audience != "" {
		result.Audience = audience
	}

	if result.Expiry <= 0 {
		result.Expiry = defaultJWTExpiry
	}
	return result, nil
}

// PolicyConfig is one entry of the `policies` list.
type PolicyConfig struct {
	Action        string `yaml:"action"`
	Limit         int    `yaml:"limit"`
	WindowSeconds int    `yaml:"window-seconds"`
}

// StorageConfig selects and bounds the ledger backend.
type StorageConfig struct {
	Driver  string        `yaml:"driver"`  // sql, redis or memory.
	Timeout time.Duration `yaml:"timeout"` // Per ledger call.
	Breaker time.Duration `yaml:"breaker"` // Fail-fast cooldown; zero disables.
}

// RedisConfig configures the Redis ledger backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// AlertsConfig configures the alert scanner and poller.
type AlertsConfig struct {
	HighUsageThreshold  int64         `yaml:"high-usage-threshold"`
	HighUsageActions    []string      `yaml:"high-usage-actions"`
	HighUsageHorizon    time.Duration `yaml:"high-usage-horizon"`
	SuspiciousThreshold int64         `yaml:"suspicious-threshold"`
	SuspiciousWindow    time.Duration `yaml:"suspicious-window"`
	ScanInterval        time.Duration `yaml:"scan-interval"`
	NotifyOnScan        bool          `yaml:"notify-on-scan"`
}

// SMTPConfig configures the SMTP relay.
type SMTPConfig struct {
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	StartTLS bool          `yaml:"starttls"`
	Timeout  time.Duration `yaml:"timeout"`
}

// NotifyConfig configures alert delivery.
type NotifyConfig struct {
	From       string     `yaml:"from"`
	Recipients []string   `yaml:"recipients"`
	SMTP       SMTPConfig `yaml:"smtp"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // text or json.
	File       string `yaml:"file"`   // Empty logs to stderr.
	MaxSizeMB  int    `yaml:"max-size-mb"`
	MaxBackups int    `yaml:"max-backups"`
	MaxAgeDays int    `yaml:"max-age-days"`
}

// MeterConfig is the service configuration beyond database and JWT.
type MeterConfig struct {
	Port     int            `yaml:"port"`
	Storage  StorageConfig  `yaml:"storage"`
	Redis    RedisConfig    `yaml:"redis"`
	Policies []PolicyConfig `yaml:"policies"`
	Alerts   AlertsConfig   `yaml:"alerts"`
	Notify   NotifyConfig   `yaml:"notify"`
	Logging  LoggingConfig  `yaml:"logging"`

	// PolicyOverrides is the raw CREDITMETER_POLICIES JSON document.
	PolicyOverrides string `yaml:"-"`
}

// Defaults for MeterConfig.
const (
	DefaultPort           = 8080
	DefaultStorageTimeout = 5 * time.Second
	DefaultRedisPrefix    = "creditmeter"
)

// DefaultMeterConfig returns the configuration used when no file is present.
func DefaultMeterConfig() MeterConfig {
	return MeterConfig{
		Port:    DefaultPort,
		Storage: StorageConfig{Driver: StorageSQL, Timeout: DefaultStorageTimeout},
		Redis:   RedisConfig{Prefix: DefaultRedisPrefix},
		Alerts: AlertsConfig{
			HighUsageThreshold:  50,
			SuspiciousThreshold: 30,
			SuspiciousWindow:    time.Hour,
			NotifyOnScan:        true,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// LoadMeterConfig reads the YAML config file, applies environment overrides
// and validates the result. A missing file yields defaults.
func LoadMeterConfig(configPath string) (MeterConfig, error) {
	cfg := DefaultMeterConfig()

	data, errRead := os.ReadFile(configPath)
	switch {
	case errRead == nil:
		if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
			return MeterConfig{}, fmt.Errorf("parse config file: %w", errUnmarshal)
		}
	case errors.Is(errRead, os.ErrNotExist):
	default:
		return MeterConfig{}, fmt.Errorf("read config file: %w", errRead)
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if errValidate := cfg.Validate(); errValidate != nil {
		return MeterConfig{}, errValidate
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *MeterConfig) {
	if raw := strings.TrimSpace(os.Getenv(EnvPort)); raw != "" {
		if port, errParse := strconv.Atoi(raw); errParse == nil {
			cfg.Port = port
		}
	}
	if driver := strings.TrimSpace(os.Getenv(EnvStorageDriver)); driver != "" {
		cfg.Storage.Driver = driver
	}
	if addr := strings.TrimSpace(os.Getenv(EnvRedisAddr)); addr != "" {
		cfg.Redis.Addr = addr
	}
	if password := strings.TrimSpace(os.Getenv(EnvRedisPassword)); password != "" {
		cfg.Redis.Password = password
	}
	cfg.PolicyOverrides = strings.TrimSpace(os.Getenv(EnvPolicies))
	if host := strings.TrimSpace(os.Getenv(EnvSMTPHost)); host != "" {
		cfg.Notify.SMTP.Host = host
	}
	if username := strings.TrimSpace(os.Getenv(EnvSMTPUsername)); username != "" {
		cfg.Notify.SMTP.Username = username
	}
	if password := os.Getenv(EnvSMTPPassword); password != "" {
		cfg.Notify.SMTP.Password = password
	}
	if recipients := strings.TrimSpace(os.Getenv(EnvAlertRecipient)); recipients != "" {
		cfg.Notify.Recipients = strings.Split(recipients, ",")
	}
	if level := strings.TrimSpace(os.Getenv(EnvLogLevel)); level != "" {
		cfg.Logging.Level = level
	}
}

func normalize(cfg *MeterConfig) {
	cfg.Storage.Driver = strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = StorageSQL
	}
	if cfg.Storage.Timeout <= 0 {
		cfg.Storage.Timeout = DefaultStorageTimeout
	}
	if cfg.Port <= 0 {
		cfg.Port = DefaultPort
	}
	cfg.Redis.Addr = strings.TrimSpace(cfg.Redis.Addr)
	cfg.Redis.Prefix = strings.TrimSpace(cfg.Redis.Prefix)
	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = DefaultRedisPrefix
	}
	if cfg.Redis.DB < 0 {
		cfg.Redis.DB = 0
	}
	recipients := make([]string, 0, len(cfg.Notify.Recipients))
	for _, addr := range cfg.Notify.Recipients {
		if addr = strings.TrimSpace(addr); addr != "" {
			recipients = append(recipients, addr)
		}
	}
	cfg.Notify.Recipients = recipients
}

// Validate checks values that cannot be defaulted.
func (c MeterConfig) Validate() error {
	if c.Port > 65535 {
		return fmt.Errorf("config: invalid port: %d", c.Port)
	}
	switch c.Storage.Driver {
	case StorageSQL, StorageMemory:
	case StorageRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("config: storage driver redis requires redis.addr")
		}
	default:
		return fmt.Errorf("config: unknown storage driver %q", c.Storage.Driver)
	}
	if c.Storage.Breaker < 0 {
		return fmt.Errorf("config: storage.breaker must not be negative")
	}
	if c.Alerts.ScanInterval < 0 || c.Alerts.HighUsageHorizon < 0 {
		return fmt.Errorf("config: alert durations must not be negative")
	}
	return nil
}

// LoadDotEnv loads .env files into the process environment. Missing files
// are skipped; variables already set are not overridden.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		if errLoad := godotenv.Load(file); errLoad != nil && !errors.Is(errLoad, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", file, errLoad)
		}
	}
	return nil
}
