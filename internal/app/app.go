package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/router-for-me/CreditMeter/internal/alerts"
	"github.com/router-for-me/CreditMeter/internal/config"
	"github.com/router-for-me/CreditMeter/internal/db"
	"github.com/router-for-me/CreditMeter/internal/http/api"
	adminhandlers "github.com/router-for-me/CreditMeter/internal/http/api/admin/handlers"
	"github.com/router-for-me/CreditMeter/internal/identity"
	"github.com/router-for-me/CreditMeter/internal/ledger"
	"github.com/router-for-me/CreditMeter/internal/metrics"
	"github.com/router-for-me/CreditMeter/internal/notify"
	"github.com/router-for-me/CreditMeter/internal/ratelimit"
	internalsettings "github.com/router-for-me/CreditMeter/internal/settings"
	"github.com/router-for-me/CreditMeter/internal/store"
	"github.com/router-for-me/CreditMeter/internal/usage"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// runtime holds the components shared by the server and one-shot commands.
type runtime struct {
	meter    config.MeterConfig
	jwt      config.JWTConfig
	conn     *gorm.DB
	redis    redis.UniversalClient
	ledger   ledger.Ledger
	profiles *store.ProfileStore
	metrics  *metrics.Metrics
}

// LoadMeterConfig resolves the config path and loads the service config.
func LoadMeterConfig(cfg config.AppConfig) (config.MeterConfig, error) {
	return config.LoadMeterConfig(config.ResolveConfigPath(cfg.ConfigPath))
}

// openRuntime opens storage for the configured backend. The SQL database is
// optional only for the memory backend, where profiles are then unavailable.
func openRuntime(cfg config.AppConfig) (*runtime, error) {
	configPath := config.ResolveConfigPath(cfg.ConfigPath)
	meterCfg, errMeter := config.LoadMeterConfig(configPath)
	if errMeter != nil {
		return nil, errMeter
	}
	jwtCfg, errJWT := config.LoadJWTConfig(configPath)
	if errJWT != nil {
		return nil, errJWT
	}

	rt := &runtime{meter: meterCfg, jwt: jwtCfg, metrics: metrics.New()}

	dsn, errDSN := config.LoadDatabaseDSN(configPath)
	switch {
	case errDSN == nil:
		conn, errOpen := db.Open(dsn)
		if errOpen != nil {
			return nil, errOpen
		}
		if errMigrate := db.Migrate(conn); errMigrate != nil {
			_ = db.Close(conn)
			return nil, errMigrate
		}
		rt.conn = conn
		rt.profiles = store.NewProfileStore(conn)
	case meterCfg.Storage.Driver == config.StorageMemory:
		log.WithError(errDSN).Warn("no database configured: user roles and admin routes are unavailable")
	default:
		return nil, errDSN
	}

	switch meterCfg.Storage.Driver {
	case config.StorageSQL:
		rt.ledger = store.NewGormLedger(rt.conn)
	case config.StorageRedis:
		rt.redis = redis.NewClient(&redis.Options{
			Addr:     meterCfg.Redis.Addr,
			Password: meterCfg.Redis.Password,
			DB:       meterCfg.Redis.DB,
		})
		rt.ledger = ledger.NewRedisLedger(rt.redis, meterCfg.Redis.Prefix)
	case config.StorageMemory:
		log.Warn("memory ledger selected: consumption is lost on restart and not shared between instances")
		rt.ledger = ledger.NewMemoryLedger()
	}
	return rt, nil
}

func (rt *runtime) close() {
	if rt.redis != nil {
		if errClose := rt.redis.Close(); errClose != nil {
			log.WithError(errClose).Warn("close redis client failed")
		}
	}
	if rt.conn != nil {
		if errClose := db.Close(rt.conn); errClose != nil {
			log.WithError(errClose).Warn("close database failed")
		}
	}
}

func (rt *runtime) roleLookup() identity.RoleLookup {
	if rt.profiles == nil {
		return nil
	}
	return rt.profiles
}

func (rt *runtime) resolver() (*identity.Resolver, error) {
	return identity.NewResolver(identity.Config{
		Secret:        rt.jwt.Secret,
		Issuer:        rt.jwt.Issuer,
		Audience:      rt.jwt.Audience,
		LookupTimeout: rt.meter.Storage.Timeout,
	}, rt.roleLookup(), nil)
}

func (rt *runtime) policyTable() (*ratelimit.PolicyTable, error) {
	base := make([]ratelimit.PolicySpec, 0, len(rt.meter.Policies))
	for _, p := range rt.meter.Policies {
		base = append(base, ratelimit.PolicySpec{Action: p.Action, Limit: p.Limit, WindowSeconds: p.WindowSeconds})
	}
	if len(base) == 0 && rt.meter.PolicyOverrides == "" {
		base = internalsettings.DefaultPolicies
	}
	return ratelimit.BuildPolicyTable(base, rt.meter.PolicyOverrides)
}

// alertJob wires scanner and dispatcher. SMTP is used when a host is
// configured; otherwise reports go to the log.
func (rt *runtime) alertJob() *alerts.Job {
	a := rt.meter.Alerts
	scanner := alerts.NewScanner(rt.ledger, alerts.Config{
		HighUsageThreshold:  a.HighUsageThreshold,
		HighUsageActions:    a.HighUsageActions,
		HighUsageHorizon:    a.HighUsageHorizon,
		SuspiciousThreshold: a.SuspiciousThreshold,
		SuspiciousWindow:    a.SuspiciousWindow,
		Timeout:             rt.meter.Storage.Timeout,
	}, nil, rt.metrics)

	var mailer notify.Mailer = notify.LogMailer{}
	if smtpCfg := rt.meter.Notify.SMTP; smtpCfg.Host != "" {
		mailer = notify.NewSMTPMailer(notify.SMTPConfig{
			Host:     smtpCfg.Host,
			Port:     smtpCfg.Port,
			Username: smtpCfg.Username,
			Password: smtpCfg.Password,
			StartTLS: smtpCfg.StartTLS,
			Timeout:  smtpCfg.Timeout,
		})
	}
	var fallback notify.RecipientLookup
	if rt.profiles != nil {
		fallback = rt.profiles
	}
	dispatcher := notify.NewDispatcher(mailer, notify.Config{
		From:       rt.meter.Notify.From,
		Recipients: rt.meter.Notify.Recipients,
	}, fallback, nil)
	return alerts.NewJob(scanner, dispatcher)
}

func (rt *runtime) healthChecks() map[string]adminhandlers.Pinger {
	checks := map[string]adminhandlers.Pinger{}
	switch rt.meter.Storage.Driver {
	case config.StorageRedis:
		checks[internalsettings.RedisHealthComponent] = rt.ledger
	case config.StorageMemory:
		checks[internalsettings.MemoryHealthComponent] = rt.ledger
	}
	if rt.conn != nil {
		checks[internalsettings.DatabaseHealthComponent] = store.NewGormLedger(rt.conn)
	}
	return checks
}

// Migrate opens the database and runs migrations.
func Migrate(ctx context.Context, cfg config.AppConfig) error {
	configPath := config.ResolveConfigPath(cfg.ConfigPath)
	dsn, err := config.LoadDatabaseDSN(configPath)
	if err != nil {
		return err
	}
	conn, err := db.Open(dsn)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close(conn) }()
	return db.Migrate(conn.WithContext(ctx))
}

// RunServer serves the HTTP API until ctx is canceled.
func RunServer(ctx context.Context, cfg config.AppConfig) error {
	rt, err := openRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	resolver, err := rt.resolver()
	if err != nil {
		return err
	}
	table, err := rt.policyTable()
	if err != nil {
		return err
	}
	for _, policy := range table.Policies() {
		log.WithFields(log.Fields{"action": policy.Action, "limit": policy.Limit, "window": policy.Window.String()}).Info("quota policy loaded")
	}
	if rt.conn != nil {
		hasAdmin, errAdmin := HasAdmin(ctx, rt.conn)
		if errAdmin != nil {
			return errAdmin
		}
		if !hasAdmin {
			log.Warn("no admin profile exists: run `creditmeter token --admin` to create one")
		}
	}

	limiter := ratelimit.NewLimiter(rt.ledger, table, ratelimit.Options{
		Timeout:         rt.meter.Storage.Timeout,
		BreakerCooldown: rt.meter.Storage.Breaker,
		Metrics:         rt.metrics,
	})
	job := rt.alertJob()

	gin.SetMode(gin.ReleaseMode)
	router := api.NewRouter(api.Deps{
		Resolver: resolver,
		Usage:    usage.NewService(limiter),
		Alerts:   job,
		Ledger:   rt.ledger,
		Metrics:  rt.metrics,
		Checks:   rt.healthChecks(),

		StorageTimeout: rt.meter.Storage.Timeout,
	})

	pollCtx, stopPoll := context.WithCancel(ctx)
	defer stopPoll()
	alerts.NewPoller(job, rt.meter.Alerts.ScanInterval, rt.meter.Alerts.NotifyOnScan).Start(pollCtx)

	server := &http.Server{
		Addr:              ":" + strconv.Itoa(rt.meter.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Infof("creditmeter listening on %s (storage=%s)", server.Addr, rt.meter.Storage.Driver)
		if errServe := server.ListenAndServe(); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			errCh <- errServe
		}
		close(errCh)
	}()

	select {
	case errServe := <-errCh:
		if errServe != nil {
			return fmt.Errorf("http server: %w", errServe)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), internalsettings.ShutdownTimeoutSeconds*time.Second)
	defer cancel()
	if errShutdown := server.Shutdown(shutdownCtx); errShutdown != nil {
		return fmt.Errorf("http shutdown: %w", errShutdown)
	}
	return nil
}

// RunScan runs the alert job once.
func RunScan(ctx context.Context, cfg config.AppConfig, notifyOperators bool) (alerts.Report, error) {
	rt, err := openRuntime(cfg)
	if err != nil {
		return alerts.Report{}, err
	}
	defer rt.close()
	return rt.alertJob().Run(ctx, notifyOperators)
}
