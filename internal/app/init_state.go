package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/router-for-me/CreditMeter/internal/config"
	"github.com/router-for-me/CreditMeter/internal/db"
	"github.com/router-for-me/CreditMeter/internal/identity"
	"github.com/router-for-me/CreditMeter/internal/models"
	"github.com/router-for-me/CreditMeter/internal/store"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// HasAdmin reports whether at least one profile carries the admin role.
func HasAdmin(ctx context.Context, conn *gorm.DB) (bool, error) {
	if conn == nil {
		return false, fmt.Errorf("nil db")
	}
	if !conn.Migrator().HasTable(&models.Profile{}) {
		return false, nil
	}
	var count int64
	if errCount := conn.WithContext(ctx).Model(&models.Profile{}).
		Where("role = ?", string(identity.RoleAdmin)).
		Count(&count).Error; errCount != nil {
		return false, errCount
	}
	return count > 0, nil
}

// TokenParams describes a token minted by the operator CLI.
type TokenParams struct {
	UserID string
	Email  string
	Admin  bool
	Expiry time.Duration
}

// IssueToken records the user's profile and returns a signed bearer token.
func IssueToken(ctx context.Context, cfg config.AppConfig, params TokenParams) (string, error) {
	configPath := config.ResolveConfigPath(cfg.ConfigPath)
	dsn, err := config.LoadDatabaseDSN(configPath)
	if err != nil {
		return "", err
	}
	jwtCfg, err := config.LoadJWTConfig(configPath)
	if err != nil {
		return "", err
	}

	conn, err := db.Open(dsn)
	if err != nil {
		return "", err
	}
	defer func() { _ = db.Close(conn) }()
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return "", errMigrate
	}
	return issueTokenWithConn(ctx, conn, jwtCfg, params, time.Now().UTC())
}

func issueTokenWithConn(ctx context.Context, conn *gorm.DB, jwtCfg config.JWTConfig, params TokenParams, now time.Time) (string, error) {
	userID := strings.TrimSpace(params.UserID)
	if userID == "" {
		return "", fmt.Errorf("user id is required")
	}
	role := identity.RoleUser
	if params.Admin {
		role = identity.RoleAdmin
	}
	if errUpsert := store.NewProfileStore(conn).Upsert(ctx, userID, params.Email, role); errUpsert != nil {
		return "", errUpsert
	}

	expiry := params.Expiry
	if expiry <= 0 {
		expiry = jwtCfg.Expiry
	}
	token, errSign := identity.SignToken(identity.Config{
		Secret:   jwtCfg.Secret,
		Issuer:   jwtCfg.Issuer,
		Audience: jwtCfg.Audience,
	}, userID, params.Email, expiry, now)
	if errSign != nil {
		return "", errSign
	}
	log.WithFields(log.Fields{"user": userID, "role": role, "expiry": expiry.String()}).Info("token issued")
	return token, nil
}
