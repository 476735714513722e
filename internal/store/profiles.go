package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/router-for-me/CreditMeter/internal/identity"
	"github.com/router-for-me/CreditMeter/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ProfileStore reads and writes user profiles.
type ProfileStore struct {
	db *gorm.DB
}

// NewProfileStore constructs a ProfileStore.
func NewProfileStore(db *gorm.DB) *ProfileStore {
	return &ProfileStore{db: db}
}

// LookupRole implements identity.RoleLookup. Users without a profile get
// the default role.
func (s *ProfileStore) LookupRole(ctx context.Context, userID string) (identity.Role, error) {
	if s == nil || s.db == nil {
		return "", fmt.Errorf("profile store: not initialized")
	}
	var profile models.Profile
	errFind := s.db.WithContext(ctx).Where("user_id = ?", strings.TrimSpace(userID)).First(&profile).Error
	if errors.Is(errFind, gorm.ErrRecordNotFound) {
		return identity.RoleUser, nil
	}
	if errFind != nil {
		return "", fmt.Errorf("profile store: lookup: %w", errFind)
	}
	return identity.ParseRole(profile.Role), nil
}

// Upsert creates or updates the profile of userID.
func (s *ProfileStore) Upsert(ctx context.Context, userID, email string, role identity.Role) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("profile store: not initialized")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("profile store: user id is empty")
	}
	now := time.Now().UTC()
	record := models.Profile{
		UserID:    userID,
		Email:     strings.TrimSpace(email),
		Role:      string(identity.ParseRole(string(role))),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"email", "role", "updated_at"}),
	}).Create(&record).Error; err != nil {
		return fmt.Errorf("profile store: upsert: %w", err)
	}
	return nil
}

// AdminEmails returns the non-empty emails of admin profiles, used as alert
// recipients when none are configured.
func (s *ProfileStore) AdminEmails(ctx context.Context) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("profile store: not initialized")
	}
	var emails []string
	if errFind := s.db.WithContext(ctx).Model(&models.Profile{}).
		Where("role = ? AND email <> ''", string(identity.RoleAdmin)).
		Order("email ASC").
		Pluck("email", &emails).Error; errFind != nil {
		return nil, fmt.Errorf("profile store: admin emails: %w", errFind)
	}
	return emails, nil
}
