package models

import "time"

// Profile stores the authorization role of an authenticated user.
type Profile struct {
	UserID string `gorm:"primaryKey;type:varchar(128)"` // Token subject.

	Email string `gorm:"type:text"`                                // Contact email.
	Role  string `gorm:"type:varchar(16);not null;default:'user'"` // "user" or "admin".

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
