package models

import (
	"time"

	"gorm.io/datatypes"
)

// QuotaEvent is one accepted credit consumption. Rows are append-only.
type QuotaEvent struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	EventID string `gorm:"type:varchar(64);not null;uniqueIndex"` // TypeID of the event.

	IdentityKind string `gorm:"type:varchar(16);not null;index:idx_quota_events_pair,priority:1"`  // "user" or "guest".
	IdentityID   string `gorm:"type:varchar(128);not null;index:idx_quota_events_pair,priority:2"` // User ID or fingerprint digest.
	Action       string `gorm:"type:varchar(64);not null;index:idx_quota_events_pair,priority:3"`  // Metered action name.

	Credits int `gorm:"not null"` // Credits consumed, always >= 1.

	OccurredAt time.Time `gorm:"not null;index;index:idx_quota_events_pair,priority:4"` // Acceptance time (UTC).

	Metadata datatypes.JSON `gorm:"type:jsonb"` // Caller-supplied opaque metadata.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Insert timestamp.
}
