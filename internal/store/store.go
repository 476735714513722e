package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/router-for-me/CreditMeter/internal/db"
	"github.com/router-for-me/CreditMeter/internal/identity"
	"github.com/router-for-me/CreditMeter/internal/ledger"
	"github.com/router-for-me/CreditMeter/internal/models"

	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultMaxAttempts = 3
	retryBackoff       = 20 * time.Millisecond
)

// GormLedger persists quota events to PostgreSQL or SQLite via GORM.
type GormLedger struct {
	db          *gorm.DB
	maxAttempts int
}

var _ ledger.Ledger = (*GormLedger)(nil)

// NewGormLedger constructs a GormLedger.
func NewGormLedger(db *gorm.DB) *GormLedger {
	return &GormLedger{db: db, maxAttempts: defaultMaxAttempts}
}

// SumSince implements ledger.Ledger.
func (s *GormLedger) SumSince(ctx context.Context, id identity.Identity, action string, since time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("store: not initialized")
	}
	total, err := sumSince(s.db.WithContext(ctx), id, action, since)
	if err != nil {
		return 0, fmt.Errorf("store: sum: %w", err)
	}
	return total, nil
}

func sumSince(conn *gorm.DB, id identity.Identity, action string, since time.Time) (int64, error) {
	var total int64
	err := conn.Model(&models.QuotaEvent{}).
		Select("COALESCE(SUM(credits), 0)").
		Where("identity_kind = ? AND identity_id = ? AND action = ? AND occurred_at > ?",
			string(id.Kind), id.ID, action, since.UTC()).
		Scan(&total).Error
	return total, err
}

// AppendIfWithin implements ledger.Ledger. The sum and insert run in one
// transaction holding a per-pair lock, so concurrent callers for the same
// (identity, action) are serialized.
func (s *GormLedger) AppendIfWithin(ctx context.Context, event ledger.Event, since time.Time, limit int64) (int64, bool, error) {
	if s == nil || s.db == nil {
		return 0, false, fmt.Errorf("store: not initialized")
	}
	prepared, errPrepare := ledger.Prepare(event)
	if errPrepare != nil {
		return 0, false, errPrepare
	}
	row, errRow := toRow(prepared)
	if errRow != nil {
		return 0, false, errRow
	}

	var consumed int64
	var appended bool
	errTx := s.withRetry(ctx, "append", func() error {
		consumed, appended = 0, false
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if errLock := db.LockKey(tx, ledger.PairKey(prepared.Identity, prepared.Action)); errLock != nil {
				return errLock
			}
			sum, errSum := sumSince(tx, prepared.Identity, prepared.Action, since)
			if errSum != nil {
				return errSum
			}
			consumed = sum
			if !ledger.Fits(sum, int64(prepared.Credits), limit) {
				return nil
			}
			insert := row
			if errCreate := tx.Create(&insert).Error; errCreate != nil {
				return errCreate
			}
			appended = true
			return nil
		})
	})
	if errTx != nil {
		return 0, false, fmt.Errorf("store: append: %w", errTx)
	}
	return consumed, appended, nil
}

// Append implements ledger.Ledger.
func (s *GormLedger) Append(ctx context.Context, event ledger.Event) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store: not initialized")
	}
	prepared, errPrepare := ledger.Prepare(event)
	if errPrepare != nil {
		return errPrepare
	}
	row, errRow := toRow(prepared)
	if errRow != nil {
		return errRow
	}
	errCreate := s.withRetry(ctx, "append", func() error {
		insert := row
		return s.db.WithContext(ctx).Create(&insert).Error
	})
	if errCreate != nil {
		return fmt.Errorf("store: append: %w", errCreate)
	}
	return nil
}

// totalRow maps the grouped totals query.
type totalRow struct {
	IdentityKind string
	IdentityID   string
	Credits      int64
}

// Totals implements ledger.Ledger.
func (s *GormLedger) Totals(ctx context.Context, q ledger.TotalsQuery) ([]ledger.Total, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store: not initialized")
	}
	query := s.db.WithContext(ctx).Model(&models.QuotaEvent{}).
		Select("identity_kind, identity_id, SUM(credits) AS credits")
	if len(q.Actions) > 0 {
		query = query.Where("action IN ?", q.Actions)
	}
	if !q.Since.IsZero() {
		query = query.Where("occurred_at >= ?", q.Since.UTC())
	}
	query = query.Group("identity_kind, identity_id")
	if q.MinCredits > 0 {
		query = query.Having("SUM(credits) >= ?", q.MinCredits)
	}

	var rows []totalRow
	if errFind := query.Order("identity_kind ASC, identity_id ASC").Scan(&rows).Error; errFind != nil {
		return nil, fmt.Errorf("store: totals: %w", errFind)
	}
	out := make([]ledger.Total, 0, len(rows))
	for _, row := range rows {
		out = append(out, ledger.Total{
			Identity: identity.Identity{Kind: identity.Kind(row.IdentityKind), ID: row.IdentityID},
			Credits:  row.Credits,
		})
	}
	return out, nil
}

// Events implements ledger.Ledger.
func (s *GormLedger) Events(ctx context.Context, id identity.Identity, q ledger.EventQuery) ([]ledger.Event, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store: not initialized")
	}
	query := s.db.WithContext(ctx).
		Where("identity_kind = ? AND identity_id = ?", string(id.Kind), id.ID)
	if q.Action != "" {
		query = query.Where("action = ?", q.Action)
	}
	if !q.Since.IsZero() {
		query = query.Where("occurred_at >= ?", q.Since.UTC())
	}
	if !q.Until.IsZero() {
		query = query.Where("occurred_at < ?", q.Until.UTC())
	}
	if q.Limit > 0 {
		query = query.Limit(q.Limit)
	}

	var rows []models.QuotaEvent
	if errFind := query.Order("occurred_at ASC, id ASC").Find(&rows).Error; errFind != nil {
		return nil, fmt.Errorf("store: events: %w", errFind)
	}
	out := make([]ledger.Event, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromRow(row))
	}
	return out, nil
}

// Ping implements ledger.Ledger.
func (s *GormLedger) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store: not initialized")
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// withRetry reruns fn when the database reports a transient conflict.
func (s *GormLedger) withRetry(ctx context.Context, op string, fn func() error) error {
	attempts := s.maxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn()
		if err == nil || !db.IsRetryable(err) || attempt == attempts {
			return err
		}
		log.WithError(err).WithFields(log.Fields{
			"op":      op,
			"attempt": attempt,
		}).Warn("store: transient conflict, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * retryBackoff):
		}
	}
	return err
}

func toRow(event ledger.Event) (models.QuotaEvent, error) {
	row := models.QuotaEvent{
		EventID:      event.ID,
		IdentityKind: string(event.Identity.Kind),
		IdentityID:   event.Identity.ID,
		Action:       event.Action,
		Credits:      event.Credits,
		OccurredAt:   event.OccurredAt.UTC(),
	}
	if len(event.Metadata) > 0 {
		payload, errMarshal := json.Marshal(event.Metadata)
		if errMarshal != nil {
			return models.QuotaEvent{}, fmt.Errorf("store: marshal metadata: %w", errMarshal)
		}
		row.Metadata = datatypes.JSON(payload)
	}
	return row, nil
}

func fromRow(row models.QuotaEvent) ledger.Event {
	event := ledger.Event{
		ID:         row.EventID,
		Identity:   identity.Identity{Kind: identity.Kind(row.IdentityKind), ID: row.IdentityID},
		Action:     row.Action,
		Credits:    row.Credits,
		OccurredAt: row.OccurredAt.UTC(),
	}
	if len(row.Metadata) > 0 {
		metadata := make(map[string]any)
		if errUnmarshal := json.Unmarshal(row.Metadata, &metadata); errUnmarshal == nil {
			event.Metadata = metadata
		}
	}
	return event
}
