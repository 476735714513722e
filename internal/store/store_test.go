package store

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/router-for-me/CreditMeter/internal/db"
	"github.com/router-for-me/CreditMeter/internal/identity"
	"github.com/router-for-me/CreditMeter/internal/ledger"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "creditmeter-store.db")
	conn, err := db.Open(dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close(conn) })
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return conn
}

func TestGormLedger_AppendIfWithin(t *testing.T) {
	ctx := context.Background()
	store := NewGormLedger(openTestDB(t))
	now := time.Date(2025, 4, 10, 9, 0, 0, 0, time.UTC)
	since := now.Add(-time.Hour)
	user := identity.User("user-1", "u@example.com", identity.RoleUser)

	for i := 0; i < 3; i++ {
		consumed, ok, err := store.AppendIfWithin(ctx, ledger.Event{
			Identity:   user,
			Action:     "ask_question",
			Credits:    1,
			OccurredAt: now,
			Metadata:   map[string]any{"pollId": "p-1"},
		}, since, 3)
		if err != nil {
			t.Fatalf("AppendIfWithin: %v", err)
		}
		if !ok || consumed != int64(i) {
			t.Fatalf("call %d: ok=%v consumed=%d", i, ok, consumed)
		}
	}

	consumed, ok, err := store.AppendIfWithin(ctx, ledger.Event{Identity: user, Action: "ask_question", Credits: 1, OccurredAt: now}, since, 3)
	if err != nil {
		t.Fatalf("AppendIfWithin: %v", err)
	}
	if ok || consumed != 3 {
		t.Fatalf("expected denial, got ok=%v consumed=%d", ok, consumed)
	}

	total, err := store.SumSince(ctx, user, "ask_question", since)
	if err != nil {
		t.Fatalf("SumSince: %v", err)
	}
	if total != 3 {
		t.Fatalf("expected 3 credits recorded, got %d", total)
	}

	// The window is rolling: an hour later the old events fall out.
	later, err := store.SumSince(ctx, user, "ask_question", now.Add(time.Second))
	if err != nil {
		t.Fatalf("SumSince: %v", err)
	}
	if later != 0 {
		t.Fatalf("expected empty window, got %d", later)
	}

	events, err := store.Events(ctx, user, ledger.EventQuery{Action: "ask_question", Limit: 2})
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 2 || events[0].Metadata["pollId"] != "p-1" {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestGormLedger_ConcurrentAppendsNeverExceedLimit(t *testing.T) {
	const limit = 10
	ctx := context.Background()
	store := NewGormLedger(openTestDB(t))
	now := time.Now().UTC()
	guest := identity.Guest("0123456789abcdef0123456789abcdef")

	var accepted, rejected atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < limit+5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := store.AppendIfWithin(ctx, ledger.Event{Identity: guest, Action: "generate_report", Credits: 1, OccurredAt: now}, now.Add(-24*time.Hour), limit)
			if err != nil {
				t.Errorf("AppendIfWithin: %v", err)
				return
			}
			if ok {
				accepted.Add(1)
			} else {
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()

	if accepted.Load() != limit || rejected.Load() != 5 {
		t.Fatalf("expected %d accepted and 5 rejected, got %d and %d", limit, accepted.Load(), rejected.Load())
	}
	total, err := store.SumSince(ctx, guest, "generate_report", now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("SumSince: %v", err)
	}
	if total != limit {
		t.Fatalf("expected %d credits, got %d", limit, total)
	}
}

func TestGormLedger_Totals(t *testing.T) {
	ctx := context.Background()
	store := NewGormLedger(openTestDB(t))
	now := time.Date(2025, 4, 10, 9, 0, 0, 0, time.UTC)
	alice := identity.User("alice", "", identity.RoleUser)
	bob := identity.Guest("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")

	seed := []ledger.Event{
		{Identity: alice, Action: "ask_question", Credits: 20, OccurredAt: now.Add(-48 * time.Hour)},
		{Identity: alice, Action: "generate_report", Credits: 5, OccurredAt: now.Add(-10 * time.Minute)},
		{Identity: bob, Action: "ask_question", Credits: 2, OccurredAt: now.Add(-5 * time.Minute)},
	}
	for _, event := range seed {
		if err := store.Append(ctx, event); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	all, err := store.Totals(ctx, ledger.TotalsQuery{})
	if err != nil {
		t.Fatalf("Totals: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 identities, got %+v", all)
	}
	for _, total := range all {
		if total.Identity.Key() == alice.Key() && total.Credits != 25 {
			t.Fatalf("expected alice=25, got %d", total.Credits)
		}
	}

	filtered, err := store.Totals(ctx, ledger.TotalsQuery{Actions: []string{"ask_question"}, MinCredits: 10})
	if err != nil {
		t.Fatalf("Totals: %v", err)
	}
	if len(filtered) != 1 || filtered[0].Identity.Key() != alice.Key() || filtered[0].Credits != 20 {
		t.Fatalf("unexpected filtered totals %+v", filtered)
	}

	recent, err := store.Totals(ctx, ledger.TotalsQuery{Since: now.Add(-time.Hour)})
	if err != nil {
		t.Fatalf("Totals: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 recent identities, got %+v", recent)
	}
}

func TestProfileStore_LookupRole(t *testing.T) {
	ctx := context.Background()
	profiles := NewProfileStore(openTestDB(t))

	role, err := profiles.LookupRole(ctx, "nobody")
	if err != nil {
		t.Fatalf("LookupRole: %v", err)
	}
	if role != identity.RoleUser {
		t.Fatalf("expected default role, got %q", role)
	}

	if errUpsert := profiles.Upsert(ctx, "ops-1", "ops@example.com", identity.RoleAdmin); errUpsert != nil {
		t.Fatalf("Upsert: %v", errUpsert)
	}
	role, err = profiles.LookupRole(ctx, "ops-1")
	if err != nil {
		t.Fatalf("LookupRole: %v", err)
	}
	if role != identity.RoleAdmin {
		t.Fatalf("expected admin role, got %q", role)
	}

	emails, err := profiles.AdminEmails(ctx)
	if err != nil {
		t.Fatalf("AdminEmails: %v", err)
	}
	if len(emails) != 1 || emails[0] != "ops@example.com" {
		t.Fatalf("unexpected admin emails %v", emails)
	}

	if errUpsert := profiles.Upsert(ctx, "ops-1", "ops@example.com", identity.RoleUser); errUpsert != nil {
		t.Fatalf("Upsert: %v", errUpsert)
	}
	if role, _ = profiles.LookupRole(ctx, "ops-1"); role != identity.RoleUser {
		t.Fatalf("expected demoted role, got %q", role)
	}
}
