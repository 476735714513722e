package ledger

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/router-for-me/CreditMeter/internal/identity"
)

func newTestRedisLedger(t *testing.T) *RedisLedger {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLedger(client, "test")
}

func TestRedisLedger_KeysArePrefixed(t *testing.T) {
	l := NewRedisLedger(nil, "  ")
	id := identity.User("u1", "", identity.RoleUser)

	if got := l.pairKey(id, "ask_question"); got != "creditmeter:pair:user:u1:ask_question" {
		t.Fatalf("unexpected pair key %q", got)
	}
	if got := l.identityKey(id); got != "creditmeter:ident:user:u1" {
		t.Fatalf("unexpected identity key %q", got)
	}
	if got := NewRedisLedger(nil, "meter").globalKey(); got != "meter:events" {
		t.Fatalf("unexpected global key %q", got)
	}
}

func TestRedisLedger_EventCodec(t *testing.T) {
	occurred := time.Date(2025, 5, 2, 8, 30, 0, 0, time.UTC)
	event := Event{
		ID:         "qev_01h455vb4pex5vsknk084sn02q",
		Identity:   identity.Guest("abcdef0123456789"),
		Action:     "generate_report",
		Credits:    4,
		OccurredAt: occurred,
		Metadata:   map[string]any{"source": "web"},
	}

	raw, err := encodeEvent(event)
	if err != nil {
		t.Fatalf("encodeEvent: %v", err)
	}
	decoded, err := decodeEvent(raw)
	if err != nil {
		t.Fatalf("decodeEvent: %v", err)
	}
	if decoded.Identity.Key() != event.Identity.Key() || decoded.Credits != 4 || !decoded.OccurredAt.Equal(occurred) {
		t.Fatalf("unexpected decoded event %+v", decoded)
	}
	if decoded.Metadata["source"] != "web" {
		t.Fatalf("metadata lost: %+v", decoded.Metadata)
	}

	credits, ok := parsePairCredits(pairMember(event))
	if !ok || credits != 4 {
		t.Fatalf("pair member did not carry credits: %d %v", credits, ok)
	}
	if _, ok := parsePairCredits("garbage"); ok {
		t.Fatalf("expected malformed member to be skipped")
	}
}

func TestRedisLedger_AppendIfWithinRespectsLimit(t *testing.T) {
	ctx := context.Background()
	l := newTestRedisLedger(t)
	now := time.Date(2025, 5, 2, 8, 30, 0, 0, time.UTC)
	since := now.Add(-time.Hour)
	id := identity.User("u1", "", identity.RoleUser)

	for i := 0; i < 3; i++ {
		consumed, ok, err := l.AppendIfWithin(ctx, Event{Identity: id, Action: "ask_question", Credits: 1, OccurredAt: now}, since, 3)
		if err != nil {
			t.Fatalf("AppendIfWithin: %v", err)
		}
		if !ok || consumed != int64(i) {
			t.Fatalf("call %d: ok=%v consumed=%d", i, ok, consumed)
		}
	}
	consumed, ok, err := l.AppendIfWithin(ctx, Event{Identity: id, Action: "ask_question", Credits: 1, OccurredAt: now}, since, 3)
	if err != nil || ok || consumed != 3 {
		t.Fatalf("expected denial, got ok=%v consumed=%d err=%v", ok, consumed, err)
	}

	total, err := l.SumSince(ctx, id, "ask_question", since)
	if err != nil || total != 3 {
		t.Fatalf("SumSince: total=%d err=%v", total, err)
	}
	// Events exactly one window old have left the window.
	boundary, err := l.SumSince(ctx, id, "ask_question", now)
	if err != nil || boundary != 0 {
		t.Fatalf("expected exclusive window start, total=%d err=%v", boundary, err)
	}
}

func TestRedisLedger_ConcurrentAppendsNeverExceedLimit(t *testing.T) {
	const limit = 10
	ctx := context.Background()
	l := newTestRedisLedger(t)
	now := time.Date(2025, 5, 2, 8, 30, 0, 0, time.UTC)
	id := identity.Guest("concurrentguest01")

	var appended atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < limit+5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := l.AppendIfWithin(ctx, Event{Identity: id, Action: "ask_question", Credits: 1, OccurredAt: now}, now.Add(-time.Hour), limit)
			if err != nil {
				t.Errorf("AppendIfWithin: %v", err)
				return
			}
			if ok {
				appended.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := appended.Load(); got != limit {
		t.Fatalf("expected %d appends, got %d", limit, got)
	}
	total, err := l.SumSince(ctx, id, "ask_question", now.Add(-time.Hour))
	if err != nil || total != limit {
		t.Fatalf("expected %d credits stored, total=%d err=%v", limit, total, err)
	}
}

func TestRedisLedger_TotalsAndEvents(t *testing.T) {
	ctx := context.Background()
	l := newTestRedisLedger(t)
	now := time.Date(2025, 5, 2, 8, 30, 0, 0, time.UTC)
	alice := identity.User("alice", "", identity.RoleUser)
	bob := identity.Guest("bobbobbobbobbobbob")

	for _, e := range []Event{
		{Identity: alice, Action: "ask_question", Credits: 40, OccurredAt: now.Add(-48 * time.Hour)},
		{Identity: alice, Action: "generate_report", Credits: 15, OccurredAt: now.Add(-10 * time.Minute), Metadata: map[string]any{"pollId": "p-1"}},
		{Identity: bob, Action: "ask_question", Credits: 5, OccurredAt: now.Add(-5 * time.Minute)},
	} {
		if err := l.Append(ctx, e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	all, err := l.Totals(ctx, TotalsQuery{MinCredits: 50})
	if err != nil {
		t.Fatalf("Totals: %v", err)
	}
	if len(all) != 1 || all[0].Identity.Key() != alice.Key() || all[0].Credits != 55 {
		t.Fatalf("unexpected all-time totals %+v", all)
	}

	recent, err := l.Totals(ctx, TotalsQuery{Since: now.Add(-time.Hour), Actions: []string{"ask_question"}})
	if err != nil {
		t.Fatalf("Totals: %v", err)
	}
	if len(recent) != 1 || recent[0].Identity.Key() != bob.Key() || recent[0].Credits != 5 {
		t.Fatalf("unexpected recent totals %+v", recent)
	}

	events, err := l.Events(ctx, alice, EventQuery{Since: now.Add(-time.Hour)})
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 1 || events[0].Action != "generate_report" || events[0].Metadata["pollId"] != "p-1" {
		t.Fatalf("unexpected events %+v", events)
	}

	if err := l.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
