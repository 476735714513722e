package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/router-for-me/CreditMeter/internal/identity"
)

// MemoryLedger is a process-local Ledger. It is only correct for a single
// process and is used in tests and with `storage.driver: memory`.
type MemoryLedger struct {
	mu     sync.Mutex
	events []Event
	byPair map[string][]int
}

var _ Ledger = (*MemoryLedger)(nil)

// NewMemoryLedger constructs an empty MemoryLedger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{byPair: make(map[string][]int)}
}

// SumSince implements Ledger.
func (l *MemoryLedger) SumSince(ctx context.Context, id identity.Identity, action string, since time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sumLocked(PairKey(id, action), since), nil
}

func (l *MemoryLedger) sumLocked(key string, since time.Time) int64 {
	var total int64
	for _, idx := range l.byPair[key] {
		event := l.events[idx]
		if !event.OccurredAt.After(since) {
			continue
		}
		total += int64(event.Credits)
	}
	return total
}

// AppendIfWithin implements Ledger. The check and append share one lock.
func (l *MemoryLedger) AppendIfWithin(ctx context.Context, event Event, since time.Time, limit int64) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	prepared, errPrepare := Prepare(event)
	if errPrepare != nil {
		return 0, false, errPrepare
	}
	key := PairKey(prepared.Identity, prepared.Action)

	l.mu.Lock()
	defer l.mu.Unlock()
	consumed := l.sumLocked(key, since)
	if !Fits(consumed, int64(prepared.Credits), limit) {
		return consumed, false, nil
	}
	l.appendLocked(key, prepared)
	return consumed, true, nil
}

// Append implements Ledger.
func (l *MemoryLedger) Append(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	prepared, errPrepare := Prepare(event)
	if errPrepare != nil {
		return errPrepare
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.appendLocked(PairKey(prepared.Identity, prepared.Action), prepared)
	return nil
}

func (l *MemoryLedger) appendLocked(key string, event Event) {
	event.Metadata = cloneMetadata(event.Metadata)
	l.events = append(l.events, event)
	l.byPair[key] = append(l.byPair[key], len(l.events)-1)
}

// Totals implements Ledger.
func (l *MemoryLedger) Totals(ctx context.Context, q TotalsQuery) ([]Total, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	snapshot := make([]Event, len(l.events))
	copy(snapshot, l.events)
	l.mu.Unlock()
	return aggregate(snapshot, q), nil
}

// Events implements Ledger.
func (l *MemoryLedger) Events(ctx context.Context, id identity.Identity, q EventQuery) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	out := make([]Event, 0)
	for _, event := range l.events {
		if event.Identity.Key() != id.Key() || !q.matches(event) {
			continue
		}
		event.Metadata = cloneMetadata(event.Metadata)
		out = append(out, event)
	}
	l.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Ping implements Ledger.
func (l *MemoryLedger) Ping(context.Context) error { return nil }
