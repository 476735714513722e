// Package ledger defines the append-only record of quota consumption events and
// the in-memory and Redis backends. The SQL backend lives in internal/store.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/router-for-me/CreditMeter/internal/identity"
	"go.jetify.com/typeid/v2"
)

// EventIDPrefix is the TypeID prefix of quota event IDs.
const EventIDPrefix = "qev"

// MaxCredits is the largest credit amount a single event may carry. It keeps
// window and scan sums far from int64 overflow.
const MaxCredits = 1_000_000

// ErrInvalidEvent is returned when an event violates ledger invariants.
var ErrInvalidEvent = errors.New("ledger: invalid event")

// Event is one accepted consumption. Events are immutable once appended.
type Event struct {
	ID         string
	Identity   identity.Identity
	Action     string
	Credits    int
	OccurredAt time.Time
	Metadata   map[string]any
}

// NewEventID returns a K-sortable unique event ID.
func NewEventID() (string, error) {
	tid, err := typeid.Generate(EventIDPrefix)
	if err != nil {
		return "", fmt.Errorf("ledger: generate event id: %w", err)
	}
	return tid.String(), nil
}

// Validate checks the invariants every stored event must satisfy.
func (e Event) Validate() error {
	if e.Identity.IsZero() {
		return fmt.Errorf("%w: missing identity", ErrInvalidEvent)
	}
	if e.Action == "" {
		return fmt.Errorf("%w: missing action", ErrInvalidEvent)
	}
	if e.Credits < 1 || e.Credits > MaxCredits {
		return fmt.Errorf("%w: credits must be in [1, %d], got %d", ErrInvalidEvent, MaxCredits, e.Credits)
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidEvent)
	}
	return nil
}

// Prepare fills the ID and normalizes the timestamp before storage.
func Prepare(e Event) (Event, error) {
	if e.ID == "" {
		eventID, err := NewEventID()
		if err != nil {
			return Event{}, err
		}
		e.ID = eventID
	}
	e.OccurredAt = e.OccurredAt.UTC()
	if errValidate := e.Validate(); errValidate != nil {
		return Event{}, errValidate
	}
	return e, nil
}

// Fits reports whether credits can be added to consumed without exceeding
// limit. The comparison cannot overflow for non-negative inputs.
func Fits(consumed, credits, limit int64) bool {
	return credits <= limit-consumed
}

// PairKey identifies the (identity, action) pair a limit applies to.
func PairKey(id identity.Identity, action string) string {
	return id.Key() + "|" + action
}

// TotalsQuery selects events for per-identity aggregation.
type TotalsQuery struct {
	Actions    []string  // Empty means every action.
	Since      time.Time // Zero means all-time.
	MinCredits int64     // Groups summing below this are dropped.
}

// Total is the summed consumption of one identity.
type Total struct {
	Identity identity.Identity
	Credits  int64
}

// EventQuery selects events of one identity.
type EventQuery struct {
	Action string    // Empty means every action.
	Since  time.Time // Inclusive; zero means unbounded.
	Until  time.Time // Exclusive; zero means unbounded.
	Limit  int       // Zero means no limit.
}

// Ledger is the store backing every quota decision.
//
// Window sums exclude the lower bound: an event that occurred exactly at
// since has left the window.
//
// AppendIfWithin is the only write path with a limit: it must sum the
// credits of (identity, action) after the given instant and append the
// event only if the sum plus the event's credits stays within limit, as one
// atomic unit with respect to concurrent callers for the same pair.
type Ledger interface {
	// SumSince returns the credits of (identity, action) with occurredAt > since.
	SumSince(ctx context.Context, id identity.Identity, action string, since time.Time) (int64, error)
	// AppendIfWithin atomically checks and appends. It returns the credits
	// consumed in the window before this event and whether it was appended.
	AppendIfWithin(ctx context.Context, event Event, since time.Time, limit int64) (consumed int64, appended bool, err error)
	// Append stores an event with no limit check (unmetered actions).
	Append(ctx context.Context, event Event) error
	// Totals aggregates credits per identity.
	Totals(ctx context.Context, q TotalsQuery) ([]Total, error)
	// Events lists events of one identity ordered by occurredAt.
	Events(ctx context.Context, id identity.Identity, q EventQuery) ([]Event, error)
	// Ping checks store reachability.
	Ping(ctx context.Context) error
}

// actionSet builds a lookup set; nil means every action matches.
func actionSet(actions []string) map[string]struct{} {
	if len(actions) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(actions))
	for _, action := range actions {
		set[action] = struct{}{}
	}
	return set
}

// aggregate sums events per identity and applies the query filters.
func aggregate(events []Event, q TotalsQuery) []Total {
	actions := actionSet(q.Actions)
	sums := make(map[string]*Total)
	order := make([]string, 0)
	for _, event := range events {
		if actions != nil {
			if _, ok := actions[event.Action]; !ok {
				continue
			}
		}
		if !q.Since.IsZero() && event.OccurredAt.Before(q.Since) {
			continue
		}
		key := event.Identity.Key()
		entry := sums[key]
		if entry == nil {
			entry = &Total{Identity: identity.Identity{Kind: event.Identity.Kind, ID: event.Identity.ID}}
			sums[key] = entry
			order = append(order, key)
		}
		entry.Credits += int64(event.Credits)
	}
	out := make([]Total, 0, len(order))
	for _, key := range order {
		if sums[key].Credits < q.MinCredits {
			continue
		}
		out = append(out, *sums[key])
	}
	return out
}

// matches reports whether an event of the right identity passes q.
func (q EventQuery) matches(event Event) bool {
	if q.Action != "" && event.Action != q.Action {
		return false
	}
	if !q.Since.IsZero() && event.OccurredAt.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && !event.OccurredAt.Before(q.Until) {
		return false
	}
	return true
}

// cloneMetadata copies metadata so stored events cannot be mutated by callers.
func cloneMetadata(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
