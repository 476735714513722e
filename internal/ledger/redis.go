package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/router-for-me/CreditMeter/internal/identity"
)

// DefaultRedisPrefix is the key prefix used when none is configured.
const DefaultRedisPrefix = "creditmeter"

// appendScript checks the window sum and appends in one server-side step.
// KEYS: pair index, identity log, global log.
// ARGV: exclusive window start, limit (-1 = none), credits, score ms, pair member, event JSON.
var appendScript = redis.NewScript(`
local consumed = 0
if ARGV[2] ~= "-1" then
  local members = redis.call("ZRANGEBYSCORE", KEYS[1], ARGV[1], "+inf")
  for _, member in ipairs(members) do
    local credits = tonumber(string.match(member, "^(%d+):"))
    if credits then
      consumed = consumed + credits
    end
  end
  if tonumber(ARGV[3]) > tonumber(ARGV[2]) - consumed then
    return {0, consumed}
  end
end
redis.call("ZADD", KEYS[1], ARGV[4], ARGV[5])
redis.call("ZADD", KEYS[2], ARGV[4], ARGV[6])
redis.call("ZADD", KEYS[3], ARGV[4], ARGV[6])
return {1, consumed}
`)

// RedisLedger stores events in sorted sets scored by occurrence time in
// milliseconds. It requires a single Redis primary; cluster mode is not
// supported because the script touches keys in different slots.
type RedisLedger struct {
	client redis.UniversalClient
	prefix string
}

var _ Ledger = (*RedisLedger)(nil)

// redisEvent is the JSON form of an event in the identity and global logs.
type redisEvent struct {
	ID           string         `json:"id"`
	IdentityKind string         `json:"identity_kind"`
	IdentityID   string         `json:"identity_id"`
	Action       string         `json:"action"`
	Credits      int            `json:"credits"`
	OccurredAt   time.Time      `json:"occurred_at"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// NewRedisLedger constructs a RedisLedger.
func NewRedisLedger(client redis.UniversalClient, prefix string) *RedisLedger {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisLedger{client: client, prefix: prefix}
}

func (l *RedisLedger) pairKey(id identity.Identity, action string) string {
	return l.prefix + ":pair:" + id.Key() + ":" + action
}

func (l *RedisLedger) identityKey(id identity.Identity) string {
	return l.prefix + ":ident:" + id.Key()
}

func (l *RedisLedger) globalKey() string {
	return l.prefix + ":events"
}

func pairMember(event Event) string {
	return strconv.Itoa(event.Credits) + ":" + event.ID
}

func parsePairCredits(member string) (int64, bool) {
	raw, _, ok := strings.Cut(member, ":")
	if !ok {
		return 0, false
	}
	credits, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return credits, true
}

func encodeEvent(event Event) (string, error) {
	payload, err := json.Marshal(redisEvent{
		ID:           event.ID,
		IdentityKind: string(event.Identity.Kind),
		IdentityID:   event.Identity.ID,
		Action:       event.Action,
		Credits:      event.Credits,
		OccurredAt:   event.OccurredAt.UTC(),
		Metadata:     event.Metadata,
	})
	if err != nil {
		return "", fmt.Errorf("ledger redis: encode event: %w", err)
	}
	return string(payload), nil
}

func decodeEvent(raw string) (Event, error) {
	var row redisEvent
	if err := json.Unmarshal([]byte(raw), &row); err != nil {
		return Event{}, fmt.Errorf("ledger redis: decode event: %w", err)
	}
	return Event{
		ID:         row.ID,
		Identity:   identity.Identity{Kind: identity.Kind(row.IdentityKind), ID: row.IdentityID},
		Action:     row.Action,
		Credits:    row.Credits,
		OccurredAt: row.OccurredAt.UTC(),
		Metadata:   row.Metadata,
	}, nil
}

func scoreOf(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// windowMin is the exclusive lower score bound of a rate limit window.
func windowMin(since time.Time) string {
	return "(" + scoreOf(since)
}

// SumSince implements Ledger.
func (l *RedisLedger) SumSince(ctx context.Context, id identity.Identity, action string, since time.Time) (int64, error) {
	members, err := l.client.ZRangeByScore(ctx, l.pairKey(id, action), &redis.ZRangeBy{
		Min: windowMin(since),
		Max: "+inf",
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("ledger redis: sum: %w", err)
	}
	var total int64
	for _, member := range members {
		if credits, ok := parsePairCredits(member); ok {
			total += credits
		}
	}
	return total, nil
}

// AppendIfWithin implements Ledger.
func (l *RedisLedger) AppendIfWithin(ctx context.Context, event Event, since time.Time, limit int64) (int64, bool, error) {
	return l.runAppend(ctx, event, since, limit)
}

// Append implements Ledger.
func (l *RedisLedger) Append(ctx context.Context, event Event) error {
	_, _, err := l.runAppend(ctx, event, time.Time{}, -1)
	return err
}

func (l *RedisLedger) runAppend(ctx context.Context, event Event, since time.Time, limit int64) (int64, bool, error) {
	prepared, errPrepare := Prepare(event)
	if errPrepare != nil {
		return 0, false, errPrepare
	}
	payload, errEncode := encodeEvent(prepared)
	if errEncode != nil {
		return 0, false, errEncode
	}

	keys := []string{l.pairKey(prepared.Identity, prepared.Action), l.identityKey(prepared.Identity), l.globalKey()}
	res, errEval := appendScript.Run(ctx, l.client, keys,
		windowMin(since),
		strconv.FormatInt(limit, 10),
		prepared.Credits,
		scoreOf(prepared.OccurredAt),
		pairMember(prepared),
		payload,
	).Result()
	if errEval != nil {
		return 0, false, fmt.Errorf("ledger redis: append: %w", errEval)
	}
	values, ok := res.([]any)
	if !ok || len(values) != 2 {
		return 0, false, errors.New("ledger redis: unexpected script response")
	}
	appended, okAppended := values[0].(int64)
	consumed, okConsumed := values[1].(int64)
	if !okAppended || !okConsumed {
		return 0, false, errors.New("ledger redis: unexpected script response type")
	}
	return consumed, appended == 1, nil
}

// Totals implements Ledger.
func (l *RedisLedger) Totals(ctx context.Context, q TotalsQuery) ([]Total, error) {
	minScore := "-inf"
	if !q.Since.IsZero() {
		minScore = scoreOf(q.Since)
	}
	raw, err := l.client.ZRangeByScore(ctx, l.globalKey(), &redis.ZRangeBy{Min: minScore, Max: "+inf"}).Result()
	if err != nil {
		return nil, fmt.Errorf("ledger redis: totals: %w", err)
	}
	events := make([]Event, 0, len(raw))
	for _, item := range raw {
		event, errDecode := decodeEvent(item)
		if errDecode != nil {
			return nil, errDecode
		}
		events = append(events, event)
	}
	return aggregate(events, q), nil
}

// Events implements Ledger.
func (l *RedisLedger) Events(ctx context.Context, id identity.Identity, q EventQuery) ([]Event, error) {
	rangeBy := &redis.ZRangeBy{Min: "-inf", Max: "+inf"}
	if !q.Since.IsZero() {
		rangeBy.Min = scoreOf(q.Since)
	}
	if !q.Until.IsZero() {
		rangeBy.Max = "(" + scoreOf(q.Until)
	}
	raw, err := l.client.ZRangeByScore(ctx, l.identityKey(id), rangeBy).Result()
	if err != nil {
		return nil, fmt.Errorf("ledger redis: events: %w", err)
	}
	out := make([]Event, 0, len(raw))
	for _, item := range raw {
		event, errDecode := decodeEvent(item)
		if errDecode != nil {
			return nil, errDecode
		}
		if q.Action != "" && event.Action != q.Action {
			continue
		}
		out = append(out, event)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

// Ping implements Ledger.
func (l *RedisLedger) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}
