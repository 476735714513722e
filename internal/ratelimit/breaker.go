package ratelimit

import (
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// errBreakerOpen is returned while the breaker short-circuits ledger calls.
var errBreakerOpen = errors.New("ratelimit: ledger breaker open")

// breaker fails fast for a cool-down period after a ledger failure. It only
// ever denies; it never substitutes an allow for an unreachable store.
type breaker struct {
	duration time.Duration

	mu        sync.Mutex
	openUntil time.Time
}

func newBreaker(duration time.Duration) *breaker {
	if duration <= 0 {
		return nil
	}
	return &breaker{duration: duration}
}

func (b *breaker) isOpen(now time.Time) bool {
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openUntil.IsZero() {
		return false
	}
	if now.Before(b.openUntil) {
		return true
	}
	b.openUntil = time.Time{}
	return false
}

func (b *breaker) trip(err error, now time.Time) {
	if b == nil || err == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.openUntil.IsZero() && now.Before(b.openUntil) {
		return
	}
	b.openUntil = now.Add(b.duration)
	log.WithError(err).WithField("cooldown", b.duration.String()).Warn("rate limit: ledger unavailable, rejecting requests")
}
