package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/router-for-me/CreditMeter/internal/apierror"
	"github.com/router-for-me/CreditMeter/internal/identity"
	"github.com/router-for-me/CreditMeter/internal/ledger"
	"github.com/router-for-me/CreditMeter/internal/metrics"

	log "github.com/sirupsen/logrus"
)

// DefaultTimeout bounds every ledger call made by the limiter.
const DefaultTimeout = 5 * time.Second

// Options configures a Limiter. Zero values select defaults.
type Options struct {
	Timeout         time.Duration    // Per ledger call; DefaultTimeout when zero.
	BreakerCooldown time.Duration    // Fail-fast period after a failure; zero disables.
	Metrics         *metrics.Metrics // Optional.
	NowFn           func() time.Time // Clock; time.Now when nil.
}

// Limiter decides whether an identity may consume credits for an action
// and records accepted consumption in the ledger.
type Limiter struct {
	ledger   ledger.Ledger
	policies *PolicyTable
	nowFn    func() time.Time
	timeout  time.Duration
	breaker  *breaker
	metrics  *metrics.Metrics
}

// NewLimiter constructs a Limiter.
func NewLimiter(store ledger.Ledger, policies *PolicyTable, opts Options) *Limiter {
	if opts.NowFn == nil {
		opts.NowFn = time.Now
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Limiter{
		ledger:   store,
		policies: policies,
		nowFn:    opts.NowFn,
		timeout:  opts.Timeout,
		breaker:  newBreaker(opts.BreakerCooldown),
		metrics:  opts.Metrics,
	}
}

// Policies returns the policy table the limiter enforces.
func (l *Limiter) Policies() *PolicyTable {
	return l.policies
}

// Evaluate reports what consuming requested credits would do without
// writing anything.
func (l *Limiter) Evaluate(ctx context.Context, id identity.Identity, action string, requested int) (Decision, error) {
	action, errValidate := validateRequest(id, action, requested)
	if errValidate != nil {
		return Decision{Action: action, Requested: requested}, errValidate
	}
	policy, metered := l.policies.Lookup(action)
	if !metered {
		l.metrics.ObserveDecision(action, metrics.OutcomeUnmetered)
		return unmeteredDecision(action, requested), nil
	}

	now := l.nowFn().UTC()
	if l.breaker.isOpen(now) {
		return l.fail(action, requested, errBreakerOpen)
	}

	ctxSum, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	started := time.Now()
	consumed, errSum := l.ledger.SumSince(ctxSum, id, action, windowStart(now, policy))
	l.metrics.ObserveLedger("sum", started, errSum)
	if errSum != nil {
		l.tripUnlessCanceled(ctx, errSum, now)
		return l.fail(action, requested, errSum)
	}

	// A zero credit check is always allowed, even when a tightened policy
	// leaves the window already over its limit.
	allowed := requested == 0 || ledger.Fits(consumed, int64(requested), int64(policy.Limit))
	decision := newDecision(action, policy, requested, consumed, allowed)
	l.observe(decision)
	return decision, nil
}

// EvaluateAndCommit checks the limit and, when allowed, appends the
// consumption as one atomic ledger operation. Unmetered actions are always
// allowed and still recorded. Zero credits never write.
//
// The ledger write is detached from ctx cancellation and bounded by the
// limiter timeout, so a client disconnect cannot abort a commit halfway.
func (l *Limiter) EvaluateAndCommit(ctx context.Context, id identity.Identity, action string, requested int, metadata map[string]any) (Decision, error) {
	if requested == 0 {
		return l.Evaluate(ctx, id, action, requested)
	}
	action, errValidate := validateRequest(id, action, requested)
	if errValidate != nil {
		return Decision{Action: action, Requested: requested}, errValidate
	}

	now := l.nowFn().UTC()
	if l.breaker.isOpen(now) {
		return l.fail(action, requested, errBreakerOpen)
	}

	event := ledger.Event{
		Identity:   id,
		Action:     action,
		Credits:    requested,
		OccurredAt: now,
		Metadata:   metadata,
	}

	ctxCommit, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
	defer cancel()

	policy, metered := l.policies.Lookup(action)
	if !metered {
		started := time.Now()
		errAppend := l.ledger.Append(ctxCommit, event)
		l.metrics.ObserveLedger("append", started, errAppend)
		if errAppend != nil {
			l.breaker.trip(errAppend, now)
			return l.fail(action, requested, errAppend)
		}
		l.metrics.ObserveDecision(action, metrics.OutcomeUnmetered)
		l.metrics.AddCredits(action, requested)
		return unmeteredDecision(action, requested), nil
	}

	started := time.Now()
	consumed, appended, errAppend := l.ledger.AppendIfWithin(ctxCommit, event, windowStart(now, policy), int64(policy.Limit))
	l.metrics.ObserveLedger("append_if_within", started, errAppend)
	if errAppend != nil {
		l.breaker.trip(errAppend, now)
		return l.fail(action, requested, errAppend)
	}

	decision := newDecision(action, policy, requested, consumed, appended)
	l.observe(decision)
	if appended {
		l.metrics.AddCredits(action, requested)
	}
	return decision, nil
}

func (l *Limiter) observe(decision Decision) {
	outcome := metrics.OutcomeAllowed
	if !decision.Allowed {
		outcome = metrics.OutcomeDenied
		log.WithFields(log.Fields{
			"action":    decision.Action,
			"limit":     decision.Limit,
			"consumed":  decision.IdentityCountInWindow,
			"requested": decision.Requested,
		}).Debug("rate limit: request denied")
	}
	l.metrics.ObserveDecision(decision.Action, outcome)
}

// fail turns a ledger failure into a denied decision and an internal error.
func (l *Limiter) fail(action string, requested int, cause error) (Decision, error) {
	l.metrics.ObserveDecision(action, metrics.OutcomeError)
	if !errors.Is(cause, errBreakerOpen) {
		log.WithError(cause).WithField("action", action).Error("rate limit: ledger operation failed")
	}
	return Decision{Action: action, Allowed: false, Requested: requested},
		apierror.Internal("quota store unavailable", fmt.Errorf("ratelimit: %w", cause))
}

// tripUnlessCanceled opens the breaker unless the caller went away.
func (l *Limiter) tripUnlessCanceled(ctx context.Context, err error, now time.Time) {
	if errors.Is(ctx.Err(), context.Canceled) {
		return
	}
	l.breaker.trip(err, now)
}

// windowStart is the exclusive lower bound of the rolling window: events that
// occurred exactly one window ago no longer count.
func windowStart(now time.Time, policy Policy) time.Time {
	return now.Add(-policy.Window)
}

func validateRequest(id identity.Identity, action string, requested int) (string, error) {
	if id.IsZero() {
		return action, apierror.Unauthorized("missing caller identity", nil)
	}
	normalized, errAction := NormalizeAction(action)
	if errAction != nil {
		return action, apierror.BadRequest("invalid action")
	}
	if requested < 0 {
		return normalized, apierror.BadRequest("credits must not be negative")
	}
	if requested > ledger.MaxCredits {
		return normalized, apierror.BadRequest(fmt.Sprintf("credits must not exceed %d", ledger.MaxCredits))
	}
	return normalized, nil
}
