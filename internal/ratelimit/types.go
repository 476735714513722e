package ratelimit

import "time"

// Decision describes the outcome of a rate limit evaluation. It is computed
// per request and never persisted.
type Decision struct {
	Action    string
	Allowed   bool
	Metered   bool          // False when no policy covers the action.
	Limit     int           // Policy limit; zero when unmetered.
	Window    time.Duration // Policy window; zero when unmetered.
	Requested int           // Credits asked for.

	// IdentityCountInWindow is the credits consumed in the window before
	// this request.
	IdentityCountInWindow int64
	// WindowRemainingCredits is what is left in the window after this
	// request, never negative.
	WindowRemainingCredits int64
}

// UserCount is the window count the request would have produced.
func (d Decision) UserCount() int64 {
	return d.IdentityCountInWindow + int64(d.Requested)
}

// RetryAfter is how long a denied caller should wait before retrying.
func (d Decision) RetryAfter() time.Duration {
	if d.Allowed || !d.Metered {
		return 0
	}
	return d.Window
}

func newDecision(action string, policy Policy, requested int, consumed int64, allowed bool) Decision {
	remaining := int64(policy.Limit) - consumed
	if allowed {
		remaining -= int64(requested)
	}
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Action:                 action,
		Allowed:                allowed,
		Metered:                true,
		Limit:                  policy.Limit,
		Window:                 policy.Window,
		Requested:              requested,
		IdentityCountInWindow:  consumed,
		WindowRemainingCredits: remaining,
	}
}

func unmeteredDecision(action string, requested int) Decision {
	return Decision{Action: action, Allowed: true, Requested: requested}
}
