// Package usage implements the credit endpoint: quota checks and credit
// consumption on behalf of the resolved caller.
package usage

import (
	"context"
	"fmt"
	"strings"

	"github.com/router-for-me/CreditMeter/internal/apierror"
	"github.com/router-for-me/CreditMeter/internal/identity"
	"github.com/router-for-me/CreditMeter/internal/ledger"
	"github.com/router-for-me/CreditMeter/internal/ratelimit"
)

// Endpoint names accepted on the wire.
const (
	EndpointCheckQuota     = "checkQuota"
	EndpointConsumeCredits = "consumeCredits"
)

// Request is one credit endpoint operation: CheckQuota or ConsumeCredits.
type Request interface {
	ActionName() string
	isRequest()
}

// CheckQuota reports current usage of an action without consuming.
type CheckQuota struct {
	Action string
}

// ConsumeCredits consumes credits of an action.
type ConsumeCredits struct {
	Action   string
	Credits  int
	Metadata map[string]any
}

// ActionName implements Request.
func (r CheckQuota) ActionName() string { return r.Action }

// ActionName implements Request.
func (r ConsumeCredits) ActionName() string { return r.Action }

func (CheckQuota) isRequest()     {}
func (ConsumeCredits) isRequest() {}

// WireRequest is the JSON body of POST /v1/credits.
type WireRequest struct {
	Endpoint string         `json:"endpoint"`
	Action   string         `json:"action"`
	Credits  *int           `json:"credits"`
	Metadata map[string]any `json:"metadata"`
}

// ParseRequest converts the wire body into a Request.
func ParseRequest(w WireRequest) (Request, error) {
	action := strings.TrimSpace(w.Action)
	if action == "" {
		return nil, apierror.BadRequest("action is required")
	}
	switch strings.TrimSpace(w.Endpoint) {
	case EndpointCheckQuota:
		return CheckQuota{Action: action}, nil
	case EndpointConsumeCredits:
		if w.Credits == nil {
			return nil, apierror.BadRequest("credits is required")
		}
		if *w.Credits < 1 {
			return nil, apierror.BadRequest("credits must be at least 1")
		}
		if *w.Credits > ledger.MaxCredits {
			return nil, apierror.BadRequest(fmt.Sprintf("credits must not exceed %d", ledger.MaxCredits))
		}
		return ConsumeCredits{Action: action, Credits: *w.Credits, Metadata: w.Metadata}, nil
	case "":
		return nil, apierror.BadRequest("endpoint is required")
	default:
		return nil, apierror.BadRequest("unknown endpoint")
	}
}

// Limiter is the subset of ratelimit.Limiter the service needs.
type Limiter interface {
	Evaluate(ctx context.Context, id identity.Identity, action string, requested int) (ratelimit.Decision, error)
	EvaluateAndCommit(ctx context.Context, id identity.Identity, action string, requested int, metadata map[string]any) (ratelimit.Decision, error)
}

// Result is the success payload of the credit endpoint. Optional fields are
// nil when they do not apply.
type Result struct {
	RemainingCredits *int64
	UserID           string
	UserEmail        string
	Limit            *int
	Used             *int64
	WindowSeconds    *int64

	Decision ratelimit.Decision
}

// Service executes credit endpoint requests.
type Service struct {
	limiter Limiter
}

// NewService constructs a Service.
func NewService(limiter Limiter) *Service {
	return &Service{limiter: limiter}
}

// Handle runs req for id. On a rate limit denial the returned error is a
// RateLimitExceeded apierror and the Result still carries the decision.
func (s *Service) Handle(ctx context.Context, id identity.Identity, req Request) (Result, error) {
	switch r := req.(type) {
	case CheckQuota:
		decision, err := s.limiter.Evaluate(ctx, id, r.Action, 0)
		if err != nil {
			return Result{Decision: decision}, err
		}
		return buildResult(id, decision, decision.IdentityCountInWindow), nil
	case ConsumeCredits:
		if r.Credits < 1 {
			return Result{}, apierror.BadRequest("credits must be at least 1")
		}
		decision, err := s.limiter.EvaluateAndCommit(ctx, id, r.Action, r.Credits, r.Metadata)
		if err != nil {
			return Result{Decision: decision}, err
		}
		if !decision.Allowed {
			return Result{Decision: decision}, apierror.RateLimited(decision.Limit, int(decision.UserCount()))
		}
		return buildResult(id, decision, decision.UserCount()), nil
	default:
		return Result{}, apierror.BadRequest("unsupported request")
	}
}

func buildResult(id identity.Identity, decision ratelimit.Decision, used int64) Result {
	result := Result{Decision: decision}
	if id.IsAuthenticated() {
		result.UserID = id.ID
		result.UserEmail = id.Email
	}
	if !decision.Metered {
		return result
	}
	remaining := decision.WindowRemainingCredits
	limit := decision.Limit
	windowSeconds := int64(decision.Window.Seconds())
	result.RemainingCredits = &remaining
	result.Limit = &limit
	result.Used = &used
	result.WindowSeconds = &windowSeconds
	return result
}
