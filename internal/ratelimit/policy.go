package ratelimit

import (
	"fmt"
	"sort"
	"time"
)

// Policy is the limit of one action: at most Limit credits per rolling Window.
type Policy struct {
	Action string
	Limit  int
	Window time.Duration
}

// Validate checks a policy. A zero limit is valid and rejects every request.
func (p Policy) Validate() error {
	if _, err := NormalizeAction(p.Action); err != nil {
		return err
	}
	if p.Limit < 0 {
		return fmt.Errorf("ratelimit: policy %s: limit must be >= 0, got %d", p.Action, p.Limit)
	}
	if p.Window <= 0 {
		return fmt.Errorf("ratelimit: policy %s: window must be positive, got %s", p.Action, p.Window)
	}
	return nil
}

// PolicyTable maps action names to policies. It is immutable after
// construction and safe for concurrent use.
type PolicyTable struct {
	byAction map[string]Policy
}

// NewPolicyTable validates policies and builds a table. Duplicate actions
// are rejected.
func NewPolicyTable(policies []Policy) (*PolicyTable, error) {
	table := &PolicyTable{byAction: make(map[string]Policy, len(policies))}
	for _, policy := range policies {
		action, errAction := NormalizeAction(policy.Action)
		if errAction != nil {
			return nil, errAction
		}
		policy.Action = action
		if errValidate := policy.Validate(); errValidate != nil {
			return nil, errValidate
		}
		if _, exists := table.byAction[action]; exists {
			return nil, fmt.Errorf("ratelimit: duplicate policy for %s", action)
		}
		table.byAction[action] = policy
	}
	return table, nil
}

// Lookup returns the policy of action. ok is false for unmetered actions.
func (t *PolicyTable) Lookup(action string) (Policy, bool) {
	if t == nil {
		return Policy{}, false
	}
	policy, ok := t.byAction[action]
	return policy, ok
}

// Policies returns every policy ordered by action.
func (t *PolicyTable) Policies() []Policy {
	if t == nil {
		return nil
	}
	out := make([]Policy, 0, len(t.byAction))
	for _, policy := range t.byAction {
		out = append(out, policy)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Action < out[j].Action })
	return out
}

// Len returns the number of metered actions.
func (t *PolicyTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.byAction)
}
