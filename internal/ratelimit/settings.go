package ratelimit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// PolicySpec is the configuration form of a Policy.
type PolicySpec struct {
	Action        string
	Limit         int
	WindowSeconds int
}

// policyOverride is one entry of the JSON override document.
type policyOverride struct {
	limit    *int
	window   *time.Duration
	disabled bool
}

// BuildPolicyTable applies the JSON overrides to base and builds the table.
//
// The override document is an object keyed by action:
//
//	{"ask_question": {"limit": 3, "windowSeconds": 3600}, "legacy": {"enabled": false}}
//
// Values may be JSON numbers or numeric strings. "window" also accepts a Go
// duration string. An entry with "enabled": false removes the policy, which
// makes the action unmetered.
func BuildPolicyTable(base []PolicySpec, overridesJSON string) (*PolicyTable, error) {
	overrides, errParse := parsePolicyOverrides(overridesJSON)
	if errParse != nil {
		return nil, errParse
	}

	merged := make(map[string]Policy, len(base)+len(overrides))
	for _, spec := range base {
		action, errAction := NormalizeAction(spec.Action)
		if errAction != nil {
			return nil, errAction
		}
		if _, exists := merged[action]; exists {
			return nil, fmt.Errorf("ratelimit: duplicate policy for %s", action)
		}
		merged[action] = Policy{
			Action: action,
			Limit:  spec.Limit,
			Window: time.Duration(spec.WindowSeconds) * time.Second,
		}
	}

	actions := make([]string, 0, len(overrides))
	for action := range overrides {
		actions = append(actions, action)
	}
	sort.Strings(actions)
	for _, action := range actions {
		override := overrides[action]
		if override.disabled {
			delete(merged, action)
			continue
		}
		policy, exists := merged[action]
		if !exists {
			if override.limit == nil || override.window == nil {
				return nil, fmt.Errorf("ratelimit: override for new action %s needs limit and window", action)
			}
			policy = Policy{Action: action}
		}
		if override.limit != nil {
			policy.Limit = *override.limit
		}
		if override.window != nil {
			policy.Window = *override.window
		}
		merged[action] = policy
	}

	policies := make([]Policy, 0, len(merged))
	for _, policy := range merged {
		policies = append(policies, policy)
	}
	return NewPolicyTable(policies)
}

// parsePolicyOverrides parses the JSON override document. Empty input yields
// no overrides.
func parsePolicyOverrides(raw string) (map[string]policyOverride, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var doc map[string]map[string]json.RawMessage
	if errUnmarshal := json.Unmarshal([]byte(raw), &doc); errUnmarshal != nil {
		return nil, fmt.Errorf("ratelimit: parse policy overrides: %w", errUnmarshal)
	}

	out := make(map[string]policyOverride, len(doc))
	for rawAction, fields := range doc {
		action, errAction := NormalizeAction(rawAction)
		if errAction != nil {
			return nil, errAction
		}
		var override policyOverride
		for key, value := range fields {
			switch key {
			case "limit":
				limit, ok := parseNonNegativeInt(value)
				if !ok {
					return nil, fmt.Errorf("ratelimit: override %s: invalid limit %s", action, value)
				}
				override.limit = &limit
			case "windowSeconds", "window_seconds", "window-seconds":
				seconds, ok := parseNonNegativeInt(value)
				if !ok || seconds == 0 {
					return nil, fmt.Errorf("ratelimit: override %s: invalid window %s", action, value)
				}
				window := time.Duration(seconds) * time.Second
				override.window = &window
			case "window":
				window, ok := parseWindow(value)
				if !ok {
					return nil, fmt.Errorf("ratelimit: override %s: invalid window %s", action, value)
				}
				override.window = &window
			case "enabled":
				enabled, ok := parseBool(value)
				if !ok {
					return nil, fmt.Errorf("ratelimit: override %s: invalid enabled flag %s", action, value)
				}
				override.disabled = !enabled
			default:
				return nil, fmt.Errorf("ratelimit: override %s: unknown field %q", action, key)
			}
		}
		out[action] = override
	}
	return out, nil
}

// parseWindow accepts a duration string ("90m") or a number of seconds.
func parseWindow(raw json.RawMessage) (time.Duration, bool) {
	if text, ok := parseString(raw); ok {
		if window, errParse := time.ParseDuration(text); errParse == nil && window > 0 {
			return window, true
		}
	}
	seconds, ok := parseNonNegativeInt(raw)
	if !ok || seconds == 0 {
		return 0, false
	}
	return time.Duration(seconds) * time.Second, true
}

func parseBool(raw json.RawMessage) (bool, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return false, false
	}
	var parsedBool bool
	if errUnmarshalBool := json.Unmarshal(raw, &parsedBool); errUnmarshalBool == nil {
		return parsedBool, true
	}
	var parsedString string
	if errUnmarshalString := json.Unmarshal(raw, &parsedString); errUnmarshalString == nil {
		switch strings.ToLower(strings.TrimSpace(parsedString)) {
		case "1", "true", "yes", "y", "on":
			return true, true
		case "0", "false", "no", "n", "off":
			return false, true
		default:
			return false, false
		}
	}
	var parsedFloat float64
	if errUnmarshalFloat := json.Unmarshal(raw, &parsedFloat); errUnmarshalFloat == nil {
		if math.IsNaN(parsedFloat) || math.IsInf(parsedFloat, 0) {
			return false, false
		}
		if parsedFloat == 1 {
			return true, true
		}
		if parsedFloat == 0 {
			return false, true
		}
	}
	return false, false
}

func parseString(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", false
	}
	var parsedString string
	if errUnmarshal := json.Unmarshal(raw, &parsedString); errUnmarshal == nil {
		return strings.TrimSpace(parsedString), true
	}
	return "", false
}

func parseNonNegativeInt(raw json.RawMessage) (int, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0, false
	}
	var parsedInt int
	if errUnmarshalInt := json.Unmarshal(raw, &parsedInt); errUnmarshalInt == nil {
		return parsedInt, parsedInt >= 0
	}
	var parsedString string
	if errUnmarshalString := json.Unmarshal(raw, &parsedString); errUnmarshalString == nil {
		parsed, errParse := strconv.Atoi(strings.TrimSpace(parsedString))
		if errParse != nil {
			return 0, false
		}
		return parsed, parsed >= 0
	}
	var parsedFloat float64
	if errUnmarshalFloat := json.Unmarshal(raw, &parsedFloat); errUnmarshalFloat == nil {
		if math.IsNaN(parsedFloat) || math.IsInf(parsedFloat, 0) {
			return 0, false
		}
		if parsedFloat < 0 || parsedFloat != math.Trunc(parsedFloat) {
			return 0, false
		}
		return int(parsedFloat), true
	}
	return 0, false
}
