package ratelimit

import (
	"fmt"
	"regexp"
	"strings"
)

var actionPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.:-]{0,63}$`)

// NormalizeAction trims an action name and checks it against the allowed
// key format.
func NormalizeAction(action string) (string, error) {
	trimmed := strings.TrimSpace(action)
	if !actionPattern.MatchString(trimmed) {
		return "", fmt.Errorf("ratelimit: invalid action %q", action)
	}
	return trimmed, nil
}
