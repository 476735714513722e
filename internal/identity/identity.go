// Package identity resolves the caller identity that quota is accounted against:
// an authenticated user taken from a bearer token, or an anonymous device
// fingerprint.
package identity

import (
	"fmt"
	"strings"
)

// Kind distinguishes authenticated users from anonymous devices.
type Kind string

// Kind constants.
const (
	// KindUser is an authenticated user identified by the token subject.
	KindUser Kind = "user"
	// KindGuest is an anonymous device identified by its hashed fingerprint.
	KindGuest Kind = "guest"
)

// Role is the authorization role stored for a user profile.
type Role string

// Role constants.
const (
	// RoleUser is the default role.
	RoleUser Role = "user"
	// RoleAdmin grants access to the alert endpoints.
	RoleAdmin Role = "admin"
)

// ParseRole normalizes a stored role value. Unknown values map to RoleUser.
func ParseRole(raw string) Role {
	if strings.EqualFold(strings.TrimSpace(raw), string(RoleAdmin)) {
		return RoleAdmin
	}
	return RoleUser
}

// Identity is the unit of quota accounting. Guests and users are never merged.
type Identity struct {
	Kind  Kind   // Identity kind.
	ID    string // User ID or fingerprint digest.
	Email string // Email claim, users only.
	Role  Role   // Stored role, users only.
}

// User builds an authenticated identity.
func User(id, email string, role Role) Identity {
	if role == "" {
		role = RoleUser
	}
	return Identity{Kind: KindUser, ID: strings.TrimSpace(id), Email: strings.TrimSpace(email), Role: role}
}

// Guest builds an anonymous identity from a fingerprint digest.
func Guest(digest string) Identity {
	return Identity{Kind: KindGuest, ID: strings.TrimSpace(digest), Role: RoleUser}
}

// Key returns the stable "<kind>:<id>" form used by the ledger.
func (i Identity) Key() string {
	return string(i.Kind) + ":" + i.ID
}

// String implements fmt.Stringer.
func (i Identity) String() string {
	return i.Key()
}

// IsZero reports whether the identity is unset.
func (i Identity) IsZero() bool {
	return i.Kind == "" || i.ID == ""
}

// IsAuthenticated reports whether the identity came from a bearer token.
func (i Identity) IsAuthenticated() bool {
	return i.Kind == KindUser
}

// IsAdmin reports whether the identity is an authenticated admin.
func (i Identity) IsAdmin() bool {
	return i.Kind == KindUser && i.Role == RoleAdmin
}

// ParseKey parses the output of Key. Only kind and ID are recovered.
func ParseKey(key string) (Identity, error) {
	kind, id, ok := strings.Cut(strings.TrimSpace(key), ":")
	if !ok || id == "" {
		return Identity{}, fmt.Errorf("identity: malformed key %q", key)
	}
	switch Kind(kind) {
	case KindUser:
		return Identity{Kind: KindUser, ID: id, Role: RoleUser}, nil
	case KindGuest:
		return Identity{Kind: KindGuest, ID: id, Role: RoleUser}, nil
	default:
		return Identity{}, fmt.Errorf("identity: unknown kind %q", kind)
	}
}
