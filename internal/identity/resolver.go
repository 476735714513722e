package identity

import (
	"context"
	"encoding/hex"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/router-for-me/CreditMeter/internal/apierror"
	"golang.org/x/crypto/blake2b"
)

// Header names read by the HTTP layer.
const (
	HeaderAuthorization = "Authorization"
	HeaderFingerprint   = "X-Device-Fingerprint"
)

var fingerprintPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{16,256}$`)

// Credentials carries the raw caller credentials of one request.
type Credentials struct {
	Authorization string // Raw Authorization header value.
	Fingerprint   string // Raw device fingerprint header value.
}

// RoleLookup loads the stored role of a user.
type RoleLookup interface {
	LookupRole(ctx context.Context, userID string) (Role, error)
}

// RoleLookupFunc adapts a function to RoleLookup.
type RoleLookupFunc func(ctx context.Context, userID string) (Role, error)

// LookupRole implements RoleLookup.
func (f RoleLookupFunc) LookupRole(ctx context.Context, userID string) (Role, error) {
	return f(ctx, userID)
}

// DefaultLookupTimeout bounds a role lookup when Config.LookupTimeout is zero.
const DefaultLookupTimeout = 5 * time.Second

// Config holds bearer token verification settings.
type Config struct {
	Secret   string
	Issuer   string
	Audience string
	// LookupTimeout bounds each role lookup.
	LookupTimeout time.Duration
}

// Claims are the JWT claims accepted from bearer tokens.
type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Resolver maps request credentials to an Identity. It holds no mutable state.
type Resolver struct {
	secret        []byte
	parser        *jwt.Parser
	roles         RoleLookup
	lookupTimeout time.Duration
}

// NewResolver constructs a Resolver. roles may be nil, in which case every
// authenticated user has RoleUser.
func NewResolver(cfg Config, roles RoleLookup, nowFn func() time.Time) (*Resolver, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, errors.New("identity: jwt secret is required")
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(nowFn),
	}
	if issuer := strings.TrimSpace(cfg.Issuer); issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience := strings.TrimSpace(cfg.Audience); audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	lookupTimeout := cfg.LookupTimeout
	if lookupTimeout <= 0 {
		lookupTimeout = DefaultLookupTimeout
	}
	return &Resolver{
		secret:        []byte(secret),
		parser:        jwt.NewParser(opts...),
		roles:         roles,
		lookupTimeout: lookupTimeout,
	}, nil
}

// Resolve derives the caller identity. A present but invalid bearer token is
// rejected even when a fingerprint is also supplied.
func (r *Resolver) Resolve(ctx context.Context, creds Credentials) (Identity, error) {
	if authHeader := strings.TrimSpace(creds.Authorization); authHeader != "" {
		return r.resolveBearer(ctx, authHeader)
	}

	digest, errHash := HashFingerprint(creds.Fingerprint)
	if errHash != nil {
		return Identity{}, errHash
	}
	return Guest(digest), nil
}

func (r *Resolver) resolveBearer(ctx context.Context, authHeader string) (Identity, error) {
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == authHeader {
		return Identity{}, apierror.Unauthorized("invalid authorization format", nil)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, apierror.Unauthorized("empty token", nil)
	}

	claims := &Claims{}
	if _, errParse := r.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return r.secret, nil
	}); errParse != nil {
		return Identity{}, apierror.Unauthorized("invalid token", errParse)
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return Identity{}, apierror.Unauthorized("token has no subject", nil)
	}

	role := RoleUser
	if r.roles != nil {
		ctxLookup, cancel := context.WithTimeout(ctx, r.lookupTimeout)
		stored, errRole := r.roles.LookupRole(ctxLookup, subject)
		cancel()
		if errRole != nil {
			return Identity{}, apierror.Internal("load user role failed", errRole)
		}
		role = stored
	}
	return User(subject, claims.Email, role), nil
}

// HashFingerprint validates a device fingerprint and returns its BLAKE2b-256
// hex digest.
func HashFingerprint(raw string) (string, error) {
	fingerprint := strings.TrimSpace(raw)
	if fingerprint == "" {
		return "", apierror.BadRequest("missing credential: bearer token or device fingerprint required")
	}
	if !fingerprintPattern.MatchString(fingerprint) {
		return "", apierror.BadRequest("malformed device fingerprint")
	}
	sum := blake2b.Sum256([]byte(fingerprint))
	return hex.EncodeToString(sum[:]), nil
}
