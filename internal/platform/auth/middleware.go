package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"

	domain "github.com/hanko-field/settlement/internal/domain"
	"github.com/hanko-field/settlement/internal/platform/httpx"
	"github.com/hanko-field/settlement/internal/platform/requestctx"
)

// Roles allowed to drive order transitions.
const (
	RoleStaff = "staff"
	RoleAdmin = "admin"
)

const (
	defaultRoleClaim     = "role"
	defaultEmailClaim    = "email"
	defaultVerifyTimeout = 5 * time.Second
)

var (
	// ErrTokenExpired signals that the provided Firebase ID token has expired.
	ErrTokenExpired = errors.New("auth: firebase id token expired")
	// ErrTokenInvalid signals that the provided Firebase ID token is invalid for other reasons.
	ErrTokenInvalid = errors.New("auth: firebase id token invalid")
)

// TokenVerifier verifies Firebase ID tokens.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// ActorResolver turns a verified Firebase ID token into the request actor.
type ActorResolver struct {
	verifier  TokenVerifier
	roleClaim string
	timeout   time.Duration
}

// Option customises ActorResolver behaviour.
type Option func(*ActorResolver)

// WithRoleClaim overrides the custom claim used for role extraction.
func WithRoleClaim(claim string) Option {
	return func(a *ActorResolver) {
		if claim = strings.TrimSpace(claim); claim != "" {
			a.roleClaim = claim
		}
	}
}

// WithVerificationTimeout sets the timeout used when verifying tokens.
func WithVerificationTimeout(d time.Duration) Option {
	return func(a *ActorResolver) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// NewActorResolver constructs the admin authentication middleware factory.
func NewActorResolver(verifier TokenVerifier, opts ...Option) *ActorResolver {
	a := &ActorResolver{
		verifier:  verifier,
		roleClaim: defaultRoleClaim,
		timeout:   defaultVerifyTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// RequireActor verifies the bearer token, checks the role claim against
// allowedRoles and stores the resulting actor on the request context.
func (a *ActorResolver) RequireActor(allowedRoles ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(allowedRoles))
	for _, role := range allowedRoles {
		if role = normaliseRole(role); role != "" {
			allowed[role] = struct{}{}
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr, ok := extractBearerToken(r.Header.Get("Authorization"))
			if !ok {
				respondAuthError(r.Context(), w, http.StatusUnauthorized, "unauthenticated", "authorization header missing or invalid")
				return
			}
			if a == nil || a.verifier == nil {
				respondAuthError(r.Context(), w, http.StatusServiceUnavailable, "verification_unavailable", "authorization service unavailable")
				return
			}

			ctx := r.Context()
			verifyCtx, cancel := context.WithTimeout(ctx, a.timeout)
			token, err := a.verifier.VerifyIDToken(verifyCtx, tokenStr)
			cancel()
			if err != nil {
				respondVerificationError(ctx, w, err)
				return
			}

			role := pickRole(rolesFromClaims(token.Claims, a.roleClaim), allowed)
			if len(allowed) > 0 && role == "" {
				respondAuthError(ctx, w, http.StatusForbidden, "insufficient_role", "identity does not have required role")
				return
			}

			actor := domain.Actor{
				ID:    token.UID,
				Email: claimAsString(token.Claims, defaultEmailClaim),
				Role:  role,
			}
			if actor.Empty() {
				respondAuthError(ctx, w, http.StatusUnauthorized, "invalid_token", "token carries no subject")
				return
			}
			next.ServeHTTP(w, r.WithContext(requestctx.WithActor(ctx, actor)))
		})
	}
}

func pickRole(roles []string, allowed map[string]struct{}) string {
	for _, role := range roles {
		if len(allowed) == 0 {
			return role
		}
		if _, ok := allowed[role]; ok {
			return role
		}
	}
	return ""
}

func rolesFromClaims(claims map[string]any, key string) []string {
	switch v := claims[key].(type) {
	case string:
		if role := normaliseRole(v); role != "" {
			return []string{role}
		}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if str, ok := item.(string); ok {
				if role := normaliseRole(str); role != "" {
					out = append(out, role)
				}
			}
		}
		return out
	case map[string]any:
		out := make([]string, 0, len(v))
		for key, value := range v {
			if enabled, ok := value.(bool); ok && enabled {
				out = append(out, normaliseRole(key))
			}
		}
		return out
	}
	return nil
}

func claimAsString(claims map[string]any, key string) string {
	value, _ := claims[key].(string)
	return strings.TrimSpace(value)
}

func normaliseRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}

func extractBearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func respondAuthError(ctx context.Context, w http.ResponseWriter, status int, code, message string) {
	httpx.WriteError(ctx, w, httpx.NewError(code, message, status))
}

func respondVerificationError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrTokenExpired), firebaseauth.IsIDTokenExpired(err):
		respondAuthError(ctx, w, http.StatusUnauthorized, "token_expired", "firebase id token expired")
	case errors.Is(err, ErrTokenInvalid), firebaseauth.IsIDTokenInvalid(err):
		respondAuthError(ctx, w, http.StatusUnauthorized, "invalid_token", "firebase id token invalid")
	default:
		respondAuthError(ctx, w, http.StatusUnauthorized, "invalid_token", "firebase id token verification failed")
	}
}
