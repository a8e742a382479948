package guard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/rentora/authz"
	"github.com/rentora/authz/logger"
)

// RequestIDHeader carries the correlation ID; inbound values are reused,
// otherwise one is generated and echoed on the response.
const RequestIDHeader = "X-Request-ID"

// ErrInvalidToken indicates a bearer token that failed parsing or validation.
var ErrInvalidToken = errors.New("guard: invalid token")

// Claims are the JWT claims bearer tokens carry. Subject is the user ID.
type Claims struct {
	TenantID string   `json:"tenant_id,omitempty"`
	UserType string   `json:"user_type,omitempty"`
	Roles    []string `json:"roles,omitempty"`
	Orgs     []string `json:"orgs,omitempty"`
	MFA      bool     `json:"mfa,omitempty"`
	jwt.RegisteredClaims
}

// GenerateToken signs an HS256 token for the principal.
func GenerateToken(secret []byte, p *Principal, ttl time.Duration) (string, error) {
	if p == nil || p.UserID == "" {
		return "", errors.New("guard: principal with user id is required")
	}
	if ttl <= 0 {
		return "", errors.New("guard: ttl must be greater than zero")
	}
	now := time.Now().UTC()
	claims := Claims{
		TenantID: p.TenantID,
		UserType: string(p.UserType),
		Roles:    p.RoleIDs,
		Orgs:     p.OrgIDs,
		MFA:      p.MFAVerified,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ParseToken verifies the token signature and required claims.
func ParseToken(secret []byte, token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" || claims.ExpiresAt == nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Principal converts the claims into a guard principal.
func (c *Claims) Principal() *Principal {
	return &Principal{
		UserID:      c.Subject,
		TenantID:    c.TenantID,
		UserType:    authz.UserType(c.UserType),
		RoleIDs:     c.Roles,
		OrgIDs:      c.Orgs,
		MFAVerified: c.MFA,
	}
}

// PrincipalExtractor pulls the caller identity from an HTTP request.
// Returning ErrUnauthenticated (or a nil principal) rejects the call with
// 401 before any evaluation runs.
type PrincipalExtractor func(r *http.Request) (*Principal, error)

// TargetExtractor names the concrete resource a request touches.
type TargetExtractor func(r *http.Request) *authz.ResourceAttributes

// BearerPrincipal extracts the principal from an HS256-signed bearer token
// in the Authorization header.
func BearerPrincipal(secret []byte) PrincipalExtractor {
	return func(r *http.Request) (*Principal, error) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			return nil, ErrUnauthenticated
		}
		claims, err := ParseToken(secret, header[len(prefix):])
		if err != nil {
			return nil, ErrUnauthenticated
		}
		return claims.Principal(), nil
	}
}

// MiddlewareOptions configures the HTTP middleware. Principal is required;
// everything else has defaults.
type MiddlewareOptions struct {
	Guard     *Guard
	Principal PrincipalExtractor
	// Target names the resource for the wrapped route. When nil the
	// resource is the route itself: type "route", id "METHOD:/path".
	Target TargetExtractor
	// OnDenied and OnError override the plain-text default responses.
	OnDenied func(w http.ResponseWriter, r *http.Request, decision *authz.AuthorizationDecision)
	OnError  func(w http.ResponseWriter, r *http.Request, err error)
	// RequestID generates correlation IDs when the client sends none.
	RequestID logger.TraceIDFunc
	Logger    logger.Logger
}

// Middleware wraps a handler with the requirement. Unauthenticated calls
// get 401, denied calls 403, store outages 503; the decision is attached to
// the request context for handlers that want the trace.
func Middleware(req Requirement, opts *MiddlewareOptions) func(next http.Handler) http.Handler {
	if opts == nil {
		opts = &MiddlewareOptions{}
	}
	requestID := opts.RequestID
	if requestID == nil {
		requestID = uuid.NewString
	}
	log := opts.Logger
	if log == nil {
		log = logger.NewNullLogger()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if req.Public {
				next.ServeHTTP(w, r)
				return
			}
			if opts.Guard == nil || opts.Principal == nil {
				fail(w, r, opts, errors.New("guard: middleware needs a Guard and a Principal extractor"))
				return
			}

			rid := r.Header.Get(RequestIDHeader)
			if rid == "" {
				rid = requestID()
			}
			w.Header().Set(RequestIDHeader, rid)

			principal, err := opts.Principal(r)
			if err != nil || principal == nil || principal.UserID == "" {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			var target *authz.ResourceAttributes
			if opts.Target != nil {
				target = opts.Target(r)
			}
			areq := opts.Guard.BuildRequest(principal, req, target)
			if areq.Resource.Type == "" {
				areq.Resource.Type = "route"
			}
			if areq.Resource.ID == "" {
				areq.Resource.ID = r.Method + ":" + r.URL.Path
			}
			areq.Context.IP = clientIP(r)
			areq.Context.UserAgent = r.UserAgent()
			areq.Context.RequestID = rid

			decision, err := opts.Guard.CheckRequest(r.Context(), req, areq)
			if err != nil {
				switch {
				case errors.Is(err, ErrUnauthenticated):
					http.Error(w, "unauthorized", http.StatusUnauthorized)
				case errors.Is(err, ErrDenied):
					log.Debug("request denied",
						"request_id", rid,
						"user", principal.UserID,
						"path", r.URL.Path,
					)
					if opts.OnDenied != nil {
						opts.OnDenied(w, r, decision)
						return
					}
					http.Error(w, "forbidden", http.StatusForbidden)
				case errors.Is(err, authz.ErrStoreUnavailable):
					log.Error("authorization unavailable", "request_id", rid, "error", err)
					http.Error(w, "service unavailable", http.StatusServiceUnavailable)
				default:
					fail(w, r, opts, err)
				}
				return
			}

			ctx := ContextWithPrincipal(r.Context(), principal)
			if decision != nil {
				ctx = ContextWithDecision(ctx, decision)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func fail(w http.ResponseWriter, r *http.Request, opts *MiddlewareOptions, err error) {
	if opts.OnError != nil {
		opts.OnError(w, r, err)
		return
	}
	http.Error(w, "internal error", http.StatusInternalServerError)
}

// clientIP prefers the first X-Forwarded-For hop, falling back to the
// connection's remote address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type ctxKey int

const (
	principalKey ctxKey = iota
	decisionKey
)

// ContextWithPrincipal stores the authenticated principal in the context.
func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext returns the principal the middleware authenticated.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey).(*Principal)
	return p, ok
}

// ContextWithDecision stores the authorization decision in the context.
func ContextWithDecision(ctx context.Context, d *authz.AuthorizationDecision) context.Context {
	return context.WithValue(ctx, decisionKey, d)
}

// DecisionFromContext returns the decision recorded for this request, if a
// policy evaluation ran.
func DecisionFromContext(ctx context.Context) (*authz.AuthorizationDecision, bool) {
	d, ok := ctx.Value(decisionKey).(*authz.AuthorizationDecision)
	return d, ok
}
