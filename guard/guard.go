// Package guard is the method-interception layer over the authorization
// engine. Each guarded operation declares an explicit Requirement; at call
// time the guard builds an AuthorizationRequest from the live principal and
// target resource and denies the call on anything but an allow.
package guard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rentora/authz"
	"github.com/rentora/authz/logger"
)

// ErrDenied is returned by Check when the requirement is not satisfied.
var ErrDenied = errors.New("guard: access denied")

// ErrUnauthenticated is returned when no principal could be established.
var ErrUnauthenticated = errors.New("guard: unauthenticated")

// RoleMode selects how a multi-role requirement is satisfied.
type RoleMode string

const (
	// RoleModeAny passes when the principal holds at least one listed role.
	RoleModeAny RoleMode = "any"
	// RoleModeAll passes only when the principal holds every listed role.
	RoleModeAll RoleMode = "all"
)

// Requirement declares what one guarded operation needs. Public skips
// authorization entirely. Roles (with Mode) checks role membership.
// Resource/Action runs a policy evaluation; Conditions, when set, further
// narrow it against the same request bags. Roles and Resource/Action may be
// combined, in which case both must pass.
type Requirement struct {
	Public     bool
	Resource   string
	Action     string
	Conditions *authz.ConditionGroup
	Roles      []string
	Mode       RoleMode
}

// Principal is the authenticated caller identity requests are built from.
type Principal struct {
	UserID      string
	TenantID    string
	UserType    authz.UserType
	RoleIDs     []string
	OrgIDs      []string
	MFAVerified bool
}

// Guard evaluates Requirements against an engine.
type Guard struct {
	engine *authz.Engine
	log    logger.Logger
}

// Option configures a Guard.
type Option func(*Guard)

// WithLogger sets the guard's logger.
func WithLogger(l logger.Logger) Option {
	return func(g *Guard) {
		if l != nil {
			g.log = l
		}
	}
}

// New builds a Guard over the engine.
func New(engine *authz.Engine, opts ...Option) *Guard {
	g := &Guard{engine: engine, log: logger.NewNullLogger()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// BuildRequest assembles the AuthorizationRequest for a principal acting on
// target under the requirement. A nil target is replaced by the
// requirement's resource type; an empty resource tenant defaults to the
// principal's tenant.
func (g *Guard) BuildRequest(p *Principal, r Requirement, target *authz.ResourceAttributes) *authz.AuthorizationRequest {
	req := &authz.AuthorizationRequest{
		Action: authz.ActionAttributes{Name: r.Action},
		Context: authz.ContextAttributes{
			Timestamp: time.Now(),
		},
	}
	if p != nil {
		req.Subject = authz.SubjectAttributes{
			UserID:          p.UserID,
			TenantID:        p.TenantID,
			UserType:        p.UserType,
			RoleIDs:         p.RoleIDs,
			OrganizationIDs: p.OrgIDs,
			MFAVerified:     p.MFAVerified,
		}
	}
	if target != nil {
		req.Resource = *target
	}
	if req.Resource.Type == "" {
		req.Resource.Type = r.Resource
	}
	if req.Resource.TenantID == "" && p != nil {
		req.Resource.TenantID = p.TenantID
	}
	req.Action.ResourceType = req.Resource.Type
	return req
}

// Check builds the request and evaluates the requirement. It returns the
// engine's decision when a policy evaluation ran, and ErrDenied (or
// ErrUnauthenticated) when the call must be rejected.
func (g *Guard) Check(ctx context.Context, p *Principal, r Requirement, target *authz.ResourceAttributes) (*authz.AuthorizationDecision, error) {
	if r.Public {
		return nil, nil
	}
	if p == nil || p.UserID == "" {
		return nil, ErrUnauthenticated
	}
	return g.CheckRequest(ctx, r, g.BuildRequest(p, r, target))
}

// CheckRequest evaluates the requirement against an already-built request.
// Role requirements are checked against the subject's declared roles plus
// the resolved inheritance closure when an assignment store is configured.
func (g *Guard) CheckRequest(ctx context.Context, r Requirement, req *authz.AuthorizationRequest) (*authz.AuthorizationDecision, error) {
	if r.Public {
		return nil, nil
	}
	if req == nil || req.Subject.UserID == "" {
		return nil, ErrUnauthenticated
	}

	if len(r.Roles) > 0 {
		held, err := g.effectiveRoles(ctx, &req.Subject)
		if err != nil {
			return nil, err
		}
		if !rolesSatisfied(r.Roles, r.Mode, held) {
			g.log.Debug("role requirement not met",
				"user", req.Subject.UserID,
				"tenant", req.Subject.TenantID,
				"mode", string(roleMode(r.Mode)),
			)
			return nil, ErrDenied
		}
	}

	if r.Action == "" && r.Resource == "" {
		// pure role requirement
		return nil, nil
	}

	decision, err := g.engine.Evaluate(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("guard: evaluate: %w", err)
	}
	if !decision.Allowed {
		return decision, ErrDenied
	}
	if r.Conditions != nil && !authz.EvaluateConditions(r.Conditions, req) {
		g.log.Debug("guard conditions not met",
			"user", req.Subject.UserID,
			"action", req.Action.Name,
			"resource", req.Resource.Type,
		)
		return decision, ErrDenied
	}
	return decision, nil
}

// effectiveRoles returns the subject's declared roles unioned with the
// resolved role closure. Without an assignment store the declared roles
// stand alone; a failing store propagates so unavailability is never read
// as "holds no roles".
func (g *Guard) effectiveRoles(ctx context.Context, sub *authz.SubjectAttributes) (map[string]bool, error) {
	held := make(map[string]bool, len(sub.RoleIDs))
	for _, id := range sub.RoleIDs {
		held[id] = true
	}
	resolved, err := g.engine.Resolver().ResolveUserByID(ctx, sub.TenantID, sub.UserID)
	if err != nil {
		if errors.Is(err, authz.ErrNoAssignmentStore) {
			return held, nil
		}
		return nil, fmt.Errorf("guard: resolve roles: %w", err)
	}
	for _, id := range resolved.RoleIDs {
		held[id] = true
	}
	return held, nil
}

func roleMode(m RoleMode) RoleMode {
	if m == "" {
		return RoleModeAny
	}
	return m
}

func rolesSatisfied(required []string, mode RoleMode, held map[string]bool) bool {
	switch roleMode(mode) {
	case RoleModeAll:
		for _, id := range required {
			if !held[id] {
				return false
			}
		}
		return true
	default:
		for _, id := range required {
			if held[id] {
				return true
			}
		}
		return false
	}
}
