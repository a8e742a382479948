package guard_test

import (
	"context"
	"errors"
	"testing"

	"github.com/rentora/authz"
	"github.com/rentora/authz/guard"
	"github.com/rentora/authz/stores"
)

func testEngine(t *testing.T) *authz.Engine {
	t.Helper()
	ctx := context.Background()
	policies := stores.NewMemoryPolicyStore()
	roles := stores.NewMemoryRoleStore()
	assignments := stores.NewMemoryAssignmentStore()
	engine := authz.New(policies, roles, authz.WithAssignments(assignments))

	err := engine.CreatePolicy(ctx, authz.NewPolicyBuilder().
		ID("allow-unit-reads").
		Tenant("acme").
		Name("allow unit reads").
		Priority(10).
		Rule(authz.NewAllowRule().Actions("read", "list").Resources("unit").Build()).
		Build())
	if err != nil {
		t.Fatalf("create policy: %v", err)
	}
	return engine
}

func staffPrincipal() *guard.Principal {
	return &guard.Principal{
		UserID:   "u-1",
		TenantID: "acme",
		UserType: authz.UserTypeStaff,
		RoleIDs:  []string{"agent"},
	}
}

func TestCheckPublicSkipsEvaluation(t *testing.T) {
	g := guard.New(testEngine(t))
	decision, err := g.Check(context.Background(), nil, guard.Requirement{Public: true}, nil)
	if err != nil || decision != nil {
		t.Fatalf("expected public requirement to pass without evaluation: %v %+v", err, decision)
	}
}

func TestCheckRequiresPrincipal(t *testing.T) {
	g := guard.New(testEngine(t))
	req := guard.Requirement{Resource: "unit", Action: "read"}
	if _, err := g.Check(context.Background(), nil, req, nil); !errors.Is(err, guard.ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated for nil principal, got %v", err)
	}
	if _, err := g.Check(context.Background(), &guard.Principal{TenantID: "acme"}, req, nil); !errors.Is(err, guard.ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated for empty user id, got %v", err)
	}
}

func TestCheckPolicyAllowAndDeny(t *testing.T) {
	ctx := context.Background()
	g := guard.New(testEngine(t))

	decision, err := g.Check(ctx, staffPrincipal(), guard.Requirement{Resource: "unit", Action: "read"}, nil)
	if err != nil {
		t.Fatalf("expected allow: %v", err)
	}
	if decision == nil || !decision.Allowed {
		t.Fatalf("expected an allowing decision, got %+v", decision)
	}

	decision, err = g.Check(ctx, staffPrincipal(), guard.Requirement{Resource: "unit", Action: "delete"}, nil)
	if !errors.Is(err, guard.ErrDenied) {
		t.Fatalf("expected ErrDenied for an unmatched action, got %v", err)
	}
	if decision == nil || decision.Allowed {
		t.Fatalf("expected the denying decision alongside the error, got %+v", decision)
	}
}

func TestCheckRoleRequirement(t *testing.T) {
	ctx := context.Background()
	g := guard.New(testEngine(t))

	anyReq := guard.Requirement{Roles: []string{"agent", "manager"}}
	if _, err := g.Check(ctx, staffPrincipal(), anyReq, nil); err != nil {
		t.Fatalf("expected any-of roles to pass: %v", err)
	}

	allReq := guard.Requirement{Roles: []string{"agent", "manager"}, Mode: guard.RoleModeAll}
	if _, err := g.Check(ctx, staffPrincipal(), allReq, nil); !errors.Is(err, guard.ErrDenied) {
		t.Fatalf("expected all-of roles to fail with one missing, got %v", err)
	}

	noneReq := guard.Requirement{Roles: []string{"auditor"}}
	if _, err := g.Check(ctx, staffPrincipal(), noneReq, nil); !errors.Is(err, guard.ErrDenied) {
		t.Fatalf("expected deny without any required role, got %v", err)
	}
}

func TestCheckRoleRequirementUsesResolvedRoles(t *testing.T) {
	ctx := context.Background()
	engine := testEngine(t)

	// the principal only declares "agent", but an assignment grants a role
	// that inherits "manager"
	if err := engine.CreateRole(ctx, &authz.Role{ID: "manager", TenantID: "acme"}); err != nil {
		t.Fatalf("create role: %v", err)
	}
	if err := engine.CreateRole(ctx, &authz.Role{
		ID:           "regional-lead",
		TenantID:     "acme",
		InheritsFrom: []string{"manager"},
	}); err != nil {
		t.Fatalf("create role: %v", err)
	}
	if err := engine.AssignRole(ctx, "acme", "u-1", authz.UserRoleAssignment{RoleID: "regional-lead"}); err != nil {
		t.Fatalf("assign role: %v", err)
	}

	g := guard.New(engine)
	req := guard.Requirement{Roles: []string{"manager"}}
	if _, err := g.Check(ctx, staffPrincipal(), req, nil); err != nil {
		t.Fatalf("expected the inherited role to satisfy the requirement: %v", err)
	}
}

func TestCheckExtraConditions(t *testing.T) {
	ctx := context.Background()
	g := guard.New(testEngine(t))

	mfaOnly := guard.Requirement{
		Resource: "unit",
		Action:   "read",
		Conditions: &authz.ConditionGroup{
			Logic: authz.LogicAnd,
			Conditions: []*authz.PolicyCondition{
				{Source: authz.SourceSubject, Attribute: "mfa_verified", Operator: authz.OpEq, Value: true},
			},
		},
	}

	if _, err := g.Check(ctx, staffPrincipal(), mfaOnly, nil); !errors.Is(err, guard.ErrDenied) {
		t.Fatalf("expected deny without MFA, got %v", err)
	}

	verified := staffPrincipal()
	verified.MFAVerified = true
	if _, err := g.Check(ctx, verified, mfaOnly, nil); err != nil {
		t.Fatalf("expected allow with MFA: %v", err)
	}
}

func TestBuildRequestDefaults(t *testing.T) {
	g := guard.New(testEngine(t))
	req := g.BuildRequest(staffPrincipal(), guard.Requirement{Resource: "unit", Action: "read"}, nil)
	if req.Resource.Type != "unit" {
		t.Fatalf("expected the requirement's resource type, got %q", req.Resource.Type)
	}
	if req.Resource.TenantID != "acme" {
		t.Fatalf("expected the principal's tenant on the resource, got %q", req.Resource.TenantID)
	}
	if req.Action.ResourceType != "unit" {
		t.Fatalf("expected action resource type mirrored, got %q", req.Action.ResourceType)
	}

	target := &authz.ResourceAttributes{Type: "lease", ID: "lease-1", TenantID: "globex"}
	req = g.BuildRequest(staffPrincipal(), guard.Requirement{Resource: "unit", Action: "read"}, target)
	if req.Resource.Type != "lease" || req.Resource.TenantID != "globex" {
		t.Fatalf("expected the explicit target to win, got %+v", req.Resource)
	}
}

func TestCheckTenantIsolationThroughGuard(t *testing.T) {
	ctx := context.Background()
	g := guard.New(testEngine(t))

	target := &authz.ResourceAttributes{Type: "unit", ID: "unit-9", TenantID: "globex"}
	decision, err := g.Check(ctx, staffPrincipal(), guard.Requirement{Resource: "unit", Action: "read"}, target)
	if !errors.Is(err, guard.ErrDenied) {
		t.Fatalf("expected cross-tenant access denied, got %v", err)
	}
	if decision == nil || decision.DecidingPolicyID != authz.SystemPolicyTenantIsolation {
		t.Fatalf("expected the tenant isolation policy to decide, got %+v", decision)
	}
}
