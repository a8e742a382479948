package authz

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

var errStoreDown = errors.New("store down")

type downRoleStore struct{}

func (downRoleStore) CreateRole(context.Context, *Role) error       { return errStoreDown }
func (downRoleStore) UpdateRole(context.Context, *Role) error       { return errStoreDown }
func (downRoleStore) DeleteRole(context.Context, string) error      { return errStoreDown }
func (downRoleStore) GetRole(context.Context, string) (*Role, error) {
	return nil, errStoreDown
}
func (downRoleStore) GetRolesByIDs(context.Context, string, []string) ([]*Role, error) {
	return nil, errStoreDown
}
func (downRoleStore) ListRoles(context.Context, string) ([]*Role, error) {
	return nil, errStoreDown
}

type downPolicyStore struct{}

func (downPolicyStore) CreatePolicy(context.Context, *Policy) error  { return errStoreDown }
func (downPolicyStore) UpdatePolicy(context.Context, *Policy) error  { return errStoreDown }
func (downPolicyStore) DeletePolicy(context.Context, string) error   { return errStoreDown }
func (downPolicyStore) GetPolicy(context.Context, string) (*Policy, error) {
	return nil, errStoreDown
}
func (downPolicyStore) ListPolicies(context.Context, string) ([]*Policy, error) {
	return nil, errStoreDown
}
func (downPolicyStore) GetPolicyHistory(context.Context, string) ([]*Policy, error) {
	return nil, errStoreDown
}

type downAssignmentStore struct{}

func (downAssignmentStore) ListAssignments(context.Context, string, string) ([]UserRoleAssignment, error) {
	return nil, errStoreDown
}
func (downAssignmentStore) AssignRole(context.Context, string, string, UserRoleAssignment) error {
	return errStoreDown
}
func (downAssignmentStore) RevokeRole(context.Context, string, string, string, string) error {
	return errStoreDown
}

func TestStoreErrorsCountedOnEvaluate(t *testing.T) {
	m := NewMetrics(nil)
	engine := New(downPolicyStore{}, downRoleStore{}, WithMetrics(m))

	_, err := engine.Evaluate(context.Background(), &AuthorizationRequest{
		Subject: SubjectAttributes{UserID: "u-1", TenantID: "acme"},
	})
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if got := testutil.ToFloat64(m.storeErrors); got != 1 {
		t.Fatalf("expected 1 store error counted, got %v", got)
	}
}

func TestStoreErrorsCountedOnResolve(t *testing.T) {
	m := NewMetrics(nil)
	resolver := NewPermissionResolver(downRoleStore{}, WithResolverMetrics(m))

	_, err := resolver.ResolvePermissions(context.Background(), &User{
		ID:          "u-1",
		TenantID:    "acme",
		Assignments: []UserRoleAssignment{{RoleID: "agent"}},
	})
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if got := testutil.ToFloat64(m.storeErrors); got != 1 {
		t.Fatalf("expected 1 store error counted, got %v", got)
	}
}

func TestStoreErrorsCountedOnAssignmentLoad(t *testing.T) {
	m := NewMetrics(nil)
	resolver := NewPermissionResolver(downRoleStore{},
		WithResolverMetrics(m),
		WithAssignmentStore(downAssignmentStore{}),
	)

	_, err := resolver.ResolveUserByID(context.Background(), "acme", "u-1")
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if got := testutil.ToFloat64(m.storeErrors); got != 1 {
		t.Fatalf("expected 1 store error counted, got %v", got)
	}
}

func TestStoreErrorsCountedOnAdminWrites(t *testing.T) {
	m := NewMetrics(nil)
	engine := New(downPolicyStore{}, downRoleStore{}, WithMetrics(m))
	ctx := context.Background()

	policy := NewPolicyBuilder().
		ID("p-1").
		Tenant("acme").
		Name("p").
		Rule(NewAllowRule().Actions("read").Resources("unit").Build()).
		Build()
	if err := engine.CreatePolicy(ctx, policy); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if err := engine.CreateRole(ctx, &Role{ID: "r-1", TenantID: "acme"}); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if got := testutil.ToFloat64(m.storeErrors); got != 2 {
		t.Fatalf("expected 2 store errors counted, got %v", got)
	}
}
