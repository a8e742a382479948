package authz_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rentora/authz"
	"github.com/rentora/authz/stores"
)

func seedRole(t *testing.T, rs *stores.MemoryRoleStore, r *authz.Role) {
	t.Helper()
	if err := rs.CreateRole(context.Background(), r); err != nil {
		t.Fatalf("create role %s: %v", r.ID, err)
	}
}

func role(id string, priority int, perms []string, inherits ...string) *authz.Role {
	return authz.NewRoleBuilder().
		ID(id).
		Tenant("acme").
		Name(id).
		Priority(priority).
		Permissions(perms...).
		Inherits(inherits...).
		Build()
}

// brokenRoleStore simulates a role store outage.
type brokenRoleStore struct {
	*stores.MemoryRoleStore
}

func (s *brokenRoleStore) GetRolesByIDs(ctx context.Context, tenantID string, ids []string) ([]*authz.Role, error) {
	return nil, fmt.Errorf("simulated role store outage")
}

func TestResolvePermissionsWithInheritance(t *testing.T) {
	ctx := context.Background()
	rs := stores.NewMemoryRoleStore()
	seedRole(t, rs, role("viewer", 99, []string{"read:unit", "read:lease"}))
	seedRole(t, rs, role("editor", 10, []string{"update:lease"}, "viewer"))

	resolver := authz.NewPermissionResolver(rs)
	user := &authz.User{ID: "u1", TenantID: "acme", Assignments: []authz.UserRoleAssignment{{RoleID: "editor"}}}
	resolved, err := resolver.ResolvePermissions(ctx, user)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	for _, perm := range []string{"read:unit", "read:lease", "update:lease"} {
		if !resolved.Permissions.Contains(perm) {
			t.Fatalf("expected inherited permission %q, have %v", perm, resolved.Permissions.List())
		}
	}
	if len(resolved.RoleIDs) != 2 {
		t.Fatalf("expected the direct role and its parent, got %v", resolved.RoleIDs)
	}
	// priority considers direct assignments only, not inherited roles
	if resolved.MaxPriority != 10 {
		t.Fatalf("expected max priority from the direct role, got %d", resolved.MaxPriority)
	}
	if resolved.IsAdmin {
		t.Fatalf("no role in the closure is an admin")
	}
}

func TestResolveAdminFlagFromClosure(t *testing.T) {
	ctx := context.Background()
	rs := stores.NewMemoryRoleStore()
	root := authz.NewRoleBuilder().ID("root").Tenant("acme").Name("root").Admin().Build()
	seedRole(t, rs, root)
	seedRole(t, rs, role("ops", 5, []string{"restart:service"}, "root"))

	resolver := authz.NewPermissionResolver(rs)
	user := &authz.User{ID: "u2", TenantID: "acme", Assignments: []authz.UserRoleAssignment{{RoleID: "ops"}}}
	resolved, err := resolver.ResolvePermissions(ctx, user)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !resolved.IsAdmin {
		t.Fatalf("expected the inherited admin flag to stick")
	}
}

func TestResolveInheritanceDepthBound(t *testing.T) {
	ctx := context.Background()
	rs := stores.NewMemoryRoleStore()
	for i := 0; i <= 6; i++ {
		perms := []string{fmt.Sprintf("p%d:x", i)}
		if i < 6 {
			seedRole(t, rs, role(fmt.Sprintf("r%d", i), i, perms, fmt.Sprintf("r%d", i+1)))
		} else {
			seedRole(t, rs, role("r6", 6, perms))
		}
	}
	user := &authz.User{ID: "u3", TenantID: "acme", Assignments: []authz.UserRoleAssignment{{RoleID: "r0"}}}

	resolver := authz.NewPermissionResolver(rs)
	resolved, err := resolver.ResolvePermissions(ctx, user)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !resolved.Permissions.Contains("p5:x") {
		t.Fatalf("expected the default depth to reach five levels, have %v", resolved.Permissions.List())
	}
	if resolved.Permissions.Contains("p6:x") {
		t.Fatalf("expected the sixth level to be cut off")
	}

	shallow := authz.NewPermissionResolver(rs, authz.WithMaxInheritanceDepth(2))
	resolved, err = shallow.ResolvePermissions(ctx, user)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !resolved.Permissions.Contains("p2:x") || resolved.Permissions.Contains("p3:x") {
		t.Fatalf("expected a two-level cut, have %v", resolved.Permissions.List())
	}
}

func TestResolveCyclicInheritance(t *testing.T) {
	ctx := context.Background()
	rs := stores.NewMemoryRoleStore()
	seedRole(t, rs, role("ping", 1, []string{"read:a"}, "pong"))
	seedRole(t, rs, role("pong", 1, []string{"read:b"}, "ping"))

	resolver := authz.NewPermissionResolver(rs)
	user := &authz.User{ID: "u4", TenantID: "acme", Assignments: []authz.UserRoleAssignment{{RoleID: "ping"}}}
	resolved, err := resolver.ResolvePermissions(ctx, user)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !resolved.Permissions.Contains("read:a") || !resolved.Permissions.Contains("read:b") {
		t.Fatalf("expected both cycle members, have %v", resolved.Permissions.List())
	}
	if len(resolved.RoleIDs) != 2 {
		t.Fatalf("expected each cycle member once, got %v", resolved.RoleIDs)
	}
}

func TestResolveExpiredAndDanglingAssignments(t *testing.T) {
	ctx := context.Background()
	rs := stores.NewMemoryRoleStore()
	seedRole(t, rs, role("current", 1, []string{"read:unit"}))
	seedRole(t, rs, role("former", 9, []string{"export:data"}))

	past := time.Now().Add(-time.Hour)
	user := &authz.User{ID: "u5", TenantID: "acme", Assignments: []authz.UserRoleAssignment{
		{RoleID: "current"},
		{RoleID: "former", ExpiresAt: &past},
		{RoleID: "ghost-role"},
	}}

	resolver := authz.NewPermissionResolver(rs)
	resolved, err := resolver.ResolvePermissions(ctx, user)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Permissions.Contains("export:data") {
		t.Fatalf("expected the expired assignment to be excluded")
	}
	if !resolved.Permissions.Contains("read:unit") {
		t.Fatalf("expected the live assignment to contribute")
	}
	if len(resolved.RoleIDs) != 1 || resolved.RoleIDs[0] != "current" {
		t.Fatalf("dangling and expired roles must not appear, got %v", resolved.RoleIDs)
	}
}

func TestResolveOrganizationScopes(t *testing.T) {
	ctx := context.Background()
	rs := stores.NewMemoryRoleStore()
	seedRole(t, rs, role("org-manager", 5, []string{"approve:maintenance"}))
	seedRole(t, rs, role("tenant-auditor", 1, []string{"read:report"}))

	user := &authz.User{ID: "u6", TenantID: "acme", Assignments: []authz.UserRoleAssignment{
		{RoleID: "org-manager", OrganizationID: "org-east"},
		{RoleID: "tenant-auditor"},
	}}
	resolver := authz.NewPermissionResolver(rs)
	resolved, err := resolver.ResolvePermissions(ctx, user)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !resolved.Permissions.Contains("approve:maintenance") || !resolved.Permissions.Contains("read:report") {
		t.Fatalf("expected the union across scopes, have %v", resolved.Permissions.List())
	}
	if !resolved.HasPermissionInOrg("approve:maintenance", "org-east") {
		t.Fatalf("expected the grant inside its organization")
	}
	if resolved.HasPermissionInOrg("approve:maintenance", "org-west") {
		t.Fatalf("expected the org-scoped grant to stay inside its organization")
	}
	if !resolved.HasPermissionInOrg("read:report", "org-west") {
		t.Fatalf("expected tenant-wide grants to apply in every organization")
	}
}

func TestResolverCachingAndInvalidation(t *testing.T) {
	ctx := context.Background()
	rs := stores.NewMemoryRoleStore()
	seedRole(t, rs, role("agent", 1, []string{"read:unit"}))

	resolver := authz.NewPermissionResolver(rs)
	user := &authz.User{ID: "u7", TenantID: "acme", Assignments: []authz.UserRoleAssignment{{RoleID: "agent"}}}
	first, err := resolver.ResolvePermissions(ctx, user)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !first.Permissions.Contains("read:unit") {
		t.Fatalf("expected the seeded permission")
	}

	// grow the role; the cached view must not change until invalidated
	if err := rs.UpdateRole(ctx, role("agent", 1, []string{"read:unit", "update:unit"})); err != nil {
		t.Fatalf("update role: %v", err)
	}
	second, err := resolver.ResolvePermissions(ctx, user)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if second.Permissions.Contains("update:unit") {
		t.Fatalf("expected the cached set inside the ttl")
	}

	resolver.InvalidateUser(ctx, "u7", "acme")
	third, err := resolver.ResolvePermissions(ctx, user)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !third.Permissions.Contains("update:unit") {
		t.Fatalf("expected a fresh set after invalidation")
	}
}

func TestResolveUserByID(t *testing.T) {
	ctx := context.Background()
	rs := stores.NewMemoryRoleStore()
	seedRole(t, rs, role("agent", 1, []string{"read:unit"}))
	assignments := stores.NewMemoryAssignmentStore()
	engine := authz.New(stores.NewMemoryPolicyStore(), rs, authz.WithAssignments(assignments))
	defer engine.Close()

	if err := engine.AssignRole(ctx, "acme", "u8", authz.UserRoleAssignment{RoleID: "agent"}); err != nil {
		t.Fatalf("assign role: %v", err)
	}
	resolved, err := engine.Resolver().ResolveUserByID(ctx, "acme", "u8")
	if err != nil {
		t.Fatalf("resolve by id: %v", err)
	}
	if !resolved.Permissions.Contains("read:unit") {
		t.Fatalf("expected the assigned role's permission")
	}

	// revocation invalidates the cached set immediately
	if err := engine.RevokeRole(ctx, "acme", "u8", "agent", ""); err != nil {
		t.Fatalf("revoke role: %v", err)
	}
	resolved, err = engine.Resolver().ResolveUserByID(ctx, "acme", "u8")
	if err != nil {
		t.Fatalf("resolve by id: %v", err)
	}
	if resolved.Permissions.Contains("read:unit") {
		t.Fatalf("expected the revoked permission to be gone")
	}

	bare := authz.NewPermissionResolver(rs)
	if _, err := bare.ResolveUserByID(ctx, "acme", "u8"); !errors.Is(err, authz.ErrNoAssignmentStore) {
		t.Fatalf("expected ErrNoAssignmentStore, got %v", err)
	}

	plain := authz.New(stores.NewMemoryPolicyStore(), rs)
	if err := plain.AssignRole(ctx, "acme", "u8", authz.UserRoleAssignment{RoleID: "agent"}); !errors.Is(err, authz.ErrNoAssignmentStore) {
		t.Fatalf("expected ErrNoAssignmentStore on assign, got %v", err)
	}
}

func TestResolveStoreFailure(t *testing.T) {
	ctx := context.Background()
	broken := &brokenRoleStore{MemoryRoleStore: stores.NewMemoryRoleStore()}
	resolver := authz.NewPermissionResolver(broken)
	user := &authz.User{ID: "u9", TenantID: "acme", Assignments: []authz.UserRoleAssignment{{RoleID: "agent"}}}

	resolved, err := resolver.ResolvePermissions(ctx, user)
	if err == nil || !errors.Is(err, authz.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if resolved != nil {
		t.Fatalf("a store failure must not produce a permission set")
	}
}

func TestPermissionMatches(t *testing.T) {
	cases := []struct {
		held     string
		required string
		want     bool
	}{
		{"read:unit", "read:unit", true},
		{"read:unit", "read:lease", false},
		{"", "read:unit", false},
		{"*", "read:unit", true},
		{"manage", "read:unit", true},
		{"read:*", "read:unit", true},
		{"read:*", "read:unit:window", true},
		{"*:unit", "read:unit", true},
		{"*:unit", "read:lease", false},
		{"read:unit:*", "read:unit:window", true},
		{"read:unit:*", "read:unit", false},
		{"manage:unit", "read:unit", true},
		{"manage:unit", "delete:unit", true},
		{"manage:unit", "read:lease", false},
		{"manage:*", "read:unit", true},
		{"read:unit", "read", false},
	}
	for _, tc := range cases {
		if got := authz.PermissionMatches(tc.held, tc.required); got != tc.want {
			t.Fatalf("PermissionMatches(%q, %q) = %v, want %v", tc.held, tc.required, got, tc.want)
		}
	}
}

func TestPermissionSetMatches(t *testing.T) {
	set := authz.NewPermissionSet("read:*", "manage:billing")
	if !set.Matches("read:unit") {
		t.Fatalf("expected the wildcard grant to match")
	}
	if !set.Matches("update:billing") {
		t.Fatalf("expected the manage grant to match")
	}
	if set.Matches("delete:unit") {
		t.Fatalf("expected no grant to match delete:unit")
	}
	if set.Contains("read:unit") {
		t.Fatalf("Contains must stay exact, without wildcard expansion")
	}
}
