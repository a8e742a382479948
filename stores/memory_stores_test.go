package stores

import (
	"context"
	"testing"
	"time"

	"github.com/rentora/authz"
)

func activePolicy(id, tenant string, priority int) *authz.Policy {
	return &authz.Policy{
		ID:       id,
		TenantID: tenant,
		Name:     id,
		Status:   authz.PolicyStatusActive,
		Priority: priority,
		Rules: []authz.PolicyRule{
			{Actions: []string{"*"}, Resources: []string{"*"}, Effect: authz.EffectAllow},
		},
	}
}

func TestMemoryPolicyStoreCreationOrder(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryPolicyStore()

	for _, id := range []string{"p-b", "p-a", "p-c"} {
		if err := store.CreatePolicy(ctx, activePolicy(id, "acme", 10)); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	// re-creating an existing id must not move it
	if err := store.CreatePolicy(ctx, activePolicy("p-b", "acme", 99)); err != nil {
		t.Fatalf("re-create p-b: %v", err)
	}

	listed, err := store.ListPolicies(ctx, "acme")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	got := make([]string, len(listed))
	for i, p := range listed {
		got[i] = p.ID
	}
	want := []string{"p-b", "p-a", "p-c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected creation order %v, got %v", want, got)
		}
	}
	if listed[0].Priority != 99 {
		t.Fatalf("re-create should overwrite content, got priority %d", listed[0].Priority)
	}
}

func TestMemoryPolicyStoreTenantFilter(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryPolicyStore()
	if err := store.CreatePolicy(ctx, activePolicy("p-acme", "acme", 1)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.CreatePolicy(ctx, activePolicy("p-other", "globex", 1)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.CreatePolicy(ctx, activePolicy("p-shared", "", 1)); err != nil {
		t.Fatalf("create: %v", err)
	}

	listed, err := store.ListPolicies(ctx, "acme")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("expected the tenant policy plus the shared one, got %d", len(listed))
	}
	for _, p := range listed {
		if p.ID == "p-other" {
			t.Fatalf("leaked another tenant's policy")
		}
	}
}

func TestMemoryPolicyStoreHistory(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryPolicyStore()
	if err := store.CreatePolicy(ctx, activePolicy("p-1", "acme", 1)); err != nil {
		t.Fatalf("create: %v", err)
	}

	updated := activePolicy("p-1", "acme", 50)
	if err := store.UpdatePolicy(ctx, updated); err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Version != 1 {
		t.Fatalf("expected version bump to 1, got %d", updated.Version)
	}

	history, err := store.GetPolicyHistory(ctx, "p-1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].Priority != 1 {
		t.Fatalf("expected one snapshot of the original, got %+v", history)
	}

	if err := store.UpdatePolicy(ctx, activePolicy("missing", "acme", 1)); err == nil {
		t.Fatal("expected update of a missing policy to fail")
	}
}

func TestMemoryRoleStoreLookups(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRoleStore()
	if err := store.CreateRole(ctx, &authz.Role{ID: "r-1", TenantID: "acme", Permissions: []string{"read:unit"}}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.CreateRole(ctx, &authz.Role{ID: "r-2", TenantID: "globex"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	roles, err := store.GetRolesByIDs(ctx, "acme", []string{"r-1", "r-2", "r-gone"})
	if err != nil {
		t.Fatalf("get by ids: %v", err)
	}
	if len(roles) != 1 || roles[0].ID != "r-1" {
		t.Fatalf("expected only the tenant's role, got %+v", roles)
	}

	if _, err := store.GetRole(ctx, "r-gone"); err == nil {
		t.Fatal("expected missing role to error")
	}
}

func TestMemoryAssignmentStoreReplaceAndRevoke(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryAssignmentStore()

	first := authz.UserRoleAssignment{RoleID: "r-1", OrganizationID: "org-1", AssignedBy: "admin"}
	if err := store.AssignRole(ctx, "acme", "u-1", first); err != nil {
		t.Fatalf("assign: %v", err)
	}
	// same role+org replaces rather than duplicates
	expires := time.Now().Add(time.Hour)
	second := authz.UserRoleAssignment{RoleID: "r-1", OrganizationID: "org-1", ExpiresAt: &expires}
	if err := store.AssignRole(ctx, "acme", "u-1", second); err != nil {
		t.Fatalf("re-assign: %v", err)
	}

	listed, err := store.ListAssignments(ctx, "acme", "u-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 1 || listed[0].ExpiresAt == nil {
		t.Fatalf("expected one replaced assignment, got %+v", listed)
	}

	if err := store.RevokeRole(ctx, "acme", "u-1", "r-1", "org-1"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	listed, _ = store.ListAssignments(ctx, "acme", "u-1")
	if len(listed) != 0 {
		t.Fatalf("expected revoke to remove the assignment, got %+v", listed)
	}
}

func TestMemoryAuditSinkQueryFilters(t *testing.T) {
	ctx := context.Background()
	sink := NewMemoryAuditSink()

	write := func(id, tenant, user, action string, allowed bool, at time.Time) {
		err := sink.Write(ctx, &authz.AuditEntry{
			ID:        id,
			Timestamp: at,
			TenantID:  tenant,
			Request: &authz.AuthorizationRequest{
				Subject: authz.SubjectAttributes{UserID: user, TenantID: tenant},
				Action:  authz.ActionAttributes{Name: action},
			},
			Decision: &authz.AuthorizationDecision{Allowed: allowed},
		})
		if err != nil {
			t.Fatalf("write %s: %v", id, err)
		}
	}
	base := time.Now()
	write("e-1", "acme", "u-1", "read", true, base)
	write("e-2", "acme", "u-2", "delete", false, base.Add(time.Minute))
	write("e-3", "globex", "u-1", "read", true, base.Add(2*time.Minute))

	denied := false
	got, err := sink.Query(ctx, AuditFilter{TenantID: "acme", Allowed: &denied})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 || got[0].ID != "e-2" {
		t.Fatalf("expected only the denied acme entry, got %+v", got)
	}

	got, err = sink.Query(ctx, AuditFilter{Since: base.Add(30 * time.Second), Limit: 1})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 || got[0].ID != "e-2" {
		t.Fatalf("expected the limit to cap at the first later entry, got %+v", got)
	}
}
