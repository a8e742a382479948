package authz_test

import (
	"context"
	"strings"
	"testing"

	"github.com/rentora/authz"
	"github.com/rentora/authz/stores"
)

func TestExplainCompact(t *testing.T) {
	ctx := context.Background()
	engine := authz.New(stores.NewMemoryPolicyStore(), stores.NewMemoryRoleStore())
	if err := engine.CreatePolicy(ctx, allowPolicy("readers", 10, []string{"read"}, []string{"lease"})); err != nil {
		t.Fatalf("create policy: %v", err)
	}

	explanation, err := engine.ExplainCompact(ctx, &authz.ExplainRequest{
		Tenant:   "acme",
		UserID:   "user-1",
		UserType: "STAFF",
		Action:   "read",
		Resource: "lease:lease-9",
	})
	if err != nil {
		t.Fatalf("explain: %v", err)
	}
	if !explanation.Decision.Allowed {
		t.Fatalf("expected an allow, got %+v", explanation.Decision)
	}
	if len(explanation.Lines) != len(explanation.Decision.Trace)+1 {
		t.Fatalf("expected one line per trace entry plus the verdict, got %d lines for %d entries",
			len(explanation.Lines), len(explanation.Decision.Trace))
	}
	last := explanation.Lines[len(explanation.Lines)-1]
	if !strings.HasPrefix(last, "verdict=ALLOW") {
		t.Fatalf("unexpected verdict line: %s", last)
	}
}

func TestExplainRequestExpand(t *testing.T) {
	q := &authz.ExplainRequest{
		Tenant:   "acme",
		UserID:   "user-1",
		UserType: "CUSTOMER",
		RoleIDs:  []string{"tenant-portal"},
		OrgIDs:   []string{"org-east"},
		Action:   "update",
		Resource: "lease:lease-42",
		OwnerID:  "user-1",
		OrgID:    "org-east",
		IP:       "10.0.0.9",
	}
	req := q.Expand()
	if req.Resource.Type != "lease" || req.Resource.ID != "lease-42" {
		t.Fatalf("expected the resource notation to split, got %+v", req.Resource)
	}
	if req.Resource.TenantID != "acme" || req.Resource.OwnerID != "user-1" || req.Resource.OrganizationID != "org-east" {
		t.Fatalf("unexpected resource attributes: %+v", req.Resource)
	}
	if req.Subject.UserType != authz.UserTypeCustomer || len(req.Subject.RoleIDs) != 1 {
		t.Fatalf("unexpected subject attributes: %+v", req.Subject)
	}
	if req.Action.Name != "update" || req.Action.ResourceType != "lease" {
		t.Fatalf("unexpected action attributes: %+v", req.Action)
	}
	if req.Context.IP != "10.0.0.9" || req.Context.Timestamp.IsZero() {
		t.Fatalf("unexpected context attributes: %+v", req.Context)
	}

	// a bare type keeps the ID empty
	req = (&authz.ExplainRequest{Tenant: "acme", Resource: "lease"}).Expand()
	if req.Resource.Type != "lease" || req.Resource.ID != "" {
		t.Fatalf("expected a bare resource type, got %+v", req.Resource)
	}
}

func TestFormatTrace(t *testing.T) {
	decision := &authz.AuthorizationDecision{
		Allowed: false,
		Reason:  "no matching policy (default deny)",
		Trace: []authz.PolicyTrace{
			{PolicyID: "system:tenant-isolation", Priority: 100, IsSystem: true, Matched: false, RuleIndex: -1},
			{PolicyID: "lease-readers", Priority: 10, Matched: true, RuleIndex: 0, Effect: authz.EffectAllow},
		},
	}
	lines := authz.FormatTrace(decision)
	want := []string{
		"[1] policy=system:tenant-isolation priority=100 system no match",
		"[2] policy=lease-readers priority=10 matched rule=0 effect=ALLOW",
		`verdict=DENY reason="no matching policy (default deny)"`,
	}
	if len(lines) != len(want) {
		t.Fatalf("expected %d lines, got %d: %v", len(want), len(lines), lines)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("line %d mismatch:\n got %s\nwant %s", i, lines[i], want[i])
		}
	}
}
