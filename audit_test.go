package authz_test

import (
	"context"
	"testing"
	"time"

	"github.com/rentora/authz"
	"github.com/rentora/authz/stores"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within deadline")
}

func TestAuditPipelineRecordsDecisions(t *testing.T) {
	ctx := context.Background()
	sink := stores.NewMemoryAuditSink()
	engine := authz.New(stores.NewMemoryPolicyStore(), stores.NewMemoryRoleStore(),
		authz.WithAuditSink(sink))
	defer engine.Close()

	if err := engine.CreatePolicy(ctx, allowPolicy("readers", 10, []string{"read"}, []string{"lease"})); err != nil {
		t.Fatalf("create policy: %v", err)
	}

	before := time.Now().Add(-time.Second)
	allowed, err := engine.Evaluate(ctx, staffRequest("read", "lease"))
	if err != nil || !allowed.Allowed {
		t.Fatalf("expected an allow: %v %+v", err, allowed)
	}
	denied, err := engine.Evaluate(ctx, staffRequest("delete", "lease"))
	if err != nil || denied.Allowed {
		t.Fatalf("expected a deny: %v %+v", err, denied)
	}

	waitFor(t, func() bool { return sink.Len() == 2 })

	entries, err := sink.Query(ctx, stores.AuditFilter{TenantID: "acme"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries for acme, got %d", len(entries))
	}
	first := entries[0]
	if first.ID == "" || first.Timestamp.IsZero() {
		t.Fatalf("expected populated audit identity, got %+v", first)
	}
	if first.Request == nil || first.Request.Subject.UserID != "user-1" {
		t.Fatalf("expected the request to be recorded, got %+v", first.Request)
	}
	if first.Decision == nil || len(first.Decision.Trace) == 0 {
		t.Fatalf("expected the decision trace to be recorded, got %+v", first.Decision)
	}

	deniedOnly := false
	entries, err = sink.Query(ctx, stores.AuditFilter{Allowed: &deniedOnly})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(entries) != 1 || entries[0].Request.Action.Name != "delete" {
		t.Fatalf("expected only the denied delete, got %d entries", len(entries))
	}

	entries, err = sink.Query(ctx, stores.AuditFilter{Action: "read"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(entries) != 1 || !entries[0].Decision.Allowed {
		t.Fatalf("expected only the allowed read, got %d entries", len(entries))
	}

	entries, err = sink.Query(ctx, stores.AuditFilter{Since: before, Until: time.Now().Add(time.Second)})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected the time window to cover both entries, got %d", len(entries))
	}

	entries, err = sink.Query(ctx, stores.AuditFilter{TenantID: "ghost"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no entries for an unknown tenant, got %d", len(entries))
	}

	entries, err = sink.Query(ctx, stores.AuditFilter{Limit: 1})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected the limit to apply, got %d", len(entries))
	}
}

func TestAuditCloseFlushes(t *testing.T) {
	ctx := context.Background()
	sink := stores.NewMemoryAuditSink()
	engine := authz.New(stores.NewMemoryPolicyStore(), stores.NewMemoryRoleStore(),
		authz.WithAuditSink(sink), authz.WithAuditBuffer(64))

	for i := 0; i < 5; i++ {
		if _, err := engine.Evaluate(ctx, staffRequest("read", "lease")); err != nil {
			t.Fatalf("evaluate: %v", err)
		}
	}
	if err := engine.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := sink.Len(); got != 5 {
		t.Fatalf("expected close to flush all 5 entries, got %d", got)
	}
	if err := engine.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	// the engine still evaluates after close, it just stops auditing
	decision, err := engine.Evaluate(ctx, staffRequest("read", "lease"))
	if err != nil || decision == nil {
		t.Fatalf("expected evaluation to keep working: %v", err)
	}
	if got := sink.Len(); got != 5 {
		t.Fatalf("expected no audit writes after close, got %d", got)
	}
}
