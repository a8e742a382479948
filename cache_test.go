package authz

import (
	"context"
	"testing"
	"time"
)

func TestMemoryPermissionCache(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryPermissionCache()
	resolved := &ResolvedPermissions{UserID: "u1", TenantID: "acme", Permissions: NewPermissionSet("read:unit")}

	key := PermissionCacheKey("acme", "u1")
	if key != "acme:u1" {
		t.Fatalf("unexpected cache key %q", key)
	}

	cache.Set(ctx, key, resolved, 50*time.Millisecond)
	got, ok := cache.Get(ctx, key)
	if !ok || got.UserID != "u1" {
		t.Fatalf("expected cache hit after set")
	}
	if cache.Len() != 1 {
		t.Fatalf("expected one entry, got %d", cache.Len())
	}

	time.Sleep(80 * time.Millisecond)
	if _, ok := cache.Get(ctx, key); ok {
		t.Fatalf("expected entry to expire")
	}

	cache.Set(ctx, key, resolved, time.Minute)
	cache.Delete(ctx, key)
	if _, ok := cache.Get(ctx, key); ok {
		t.Fatalf("expected entry to be gone after delete")
	}
}

func TestRistrettoPermissionCache(t *testing.T) {
	ctx := context.Background()
	cache, err := NewRistrettoPermissionCache(RistrettoConfig{})
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	defer cache.Close()

	resolved := &ResolvedPermissions{UserID: "u2", TenantID: "acme", Permissions: NewPermissionSet("manage:lease")}
	cache.Set(ctx, "acme:u2", resolved, time.Minute)
	got, ok := cache.Get(ctx, "acme:u2")
	if !ok || !got.Permissions.Contains("manage:lease") {
		t.Fatalf("expected cache hit after set")
	}

	cache.Delete(ctx, "acme:u2")
	if _, ok := cache.Get(ctx, "acme:u2"); ok {
		t.Fatalf("expected entry to be gone after delete")
	}

	cache.Set(ctx, "acme:u3", resolved, 50*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	if _, ok := cache.Get(ctx, "acme:u3"); ok {
		t.Fatalf("expected ttl to evict the entry")
	}
}
