package authz_test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"testing"
	"time"

	"github.com/rentora/authz"
	"github.com/rentora/authz/stores"
)

func TestSignAndVerifyPolicy(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	p := allowPolicy("signed-1", 5, []string{"read"}, []string{"lease"})

	sig, err := authz.SignPolicy(priv, p)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	ok, err := authz.VerifyPolicySignature(pub, p, sig)
	if err != nil || !ok {
		t.Fatalf("expected a valid signature: %v", err)
	}

	// semantic fields are covered by the checksum
	p.Priority = 99
	if ok, _ := authz.VerifyPolicySignature(pub, p, sig); ok {
		t.Fatalf("expected a priority change to break the signature")
	}
	p.Priority = 5

	// bookkeeping fields are not
	copied := *p
	copied.Version = 7
	copied.Description = "cosmetic"
	if ok, err := authz.VerifyPolicySignature(pub, &copied, sig); err != nil || !ok {
		t.Fatalf("expected bookkeeping changes to keep the signature valid: %v", err)
	}

	otherPub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if ok, _ := authz.VerifyPolicySignature(otherPub, p, sig); ok {
		t.Fatalf("expected verification to fail under another key")
	}
}

func TestBundleVerification(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	policies := []*authz.Policy{
		allowPolicy("bundle-a", 5, []string{"read"}, []string{"lease"}),
		denyPolicy("bundle-b", 9, []string{"delete"}, []string{"lease"}),
	}
	bundle, err := authz.SignBundle(priv, policies)
	if err != nil {
		t.Fatalf("sign bundle: %v", err)
	}
	if ok, err := authz.VerifyBundle(pub, bundle); err != nil || !ok {
		t.Fatalf("expected the bundle to verify: %v", err)
	}

	sig := bundle.Signatures["bundle-b"]
	delete(bundle.Signatures, "bundle-b")
	if ok, err := authz.VerifyBundle(pub, bundle); ok || err == nil {
		t.Fatalf("expected a missing signature to fail verification")
	}
	bundle.Signatures["bundle-b"] = sig

	bundle.Policies[0].Priority = 99
	if ok, err := authz.VerifyBundle(pub, bundle); ok || err == nil {
		t.Fatalf("expected a tampered policy to fail verification")
	}
}

func TestApplySignedBundle(t *testing.T) {
	ctx := context.Background()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	ps := stores.NewMemoryPolicyStore()
	engine := authz.New(ps, stores.NewMemoryRoleStore())

	bundle, err := authz.SignBundle(priv, []*authz.Policy{
		allowPolicy("dist-allow", 5, []string{"read"}, []string{"lease"}),
	})
	if err != nil {
		t.Fatalf("sign bundle: %v", err)
	}
	if err := engine.ApplySignedBundle(ctx, pub, bundle); err != nil {
		t.Fatalf("apply bundle: %v", err)
	}
	decision, err := engine.Evaluate(ctx, staffRequest("read", "lease"))
	if err != nil || !decision.Allowed {
		t.Fatalf("expected the bundled policy to take effect: %v %+v", err, decision)
	}

	// re-applying an updated bundle upserts
	updated := denyPolicy("dist-allow", 5, []string{"read"}, []string{"lease"})
	bundle, err = authz.SignBundle(priv, []*authz.Policy{updated})
	if err != nil {
		t.Fatalf("sign bundle: %v", err)
	}
	if err := engine.ApplySignedBundle(ctx, pub, bundle); err != nil {
		t.Fatalf("re-apply bundle: %v", err)
	}
	decision, err = engine.Evaluate(ctx, staffRequest("read", "lease"))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Allowed {
		t.Fatalf("expected the updated bundle to flip the outcome")
	}

	// unverifiable bundles never touch the store
	wrongPub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	fresh, err := authz.SignBundle(priv, []*authz.Policy{
		allowPolicy("never-applied", 5, []string{"read"}, []string{"lease"}),
	})
	if err != nil {
		t.Fatalf("sign bundle: %v", err)
	}
	if err := engine.ApplySignedBundle(ctx, wrongPub, fresh); err == nil {
		t.Fatalf("expected an unverifiable bundle to be rejected")
	}
	if _, err := ps.GetPolicy(ctx, "never-applied"); err == nil {
		t.Fatalf("expected the rejected bundle to leave no policies behind")
	}

	if err := engine.ApplySignedBundle(ctx, pub, nil); err == nil {
		t.Fatalf("expected an error for a nil bundle")
	}

	// bundles cannot smuggle in reserved policy ids
	impostor := allowPolicy(authz.SystemPolicyTenantIsolation, 5, []string{"read"}, []string{"lease"})
	smuggled, err := authz.SignBundle(priv, []*authz.Policy{impostor})
	if err != nil {
		t.Fatalf("sign bundle: %v", err)
	}
	err = engine.ApplySignedBundle(ctx, pub, smuggled)
	if !errors.Is(err, authz.ErrSystemPolicyImmutable) {
		t.Fatalf("expected ErrSystemPolicyImmutable, got %v", err)
	}
}

func TestBundleDistributorPublishes(t *testing.T) {
	ctx := context.Background()
	ps := stores.NewMemoryPolicyStore()
	tenantPolicy := authz.NewPolicyBuilder().
		ID("dist-1").
		Tenant("tenant-dist").
		Name("dist-1").
		Priority(5).
		Rule(authz.NewAllowRule().Actions("read").Resources("lease").Build()).
		Build()
	if err := ps.CreatePolicy(ctx, tenantPolicy); err != nil {
		t.Fatalf("create policy: %v", err)
	}

	dist, err := authz.NewBundleDistributor(ps)
	if err != nil {
		t.Fatalf("new distributor: %v", err)
	}

	type delivery struct {
		bundle *authz.SignedPolicyBundle
		pub    ed25519.PublicKey
	}
	direct := make(chan delivery, 1)
	wildcard := make(chan delivery, 1)
	dist.RegisterSubscriber("tenant-dist", authz.BundleSubscriberFunc(
		func(ctx context.Context, tenantID string, pub ed25519.PublicKey, bundle *authz.SignedPolicyBundle) error {
			direct <- delivery{bundle, pub}
			return nil
		}))
	dist.RegisterSubscriber("", authz.BundleSubscriberFunc(
		func(ctx context.Context, tenantID string, pub ed25519.PublicKey, bundle *authz.SignedPolicyBundle) error {
			wildcard <- delivery{bundle, pub}
			return nil
		}))

	dist.Start(ctx)
	defer dist.Stop(ctx)
	dist.NotifyPolicyChange("tenant-dist")

	var got delivery
	select {
	case got = <-direct:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for the tenant subscriber")
	}
	select {
	case <-wildcard:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for the wildcard subscriber")
	}

	if len(got.bundle.Policies) != 1 || got.bundle.Policies[0].ID != "dist-1" {
		t.Fatalf("unexpected bundle contents: %+v", got.bundle.Policies)
	}
	if got.bundle.Meta["tenant_id"] != "tenant-dist" {
		t.Fatalf("expected tenant metadata, got %v", got.bundle.Meta)
	}
	if ok, err := authz.VerifyBundle(got.pub, got.bundle); err != nil || !ok {
		t.Fatalf("expected the published bundle to verify: %v", err)
	}
}

func TestBundleKeyRotation(t *testing.T) {
	ctx := context.Background()
	ps := stores.NewMemoryPolicyStore()
	tenantPolicy := authz.NewPolicyBuilder().
		ID("rot-1").
		Tenant("tenant-rot").
		Name("rot-1").
		Priority(5).
		Rule(authz.NewAllowRule().Actions("read").Resources("lease").Build()).
		Build()
	if err := ps.CreatePolicy(ctx, tenantPolicy); err != nil {
		t.Fatalf("create policy: %v", err)
	}

	dist, err := authz.NewBundleDistributor(ps)
	if err != nil {
		t.Fatalf("new distributor: %v", err)
	}
	deliveries := make(chan *authz.SignedPolicyBundle, 2)
	dist.RegisterSubscriber("tenant-rot", authz.BundleSubscriberFunc(
		func(ctx context.Context, tenantID string, pub ed25519.PublicKey, bundle *authz.SignedPolicyBundle) error {
			deliveries <- bundle
			return nil
		}))
	dist.Start(ctx)
	defer dist.Stop(ctx)

	oldPub := dist.CurrentPublicKey()
	dist.NotifyPolicyChange("tenant-rot")
	var first *authz.SignedPolicyBundle
	select {
	case first = <-deliveries:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for the first bundle")
	}

	if err := dist.RotateSigningKey(); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	newPub := dist.CurrentPublicKey()
	if bytes.Equal(oldPub, newPub) {
		t.Fatalf("expected rotation to change the public key")
	}

	// bundles published before the rotation stay valid under their key
	if ok, err := authz.VerifyBundle(oldPub, first); err != nil || !ok {
		t.Fatalf("expected the old bundle to verify under the old key: %v", err)
	}
	if ok, _ := authz.VerifyBundle(newPub, first); ok {
		t.Fatalf("the old bundle must not verify under the new key")
	}

	dist.NotifyPolicyChange("tenant-rot")
	var second *authz.SignedPolicyBundle
	select {
	case second = <-deliveries:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for the post-rotation bundle")
	}
	if ok, err := authz.VerifyBundle(newPub, second); err != nil || !ok {
		t.Fatalf("expected the new bundle to verify under the new key: %v", err)
	}
}

func TestBundleDistributorFixedKey(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	dist, err := authz.NewBundleDistributor(stores.NewMemoryPolicyStore(), authz.WithBundleSigningKey(priv))
	if err != nil {
		t.Fatalf("new distributor: %v", err)
	}
	if !bytes.Equal(dist.CurrentPublicKey(), pub) {
		t.Fatalf("expected the configured key to be used")
	}
}
