package authz

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rentora/authz/logger"
)

// SignedPolicyBundle carries a set of policies together with per-policy
// ed25519 signatures, keyed by policy ID. Bundles are how policies move
// between environments without trusting the transport.
type SignedPolicyBundle struct {
	Policies   []*Policy         `json:"policies"`
	Signatures map[string]string `json:"signatures"`
	Meta       map[string]any    `json:"meta,omitempty"`
}

type policyDigest struct {
	ID       string `json:"id"`
	Checksum string `json:"checksum"`
}

// SignPolicy signs the policy's semantic checksum and returns the
// signature base64-encoded. Bookkeeping fields (version, timestamps)
// are not covered, so re-signing is only needed when content changes.
func SignPolicy(priv ed25519.PrivateKey, p *Policy) (string, error) {
	data, err := json.Marshal(policyDigest{ID: p.ID, Checksum: p.Checksum()})
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, data)), nil
}

// VerifyPolicySignature checks sigB64 against the policy's current checksum.
func VerifyPolicySignature(pub ed25519.PublicKey, p *Policy, sigB64 string) (bool, error) {
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false, err
	}
	data, err := json.Marshal(policyDigest{ID: p.ID, Checksum: p.Checksum()})
	if err != nil {
		return false, err
	}
	return ed25519.Verify(pub, data, sig), nil
}

// SignBundle signs every policy and returns the assembled bundle.
func SignBundle(priv ed25519.PrivateKey, policies []*Policy) (*SignedPolicyBundle, error) {
	b := &SignedPolicyBundle{Policies: policies, Signatures: make(map[string]string, len(policies))}
	for _, p := range policies {
		sig, err := SignPolicy(priv, p)
		if err != nil {
			return nil, fmt.Errorf("sign policy %s: %w", p.ID, err)
		}
		b.Signatures[p.ID] = sig
	}
	return b, nil
}

// VerifyBundle checks that every policy in the bundle carries a valid
// signature. A single missing or bad signature rejects the whole bundle.
func VerifyBundle(pub ed25519.PublicKey, b *SignedPolicyBundle) (bool, error) {
	for _, p := range b.Policies {
		sig, ok := b.Signatures[p.ID]
		if !ok {
			return false, fmt.Errorf("missing signature for policy %s", p.ID)
		}
		valid, err := VerifyPolicySignature(pub, p, sig)
		if err != nil {
			return false, fmt.Errorf("verify policy %s: %w", p.ID, err)
		}
		if !valid {
			return false, fmt.Errorf("bad signature for policy %s", p.ID)
		}
	}
	return true, nil
}

// ApplySignedBundle verifies the bundle against pub and upserts its
// policies through the usual create/update paths, so validation and
// system-policy protection apply to distributed policies too.
func (e *Engine) ApplySignedBundle(ctx context.Context, pub ed25519.PublicKey, bundle *SignedPolicyBundle) error {
	if bundle == nil {
		return fmt.Errorf("bundle is nil")
	}
	ok, err := VerifyBundle(pub, bundle)
	if err != nil {
		return fmt.Errorf("bundle verification failed: %w", err)
	}
	if !ok {
		return fmt.Errorf("bundle verification failed")
	}
	for _, p := range bundle.Policies {
		if _, err := e.policies.GetPolicy(ctx, p.ID); err != nil {
			if err := e.CreatePolicy(ctx, p); err != nil {
				return fmt.Errorf("apply policy %s: %w", p.ID, err)
			}
			continue
		}
		if err := e.UpdatePolicy(ctx, p); err != nil {
			return fmt.Errorf("apply policy %s: %w", p.ID, err)
		}
	}
	return nil
}

// BundleSubscriber receives freshly signed bundles for a tenant.
type BundleSubscriber interface {
	OnBundle(ctx context.Context, tenantID string, pub ed25519.PublicKey, bundle *SignedPolicyBundle) error
}

// BundleSubscriberFunc adapts a function to the BundleSubscriber interface.
type BundleSubscriberFunc func(ctx context.Context, tenantID string, pub ed25519.PublicKey, bundle *SignedPolicyBundle) error

func (f BundleSubscriberFunc) OnBundle(ctx context.Context, tenantID string, pub ed25519.PublicKey, bundle *SignedPolicyBundle) error {
	return f(ctx, tenantID, pub, bundle)
}

// BundleDistributor watches for policy change notifications, signs the
// affected tenant's policies and fans the bundle out to subscribers.
// The signing key rotates on a fixed interval; subscribers always get
// the public key that matches the bundle they receive.
type BundleDistributor struct {
	policies         PolicyStore
	pub              ed25519.PublicKey
	priv             ed25519.PrivateKey
	rotationInterval time.Duration
	notifyCh         chan string
	stopCh           chan struct{}
	subscribers      map[string][]BundleSubscriber
	log              logger.Logger
	mu               sync.RWMutex
	started          bool
	wg               sync.WaitGroup
}

// BundleDistributorOption configures a BundleDistributor.
type BundleDistributorOption func(*BundleDistributor)

// WithBundleSigningKey supplies a fixed signing key instead of the
// generated one. Useful when subscribers pin a known public key.
func WithBundleSigningKey(priv ed25519.PrivateKey) BundleDistributorOption {
	return func(d *BundleDistributor) {
		if len(priv) == ed25519.PrivateKeySize {
			d.priv = append(ed25519.PrivateKey{}, priv...)
			d.pub = priv.Public().(ed25519.PublicKey)
		}
	}
}

// WithBundleRotationInterval overrides the 24h key rotation interval.
func WithBundleRotationInterval(interval time.Duration) BundleDistributorOption {
	return func(d *BundleDistributor) {
		if interval > 0 {
			d.rotationInterval = interval
		}
	}
}

// WithBundleLogger sets the logger for distribution failures.
func WithBundleLogger(l logger.Logger) BundleDistributorOption {
	return func(d *BundleDistributor) {
		if l != nil {
			d.log = l
		}
	}
}

// NewBundleDistributor creates a distributor over the given policy store.
// A fresh ed25519 key pair is generated unless WithBundleSigningKey is used.
func NewBundleDistributor(store PolicyStore, opts ...BundleDistributorOption) (*BundleDistributor, error) {
	if store == nil {
		return nil, fmt.Errorf("policy store is required")
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	d := &BundleDistributor{
		policies:         store,
		priv:             priv,
		pub:              pub,
		rotationInterval: 24 * time.Hour,
		notifyCh:         make(chan string, 1024),
		stopCh:           make(chan struct{}),
		subscribers:      make(map[string][]BundleSubscriber),
		log:              logger.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Start launches the distribution loop. Calling Start twice is a no-op.
func (d *BundleDistributor) Start(ctx context.Context) {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.rotationInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-d.stopCh:
				return
			case tenantID := <-d.notifyCh:
				if tenantID == "" {
					continue
				}
				if err := d.distributeTenant(ctx, tenantID); err != nil {
					d.log.Error("bundle distribution failed", "tenant_id", tenantID, "error", err)
				}
			case <-ticker.C:
				if err := d.RotateSigningKey(); err != nil {
					d.log.Error("bundle key rotation failed", "error", err)
				}
			}
		}
	}()
}

// Stop shuts the distribution loop down, waiting for in-flight
// deliveries to finish or ctx to expire.
func (d *BundleDistributor) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = false
	d.mu.Unlock()

	close(d.stopCh)
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// NotifyPolicyChange queues a re-distribution for the tenant. Drops the
// notification if the queue is full; a later change will trigger it.
func (d *BundleDistributor) NotifyPolicyChange(tenantID string) {
	if tenantID == "" {
		return
	}
	select {
	case d.notifyCh <- tenantID:
	default:
	}
}

// RegisterSubscriber adds a subscriber for the tenant. An empty tenant ID
// subscribes to every tenant's bundles.
func (d *BundleDistributor) RegisterSubscriber(tenantID string, sub BundleSubscriber) {
	if sub == nil {
		return
	}
	if tenantID == "" {
		tenantID = "*"
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribers[tenantID] = append(d.subscribers[tenantID], sub)
}

// RotateSigningKey replaces the signing key pair. Bundles signed before
// the rotation stay verifiable with the public key they shipped with.
func (d *BundleDistributor) RotateSigningKey() error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.priv = priv
	d.pub = pub
	d.mu.Unlock()
	return nil
}

// CurrentPublicKey returns a copy of the active verification key.
func (d *BundleDistributor) CurrentPublicKey() ed25519.PublicKey {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append(ed25519.PublicKey(nil), d.pub...)
}

func (d *BundleDistributor) signingKeys() (ed25519.PrivateKey, ed25519.PublicKey) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.priv, d.pub
}

func (d *BundleDistributor) distributeTenant(ctx context.Context, tenantID string) error {
	policies, err := d.policies.ListPolicies(ctx, tenantID)
	if err != nil {
		return err
	}
	// Snapshot the key pair so a rotation mid-distribution cannot split
	// the signatures from the advertised public key.
	priv, pub := d.signingKeys()
	bundle, err := SignBundle(priv, policies)
	if err != nil {
		return err
	}
	if bundle.Meta == nil {
		bundle.Meta = map[string]any{}
	}
	bundle.Meta["tenant_id"] = tenantID
	bundle.Meta["generated_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	bundle.Meta["signing_key"] = base64.StdEncoding.EncodeToString(pub)

	for _, sub := range d.collectSubscribers(tenantID) {
		if err := sub.OnBundle(ctx, tenantID, pub, bundle); err != nil {
			d.log.Error("bundle subscriber failed", "tenant_id", tenantID, "error", err)
		}
	}
	return nil
}

func (d *BundleDistributor) collectSubscribers(tenantID string) []BundleSubscriber {
	d.mu.RLock()
	defer d.mu.RUnlock()
	subs := make([]BundleSubscriber, 0, len(d.subscribers[tenantID])+len(d.subscribers["*"]))
	subs = append(subs, d.subscribers[tenantID]...)
	subs = append(subs, d.subscribers["*"]...)
	return subs
}
