package authz

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rentora/authz/logger"
	"github.com/rentora/authz/utils"
)

const defaultBatchWorkers = 8

// Engine evaluates authorization requests against the system policy set and
// tenant-authored policies, combining RBAC (through its permission resolver)
// and ABAC (through condition evaluation). Construct one per process with
// the stores passed in explicitly; the engine keeps no global state.
//
// Evaluation of a single request shares no mutable state, so one Engine is
// safe for concurrent use across requests.
type Engine struct {
	policies    PolicyStore
	roles       RoleStore
	assignments AssignmentStore
	resolver    *PermissionResolver
	system      []*Policy

	log          logger.Logger
	metrics      *Metrics
	audit        *auditPipeline
	batchWorkers int

	resolverOpts     []ResolverOption
	externalResolver bool
	auditSink        AuditSink
	auditBuffer      int
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger. The default discards everything.
func WithLogger(log logger.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithMetrics attaches prometheus collectors to the engine and its resolver.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
		e.resolverOpts = append(e.resolverOpts, WithResolverMetrics(m))
	}
}

// WithPermissionCache swaps the resolver's permission cache.
func WithPermissionCache(cache PermissionCache) Option {
	return func(e *Engine) {
		e.resolverOpts = append(e.resolverOpts, WithResolverCache(cache))
	}
}

// WithPermissionCacheTTL sets the resolved-permission TTL.
func WithPermissionCacheTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		e.resolverOpts = append(e.resolverOpts, WithPermissionTTL(ttl))
	}
}

// WithInheritanceDepth bounds role inheritance traversal.
func WithInheritanceDepth(depth int) Option {
	return func(e *Engine) {
		e.resolverOpts = append(e.resolverOpts, WithMaxInheritanceDepth(depth))
	}
}

// WithAssignments wires an assignment store, enabling AssignRole, RevokeRole
// and resolver lookups by user id.
func WithAssignments(store AssignmentStore) Option {
	return func(e *Engine) {
		e.assignments = store
		e.resolverOpts = append(e.resolverOpts, WithAssignmentStore(store))
	}
}

// WithResolver replaces the engine-built resolver entirely, for sharing a
// resolver (and its cache) across engines.
func WithResolver(r *PermissionResolver) Option {
	return func(e *Engine) {
		if r != nil {
			e.resolver = r
			e.externalResolver = true
		}
	}
}

// WithAuditSink streams every decision to sink through a buffered channel.
// Delivery is best-effort: entries are dropped, and counted, when the buffer
// is full.
func WithAuditSink(sink AuditSink) Option {
	return func(e *Engine) { e.auditSink = sink }
}

// WithAuditBuffer sizes the audit queue (default 1024).
func WithAuditBuffer(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.auditBuffer = n
		}
	}
}

// WithBatchWorkers bounds EvaluateBatch concurrency (default 8).
func WithBatchWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.batchWorkers = n
		}
	}
}

// New constructs an engine over the given stores.
func New(policies PolicyStore, roles RoleStore, opts ...Option) *Engine {
	e := &Engine{
		policies:     policies,
		roles:        roles,
		system:       SystemPolicies(),
		log:          logger.NewNullLogger(),
		batchWorkers: defaultBatchWorkers,
		auditBuffer:  defaultAuditBuffer,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.resolver == nil {
		resolverOpts := append([]ResolverOption{WithResolverLogger(e.log)}, e.resolverOpts...)
		e.resolver = NewPermissionResolver(roles, resolverOpts...)
	}
	if e.auditSink != nil {
		e.audit = newAuditPipeline(e.auditSink, e.auditBuffer, e.log, e.metrics)
	}
	return e
}

// Resolver exposes the engine's permission resolver.
func (e *Engine) Resolver() *PermissionResolver { return e.resolver }

// Close flushes and stops the audit pipeline. The engine remains usable for
// evaluation afterwards; decisions are simply no longer audited.
func (e *Engine) Close() error {
	if e.audit != nil {
		e.audit.close()
		e.audit = nil
	}
	return nil
}

// storeFailure counts the outage and wraps err as a StoreError, so every
// store failure the engine surfaces also shows up in store_errors_total.
func (e *Engine) storeFailure(store, op string, err error) error {
	e.metrics.storeError()
	return storeErr(store, op, err)
}

// ============================================================================
// EVALUATION
// ============================================================================

type allowCandidate struct {
	policy    *Policy
	ruleIndex int
}

// Evaluate decides the request. The walk is deny-overrides with fail-fast:
// policies are visited in priority order (system first among equals, then
// creation order), each policy contributes its first matching rule, and the
// first DENY anywhere ends the walk. An ALLOW is only provisional until
// every policy at its priority tier or above has been scanned without a
// DENY. No match at all means deny.
//
// A store failure returns an error and no decision; the caller must treat
// that as "could not determine access", not as denied.
func (e *Engine) Evaluate(ctx context.Context, req *AuthorizationRequest) (*AuthorizationDecision, error) {
	if req == nil {
		return nil, fmt.Errorf("authz: request is required")
	}
	start := time.Now()

	tenantPolicies, err := e.policies.ListPolicies(ctx, req.Subject.TenantID)
	if err != nil {
		return nil, e.storeFailure("policy", "list_policies", err)
	}

	eligible := make([]*Policy, 0, len(e.system)+len(tenantPolicies))
	for _, p := range e.system {
		if e.policyApplies(p, req) {
			eligible = append(eligible, p)
		}
	}
	for _, p := range tenantPolicies {
		if !p.Evaluable() {
			continue
		}
		if e.policyApplies(p, req) {
			eligible = append(eligible, p)
		}
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority > eligible[j].Priority
		}
		if eligible[i].IsSystem != eligible[j].IsSystem {
			return eligible[i].IsSystem
		}
		return false
	})

	decision := &AuthorizationDecision{
		DecidingRuleIndex: -1,
		Trace:             make([]PolicyTrace, 0, len(eligible)),
		EvaluatedAt:       start,
	}

	var candidate *allowCandidate
	for _, p := range eligible {
		if candidate != nil && p.Priority < candidate.policy.Priority {
			// every policy at or above the allow's tier has been scanned
			// with no deny; lower tiers cannot override it
			break
		}
		polStart := time.Now()
		ruleIndex, effect := e.matchPolicy(p, req)
		trace := PolicyTrace{
			PolicyID:   p.ID,
			PolicyName: p.Name,
			Priority:   p.Priority,
			IsSystem:   p.IsSystem,
			Matched:    ruleIndex >= 0,
			RuleIndex:  ruleIndex,
			Elapsed:    time.Since(polStart),
		}
		if ruleIndex >= 0 {
			trace.Effect = effect
		}
		decision.Trace = append(decision.Trace, trace)
		if ruleIndex < 0 {
			continue
		}
		if effect == EffectDeny {
			decision.Allowed = false
			decision.Reason = fmt.Sprintf("denied by policy %s rule %d", p.ID, ruleIndex)
			decision.DecidingPolicyID = p.ID
			decision.DecidingRuleIndex = ruleIndex
			return e.finish(ctx, req, decision, start), nil
		}
		if candidate == nil {
			candidate = &allowCandidate{policy: p, ruleIndex: ruleIndex}
		}
	}

	if candidate != nil {
		decision.Allowed = true
		decision.Reason = fmt.Sprintf("allowed by policy %s rule %d", candidate.policy.ID, candidate.ruleIndex)
		decision.DecidingPolicyID = candidate.policy.ID
		decision.DecidingRuleIndex = candidate.ruleIndex
	} else {
		decision.Allowed = false
		decision.Reason = "no matching policy (default deny)"
	}
	return e.finish(ctx, req, decision, start), nil
}

func (e *Engine) finish(ctx context.Context, req *AuthorizationRequest, decision *AuthorizationDecision, start time.Time) *AuthorizationDecision {
	decision.Elapsed = time.Since(start)
	e.metrics.observeDecision(decision.Allowed, decision.Elapsed)
	if e.audit != nil {
		e.audit.emit(ctx, req, decision)
	}
	e.log.Debug("authorization decision",
		"tenant", req.Subject.TenantID,
		"user", req.Subject.UserID,
		"action", req.Action.Name,
		"resource", req.Resource.Type,
		"allowed", decision.Allowed,
		"policy", decision.DecidingPolicyID,
	)
	return decision
}

// policyApplies runs the principal and organization targeting filters.
func (e *Engine) policyApplies(p *Policy, req *AuthorizationRequest) bool {
	return policyTargetsPrincipal(p, &req.Subject) && policyTargetsOrganization(p, &req.Resource)
}

func policyTargetsPrincipal(p *Policy, sub *SubjectAttributes) bool {
	t := p.TargetPrincipals
	if t.Empty() {
		return true
	}
	for _, id := range t.UserIDs {
		if id == sub.UserID {
			return true
		}
	}
	for _, ut := range t.UserTypes {
		if ut == sub.UserType {
			return true
		}
	}
	for _, rid := range t.RoleIDs {
		for _, held := range sub.RoleIDs {
			if rid == held {
				return true
			}
		}
	}
	return false
}

// policyTargetsOrganization: an empty target set applies tenant-wide. A
// resource that declares no organization passes every org filter; only a
// declared organization outside the target set excludes the policy.
func policyTargetsOrganization(p *Policy, res *ResourceAttributes) bool {
	if len(p.TargetOrganizations) == 0 {
		return true
	}
	if res.OrganizationID == "" {
		return true
	}
	for _, org := range p.TargetOrganizations {
		if org == res.OrganizationID {
			return true
		}
	}
	return false
}

// matchPolicy returns the index and effect of the first rule that matches
// the request, or -1 when none does.
func (e *Engine) matchPolicy(p *Policy, req *AuthorizationRequest) (int, Effect) {
	for i := range p.Rules {
		if e.ruleMatches(&p.Rules[i], req) {
			return i, p.Rules[i].Effect
		}
	}
	return -1, ""
}

func (e *Engine) ruleMatches(rule *PolicyRule, req *AuthorizationRequest) bool {
	if !utils.MatchAny(rule.Actions, req.Action.Name) {
		return false
	}
	if !utils.MatchAny(rule.Resources, req.Resource.Type) {
		return false
	}
	if rule.Conditions == nil {
		return true
	}
	return evalGroup(rule.Conditions, req, e.log)
}

// EvaluateBatch evaluates independent requests concurrently, preserving
// order. Individual store failures surface in the joined error; the
// corresponding slots stay nil.
func (e *Engine) EvaluateBatch(ctx context.Context, reqs []*AuthorizationRequest) ([]*AuthorizationDecision, error) {
	decisions := make([]*AuthorizationDecision, len(reqs))
	errs := make([]error, len(reqs))
	sem := make(chan struct{}, e.batchWorkers)
	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, req *AuthorizationRequest) {
			defer wg.Done()
			defer func() { <-sem }()
			decisions[i], errs[i] = e.Evaluate(ctx, req)
		}(i, req)
	}
	wg.Wait()
	return decisions, errors.Join(errs...)
}

// ============================================================================
// RESOLVER PASSTHROUGH
// ============================================================================

// ResolvePermissions resolves the user's effective permissions.
func (e *Engine) ResolvePermissions(ctx context.Context, user *User) (*ResolvedPermissions, error) {
	return e.resolver.ResolvePermissions(ctx, user)
}

// HasPermission reports whether the user holds the required permission.
func (e *Engine) HasPermission(ctx context.Context, user *User, required string) (bool, error) {
	return e.resolver.HasPermission(ctx, user, required)
}

// HasPermissionInOrg reports whether the user holds the required permission
// in the given organization.
func (e *Engine) HasPermissionInOrg(ctx context.Context, user *User, required, orgID string) (bool, error) {
	return e.resolver.HasPermissionInOrg(ctx, user, required, orgID)
}

// InvalidateUser drops the user's cached permission set.
func (e *Engine) InvalidateUser(ctx context.Context, userID, tenantID string) {
	e.resolver.InvalidateUser(ctx, userID, tenantID)
}

// ============================================================================
// POLICY OPERATIONS
// ============================================================================

// ValidatePolicy checks that a policy is structurally sound before it is
// written to a store.
func (e *Engine) ValidatePolicy(p *Policy) error {
	return validatePolicy(p)
}

func validatePolicy(p *Policy) error {
	if p == nil || p.ID == "" {
		return fmt.Errorf("authz: policy id is required")
	}
	if len(p.Rules) == 0 {
		return fmt.Errorf("authz: policy %s has no rules", p.ID)
	}
	for i, rule := range p.Rules {
		if len(rule.Actions) == 0 {
			return fmt.Errorf("authz: policy %s rule %d has no actions", p.ID, i)
		}
		if len(rule.Resources) == 0 {
			return fmt.Errorf("authz: policy %s rule %d has no resources", p.ID, i)
		}
		if rule.Effect != EffectAllow && rule.Effect != EffectDeny {
			return fmt.Errorf("authz: policy %s rule %d has invalid effect %q", p.ID, i, rule.Effect)
		}
	}
	switch p.Status {
	case PolicyStatusActive, PolicyStatusDisabled, PolicyStatusArchived:
	case "":
		p.Status = PolicyStatusActive
	default:
		return fmt.Errorf("authz: policy %s has invalid status %q", p.ID, p.Status)
	}
	return nil
}

// CreatePolicy validates and persists a tenant policy.
func (e *Engine) CreatePolicy(ctx context.Context, p *Policy) error {
	if p != nil && (p.IsSystem || isSystemPolicyID(p.ID)) {
		return ErrSystemPolicyImmutable
	}
	if err := e.ValidatePolicy(p); err != nil {
		return err
	}
	if err := e.policies.CreatePolicy(ctx, p); err != nil {
		return e.storeFailure("policy", "create_policy", err)
	}
	return nil
}

// UpdatePolicy validates and replaces a tenant policy.
func (e *Engine) UpdatePolicy(ctx context.Context, p *Policy) error {
	if p != nil && (p.IsSystem || isSystemPolicyID(p.ID)) {
		return ErrSystemPolicyImmutable
	}
	if err := e.ValidatePolicy(p); err != nil {
		return err
	}
	if err := e.policies.UpdatePolicy(ctx, p); err != nil {
		return e.storeFailure("policy", "update_policy", err)
	}
	return nil
}

// DeletePolicy removes a tenant policy.
func (e *Engine) DeletePolicy(ctx context.Context, id string) error {
	if isSystemPolicyID(id) {
		return ErrSystemPolicyImmutable
	}
	if err := e.policies.DeletePolicy(ctx, id); err != nil {
		return e.storeFailure("policy", "delete_policy", err)
	}
	return nil
}

// SetPolicyStatus transitions a policy between ACTIVE, DISABLED and
// ARCHIVED.
func (e *Engine) SetPolicyStatus(ctx context.Context, id string, status PolicyStatus) error {
	if isSystemPolicyID(id) {
		return ErrSystemPolicyImmutable
	}
	p, err := e.policies.GetPolicy(ctx, id)
	if err != nil {
		return e.storeFailure("policy", "get_policy", err)
	}
	p.Status = status
	if err := e.policies.UpdatePolicy(ctx, p); err != nil {
		return e.storeFailure("policy", "update_policy", err)
	}
	return nil
}

// SimulatePolicy reports how a draft policy alone would respond to the
// request, without consulting the stores or affecting real decisions.
func (e *Engine) SimulatePolicy(p *Policy, req *AuthorizationRequest) PolicyTrace {
	start := time.Now()
	ruleIndex, effect := e.matchPolicy(p, req)
	trace := PolicyTrace{
		PolicyID:   p.ID,
		PolicyName: p.Name,
		Priority:   p.Priority,
		IsSystem:   p.IsSystem,
		Matched:    ruleIndex >= 0,
		RuleIndex:  ruleIndex,
		Elapsed:    time.Since(start),
	}
	if ruleIndex >= 0 {
		trace.Effect = effect
	}
	return trace
}

func isSystemPolicyID(id string) bool {
	switch id {
	case SystemPolicyTenantIsolation, SystemPolicyOrgHierarchy, SystemPolicyCustomerOwnResources:
		return true
	}
	return false
}

// ============================================================================
// ROLE / ASSIGNMENT OPERATIONS
// ============================================================================

// CreateRole persists a role. Role content changes propagate to resolved
// permissions within the permission TTL.
func (e *Engine) CreateRole(ctx context.Context, r *Role) error {
	if err := e.roles.CreateRole(ctx, r); err != nil {
		return e.storeFailure("role", "create_role", err)
	}
	return nil
}

// UpdateRole replaces a role record.
func (e *Engine) UpdateRole(ctx context.Context, r *Role) error {
	if err := e.roles.UpdateRole(ctx, r); err != nil {
		return e.storeFailure("role", "update_role", err)
	}
	return nil
}

// DeleteRole removes a role. Assignments pointing at it become dangling and
// are skipped by the resolver.
func (e *Engine) DeleteRole(ctx context.Context, id string) error {
	if err := e.roles.DeleteRole(ctx, id); err != nil {
		return e.storeFailure("role", "delete_role", err)
	}
	return nil
}

// AssignRole stores an assignment and invalidates the user's cached
// permissions immediately.
func (e *Engine) AssignRole(ctx context.Context, tenantID, userID string, a UserRoleAssignment) error {
	if e.assignments == nil {
		return ErrNoAssignmentStore
	}
	if err := e.assignments.AssignRole(ctx, tenantID, userID, a); err != nil {
		return e.storeFailure("assignment", "assign_role", err)
	}
	e.InvalidateUser(ctx, userID, tenantID)
	return nil
}

// RevokeRole removes an assignment and invalidates the user's cached
// permissions immediately.
func (e *Engine) RevokeRole(ctx context.Context, tenantID, userID, roleID, orgID string) error {
	if e.assignments == nil {
		return ErrNoAssignmentStore
	}
	if err := e.assignments.RevokeRole(ctx, tenantID, userID, roleID, orgID); err != nil {
		return e.storeFailure("assignment", "revoke_role", err)
	}
	e.InvalidateUser(ctx, userID, tenantID)
	return nil
}
