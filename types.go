package authz

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// ============================================================================
// EFFECTS, STATUSES, ENUMS
// ============================================================================

// Effect is the outcome a policy rule produces when it matches.
type Effect string

const (
	EffectAllow Effect = "ALLOW"
	EffectDeny  Effect = "DENY"
)

// PolicyStatus is the lifecycle state of a policy. Only ACTIVE policies are
// ever evaluated.
type PolicyStatus string

const (
	PolicyStatusActive   PolicyStatus = "ACTIVE"
	PolicyStatusDisabled PolicyStatus = "DISABLED"
	PolicyStatusArchived PolicyStatus = "ARCHIVED"
)

// UserType classifies a principal.
type UserType string

const (
	UserTypeAdmin    UserType = "ADMIN"
	UserTypeStaff    UserType = "STAFF"
	UserTypeCustomer UserType = "CUSTOMER"
	UserTypeService  UserType = "SERVICE"
)

// ConditionLogic combines the members of a ConditionGroup.
type ConditionLogic string

const (
	LogicAnd ConditionLogic = "AND"
	LogicOr  ConditionLogic = "OR"
)

// ConditionSource selects which attribute bag a condition reads from.
type ConditionSource string

const (
	SourceSubject  ConditionSource = "subject"
	SourceAction   ConditionSource = "action"
	SourceResource ConditionSource = "resource"
	SourceContext  ConditionSource = "context"
)

// ConditionOperator is the comparison a PolicyCondition applies. Every
// operator fails closed: a missing attribute, an uncoercible value or an
// unknown operator evaluates to false, never to an error.
type ConditionOperator string

const (
	OpEq             ConditionOperator = "eq"
	OpNeq            ConditionOperator = "neq"
	OpGt             ConditionOperator = "gt"
	OpGte            ConditionOperator = "gte"
	OpLt             ConditionOperator = "lt"
	OpLte            ConditionOperator = "lte"
	OpIn             ConditionOperator = "in"
	OpNin            ConditionOperator = "nin"
	OpContains       ConditionOperator = "contains"
	OpNcontains      ConditionOperator = "ncontains"
	OpStarts         ConditionOperator = "starts"
	OpEnds           ConditionOperator = "ends"
	OpMatches        ConditionOperator = "matches"
	OpExists         ConditionOperator = "exists"
	OpIsOwner        ConditionOperator = "is_owner"
	OpInOrgHierarchy ConditionOperator = "in_org_hierarchy"
	OpTimeBetween    ConditionOperator = "time_between"
	OpIPInRange      ConditionOperator = "ip_in_range"
)

// ============================================================================
// RBAC MODEL
// ============================================================================

// Role is a tenant-scoped, named set of permission strings. Roles may
// inherit from other roles; inheritance is expected to be a DAG but is
// treated as potentially cyclic at read time. A role record is immutable
// per version and updated by replacing it.
type Role struct {
	ID           string    `json:"id" yaml:"id"`
	TenantID     string    `json:"tenant_id" yaml:"tenant_id"`
	Name         string    `json:"name" yaml:"name"`
	Permissions  []string  `json:"permissions" yaml:"permissions"`
	InheritsFrom []string  `json:"inherits_from,omitempty" yaml:"inherits_from,omitempty"`
	Priority     int       `json:"priority" yaml:"priority"`
	IsAdmin      bool      `json:"is_admin,omitempty" yaml:"is_admin,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitempty" yaml:"created_at,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
}

// UserRoleAssignment binds a role to a user, optionally scoped to one
// organization. Expired assignments are excluded from every computation but
// are never deleted.
type UserRoleAssignment struct {
	RoleID         string     `json:"role_id" yaml:"role_id"`
	OrganizationID string     `json:"organization_id,omitempty" yaml:"organization_id,omitempty"`
	AssignedAt     time.Time  `json:"assigned_at,omitempty" yaml:"assigned_at,omitempty"`
	AssignedBy     string     `json:"assigned_by,omitempty" yaml:"assigned_by,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
}

// Expired reports whether the assignment has lapsed at the given instant.
func (a UserRoleAssignment) Expired(now time.Time) bool {
	return a.ExpiresAt != nil && a.ExpiresAt.Before(now)
}

// User is the principal aggregate the permission resolver operates on.
type User struct {
	ID          string               `json:"id" yaml:"id"`
	TenantID    string               `json:"tenant_id" yaml:"tenant_id"`
	Type        UserType             `json:"type,omitempty" yaml:"type,omitempty"`
	Assignments []UserRoleAssignment `json:"assignments,omitempty" yaml:"assignments,omitempty"`
}

// PermissionSet is a set of permission strings.
type PermissionSet map[string]struct{}

// NewPermissionSet builds a set from the given permissions.
func NewPermissionSet(perms ...string) PermissionSet {
	s := make(PermissionSet, len(perms))
	for _, p := range perms {
		s[p] = struct{}{}
	}
	return s
}

// Add inserts a permission into the set.
func (s PermissionSet) Add(perm string) { s[perm] = struct{}{} }

// Contains reports exact membership, without wildcard expansion.
func (s PermissionSet) Contains(perm string) bool {
	_, ok := s[perm]
	return ok
}

// Matches reports whether any held permission satisfies the required one
// under the wildcard grammar (see PermissionMatches).
func (s PermissionSet) Matches(required string) bool {
	if s.Contains(required) {
		return true
	}
	for held := range s {
		if PermissionMatches(held, required) {
			return true
		}
	}
	return false
}

// List returns the members in unspecified order.
func (s PermissionSet) List() []string {
	out := make([]string, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	return out
}

// ResolvedPermissions is the flattened authorization view of one user:
// every permission granted by non-expired role assignments after inheritance
// resolution. It is derived, cached with a TTL, and never persisted.
//
// Permissions holds the union across all assignments. OrgPermissions holds
// the subset granted per organization; assignments without an organization
// land under the empty key and count as tenant-wide.
type ResolvedPermissions struct {
	UserID         string                   `json:"user_id"`
	TenantID       string                   `json:"tenant_id"`
	Permissions    PermissionSet            `json:"permissions"`
	OrgPermissions map[string]PermissionSet `json:"org_permissions,omitempty"`
	IsAdmin        bool                     `json:"is_admin"`
	MaxPriority    int                      `json:"max_priority"`
	RoleIDs        []string                 `json:"role_ids"`
	ResolvedAt     time.Time                `json:"resolved_at"`
}

// HasPermission reports whether the required permission is satisfied by any
// held permission under the wildcard grammar.
func (rp *ResolvedPermissions) HasPermission(required string) bool {
	if rp == nil {
		return false
	}
	return rp.Permissions.Matches(required)
}

// HasPermissionInOrg checks the organization-scoped set plus any tenant-wide
// grants (assignments made without an organization).
func (rp *ResolvedPermissions) HasPermissionInOrg(required, orgID string) bool {
	if rp == nil {
		return false
	}
	if set, ok := rp.OrgPermissions[orgID]; ok && set.Matches(required) {
		return true
	}
	if wide, ok := rp.OrgPermissions[""]; ok && wide.Matches(required) {
		return true
	}
	return false
}

// ============================================================================
// ABAC MODEL
// ============================================================================

// Ref is a cross-reference comparison value. Instead of a literal, the
// condition compares against the attribute at "<bag>.<path>" resolved from
// the request at evaluation time, e.g. {"ref": "subject.user_id"}.
type Ref struct {
	Ref string `json:"ref" yaml:"ref"`
}

// PolicyCondition is a single attribute comparison. Attribute is a dot path
// inside the bag named by Source; unknown leading segments fall through to
// the bag's metadata map.
type PolicyCondition struct {
	Source    ConditionSource   `json:"source" yaml:"source"`
	Attribute string            `json:"attribute" yaml:"attribute"`
	Operator  ConditionOperator `json:"operator" yaml:"operator"`
	Value     any               `json:"value,omitempty" yaml:"value,omitempty"`
}

// ConditionGroup is a boolean tree over conditions and nested groups.
// An empty group is vacuously true. AND short-circuits on the first false
// member, OR on the first true one.
type ConditionGroup struct {
	Logic      ConditionLogic     `json:"logic" yaml:"logic"`
	Conditions []*PolicyCondition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Groups     []*ConditionGroup  `json:"groups,omitempty" yaml:"groups,omitempty"`
}

// Empty reports whether the group has no members at any depth that would
// constrain evaluation.
func (g *ConditionGroup) Empty() bool {
	if g == nil {
		return true
	}
	if len(g.Conditions) > 0 {
		return false
	}
	for _, sub := range g.Groups {
		if !sub.Empty() {
			return false
		}
	}
	return true
}

// PolicyRule matches an action/resource pair and yields an effect, gated by
// an optional condition group. A nil Conditions matches unconditionally.
type PolicyRule struct {
	Actions    []string        `json:"actions" yaml:"actions"`
	Resources  []string        `json:"resources" yaml:"resources"`
	Conditions *ConditionGroup `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Effect     Effect          `json:"effect" yaml:"effect"`
}

// TargetPrincipals narrows a policy to specific principals. An empty target
// applies to everyone in the tenant.
type TargetPrincipals struct {
	UserIDs   []string   `json:"user_ids,omitempty" yaml:"user_ids,omitempty"`
	RoleIDs   []string   `json:"role_ids,omitempty" yaml:"role_ids,omitempty"`
	UserTypes []UserType `json:"user_types,omitempty" yaml:"user_types,omitempty"`
}

// Empty reports whether no principal restriction is set.
func (t TargetPrincipals) Empty() bool {
	return len(t.UserIDs) == 0 && len(t.RoleIDs) == 0 && len(t.UserTypes) == 0
}

// Policy is a tenant-scoped, prioritized bundle of ordered rules. Higher
// priority evaluates first. System policies are engine-owned and cannot be
// edited or removed through the store operations.
type Policy struct {
	ID                  string           `json:"id" yaml:"id"`
	TenantID            string           `json:"tenant_id" yaml:"tenant_id"`
	Name                string           `json:"name" yaml:"name"`
	Description         string           `json:"description,omitempty" yaml:"description,omitempty"`
	Status              PolicyStatus     `json:"status" yaml:"status"`
	Priority            int              `json:"priority" yaml:"priority"`
	Rules               []PolicyRule     `json:"rules" yaml:"rules"`
	TargetPrincipals    TargetPrincipals `json:"target_principals,omitempty" yaml:"target_principals,omitempty"`
	TargetOrganizations []string         `json:"target_organizations,omitempty" yaml:"target_organizations,omitempty"`
	IsSystem            bool             `json:"is_system,omitempty" yaml:"is_system,omitempty"`
	Version             int              `json:"version,omitempty" yaml:"version,omitempty"`
	CreatedAt           time.Time        `json:"created_at,omitempty" yaml:"created_at,omitempty"`
	UpdatedAt           time.Time        `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
	DeletedAt           *time.Time       `json:"deleted_at,omitempty" yaml:"deleted_at,omitempty"`
}

// Evaluable reports whether the policy may enter a candidate set.
func (p *Policy) Evaluable() bool {
	return p != nil && p.Status == PolicyStatusActive && p.DeletedAt == nil
}

// Checksum returns a deterministic hash of the policy's semantic content,
// used for bundle signing and drift detection.
func (p *Policy) Checksum() string {
	data, _ := json.Marshal(struct {
		TenantID            string           `json:"tenant_id"`
		Status              PolicyStatus     `json:"status"`
		Priority            int              `json:"priority"`
		Rules               []PolicyRule     `json:"rules"`
		TargetPrincipals    TargetPrincipals `json:"target_principals"`
		TargetOrganizations []string         `json:"target_organizations"`
		IsSystem            bool             `json:"is_system"`
	}{
		TenantID:            p.TenantID,
		Status:              p.Status,
		Priority:            p.Priority,
		Rules:               p.Rules,
		TargetPrincipals:    p.TargetPrincipals,
		TargetOrganizations: p.TargetOrganizations,
		IsSystem:            p.IsSystem,
	})
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// ============================================================================
// REQUEST / DECISION
// ============================================================================

// SubjectAttributes describes the principal making a request.
type SubjectAttributes struct {
	UserID          string               `json:"user_id"`
	TenantID        string               `json:"tenant_id"`
	UserType        UserType             `json:"user_type,omitempty"`
	RoleIDs         []string             `json:"role_ids,omitempty"`
	OrganizationIDs []string             `json:"organization_ids,omitempty"`
	Permissions     *ResolvedPermissions `json:"permissions,omitempty"`
	MFAVerified     bool                 `json:"mfa_verified,omitempty"`
	Metadata        map[string]any       `json:"metadata,omitempty"`
}

// ActionAttributes describes what the subject wants to do.
type ActionAttributes struct {
	Name         string         `json:"name"`
	ResourceType string         `json:"resource_type,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// ResourceAttributes describes the target of the request. Empty scalar
// fields are treated as undeclared by the condition evaluator.
type ResourceAttributes struct {
	Type           string         `json:"type"`
	ID             string         `json:"id,omitempty"`
	TenantID       string         `json:"tenant_id,omitempty"`
	OrganizationID string         `json:"organization_id,omitempty"`
	OwnerID        string         `json:"owner_id,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// ContextAttributes carries request environment data.
type ContextAttributes struct {
	IP        string         `json:"ip,omitempty"`
	UserAgent string         `json:"user_agent,omitempty"`
	Timestamp time.Time      `json:"timestamp,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// AuthorizationRequest is the per-call input to Evaluate: four attribute
// bags conditions can reference by source.
type AuthorizationRequest struct {
	Subject  SubjectAttributes  `json:"subject"`
	Action   ActionAttributes   `json:"action"`
	Resource ResourceAttributes `json:"resource"`
	Context  ContextAttributes  `json:"context"`
}

// PolicyTrace records how one candidate policy fared during an evaluation.
type PolicyTrace struct {
	PolicyID   string        `json:"policy_id"`
	PolicyName string        `json:"policy_name,omitempty"`
	Priority   int           `json:"priority"`
	IsSystem   bool          `json:"is_system,omitempty"`
	Matched    bool          `json:"matched"`
	Effect     Effect        `json:"effect,omitempty"`
	RuleIndex  int           `json:"rule_index"`
	Elapsed    time.Duration `json:"elapsed"`
}

// AuthorizationDecision is the outcome of an evaluation. Trace always lists
// every policy the engine considered, in evaluation order, regardless of the
// outcome. Reason is for internal audit only and must not be surfaced to end
// users.
type AuthorizationDecision struct {
	Allowed           bool          `json:"allowed"`
	Reason            string        `json:"reason"`
	DecidingPolicyID  string        `json:"deciding_policy_id,omitempty"`
	DecidingRuleIndex int           `json:"deciding_rule_index"`
	Trace             []PolicyTrace `json:"trace"`
	EvaluatedAt       time.Time     `json:"evaluated_at"`
	Elapsed           time.Duration `json:"elapsed"`
}

// ============================================================================
// STORAGE INTERFACES
// ============================================================================

// RoleStore provides role persistence. GetRolesByIDs returns roles in
// arbitrary order; ids that do not exist are simply absent from the result.
type RoleStore interface {
	CreateRole(ctx context.Context, r *Role) error
	UpdateRole(ctx context.Context, r *Role) error
	DeleteRole(ctx context.Context, id string) error
	GetRole(ctx context.Context, id string) (*Role, error)
	GetRolesByIDs(ctx context.Context, tenantID string, ids []string) ([]*Role, error)
	ListRoles(ctx context.Context, tenantID string) ([]*Role, error)
}

// PolicyStore provides policy persistence. ListPolicies must preserve
// creation order so evaluation tie-breaking stays deterministic.
type PolicyStore interface {
	CreatePolicy(ctx context.Context, p *Policy) error
	UpdatePolicy(ctx context.Context, p *Policy) error
	DeletePolicy(ctx context.Context, id string) error
	GetPolicy(ctx context.Context, id string) (*Policy, error)
	ListPolicies(ctx context.Context, tenantID string) ([]*Policy, error)
	GetPolicyHistory(ctx context.Context, id string) ([]*Policy, error)
}

// AssignmentStore persists user-role assignments. Expired assignments are
// returned as stored; filtering is the resolver's job.
type AssignmentStore interface {
	ListAssignments(ctx context.Context, tenantID, userID string) ([]UserRoleAssignment, error)
	AssignRole(ctx context.Context, tenantID, userID string, a UserRoleAssignment) error
	RevokeRole(ctx context.Context, tenantID, userID, roleID, orgID string) error
}
