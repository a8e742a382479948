package authz

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rentora/authz/logger"
)

const (
	// DefaultPermissionTTL bounds how stale a cached permission set may be
	// after a role-assignment change.
	DefaultPermissionTTL = 60 * time.Second

	// DefaultMaxInheritanceDepth bounds how many inheritance edges the
	// resolver follows from a directly assigned role.
	DefaultMaxInheritanceDepth = 5
)

// PermissionResolver computes the flattened permission view of a user from
// role assignments, resolving inheritance and aggregating per-organization
// scopes. Results are cached under "tenant:user" with a TTL; concurrent
// resolves for the same user are independent and idempotent, so a cache race
// just stores one of two equivalent results.
type PermissionResolver struct {
	roles       RoleStore
	assignments AssignmentStore
	cache       PermissionCache
	ttl         time.Duration
	maxDepth    int
	log         logger.Logger
	metrics     *Metrics
}

// ResolverOption configures a PermissionResolver.
type ResolverOption func(*PermissionResolver)

// WithResolverCache replaces the default in-memory permission cache.
func WithResolverCache(cache PermissionCache) ResolverOption {
	return func(r *PermissionResolver) {
		if cache != nil {
			r.cache = cache
		}
	}
}

// WithPermissionTTL sets the cache TTL for resolved permission sets.
func WithPermissionTTL(ttl time.Duration) ResolverOption {
	return func(r *PermissionResolver) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithMaxInheritanceDepth bounds inheritance traversal.
func WithMaxInheritanceDepth(depth int) ResolverOption {
	return func(r *PermissionResolver) {
		if depth > 0 {
			r.maxDepth = depth
		}
	}
}

// WithAssignmentStore lets the resolver load assignments itself (see
// ResolveUserByID).
func WithAssignmentStore(store AssignmentStore) ResolverOption {
	return func(r *PermissionResolver) { r.assignments = store }
}

// WithResolverLogger sets the resolver's logger.
func WithResolverLogger(log logger.Logger) ResolverOption {
	return func(r *PermissionResolver) {
		if log != nil {
			r.log = log
		}
	}
}

// WithResolverMetrics attaches metrics collectors.
func WithResolverMetrics(m *Metrics) ResolverOption {
	return func(r *PermissionResolver) { r.metrics = m }
}

// storeFailure counts the outage and wraps err as a StoreError.
func (r *PermissionResolver) storeFailure(store, op string, err error) error {
	r.metrics.storeError()
	return storeErr(store, op, err)
}

// NewPermissionResolver builds a resolver over the given role store.
func NewPermissionResolver(roles RoleStore, opts ...ResolverOption) *PermissionResolver {
	r := &PermissionResolver{
		roles:    roles,
		cache:    NewMemoryPermissionCache(),
		ttl:      DefaultPermissionTTL,
		maxDepth: DefaultMaxInheritanceDepth,
		log:      logger.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolvePermissions returns the user's effective permissions, from cache
// when fresh. Dangling role references are skipped silently; store failures
// propagate and never degrade into an empty (or full) permission set.
func (r *PermissionResolver) ResolvePermissions(ctx context.Context, user *User) (*ResolvedPermissions, error) {
	if user == nil || user.ID == "" {
		return nil, fmt.Errorf("authz: user is required")
	}
	key := PermissionCacheKey(user.TenantID, user.ID)
	if cached, ok := r.cache.Get(ctx, key); ok {
		r.metrics.permissionCacheHit()
		return cached, nil
	}
	r.metrics.permissionCacheMiss()

	start := time.Now()
	resolved, err := r.resolve(ctx, user)
	if err != nil {
		return nil, err
	}
	r.metrics.observeResolve(time.Since(start))
	r.cache.Set(ctx, key, resolved, r.ttl)
	r.log.Debug("permissions resolved",
		"tenant", user.TenantID,
		"user", user.ID,
		"permissions", len(resolved.Permissions),
		"roles", len(resolved.RoleIDs),
	)
	return resolved, nil
}

func (r *PermissionResolver) resolve(ctx context.Context, user *User) (*ResolvedPermissions, error) {
	now := time.Now()
	active := make([]UserRoleAssignment, 0, len(user.Assignments))
	directIDs := make([]string, 0, len(user.Assignments))
	seenDirect := make(map[string]bool, len(user.Assignments))
	for _, a := range user.Assignments {
		if a.Expired(now) {
			continue
		}
		active = append(active, a)
		if !seenDirect[a.RoleID] {
			seenDirect[a.RoleID] = true
			directIDs = append(directIDs, a.RoleID)
		}
	}

	roleMap, err := r.fetchRoleClosure(ctx, user.TenantID, directIDs)
	if err != nil {
		return nil, err
	}

	resolved := &ResolvedPermissions{
		UserID:         user.ID,
		TenantID:       user.TenantID,
		Permissions:    make(PermissionSet),
		OrgPermissions: make(map[string]PermissionSet),
		ResolvedAt:     now,
	}

	contributed := make(map[string]bool)
	havePriority := false
	for _, a := range active {
		role, ok := roleMap[a.RoleID]
		if !ok {
			// dangling reference: the role was deleted out from under the
			// assignment
			continue
		}
		perms, visited := r.expandRole(role, roleMap)
		for _, id := range visited {
			if !contributed[id] {
				contributed[id] = true
				resolved.RoleIDs = append(resolved.RoleIDs, id)
			}
		}
		orgSet, ok := resolved.OrgPermissions[a.OrganizationID]
		if !ok {
			orgSet = make(PermissionSet)
			resolved.OrgPermissions[a.OrganizationID] = orgSet
		}
		for p := range perms {
			resolved.Permissions.Add(p)
			orgSet.Add(p)
		}
		// max priority counts directly assigned roles only, not inherited
		if !havePriority || role.Priority > resolved.MaxPriority {
			resolved.MaxPriority = role.Priority
			havePriority = true
		}
	}

	for id := range contributed {
		if roleMap[id].IsAdmin {
			resolved.IsAdmin = true
			break
		}
	}
	return resolved, nil
}

// fetchRoleClosure batch-loads the directly assigned roles, then walks
// inheritance level by level up to maxDepth. Ids already loaded are never
// requested again, so cyclic inheritance converges instead of looping.
func (r *PermissionResolver) fetchRoleClosure(ctx context.Context, tenantID string, directIDs []string) (map[string]*Role, error) {
	roleMap := make(map[string]*Role, len(directIDs))
	pending := directIDs
	for depth := 0; depth <= r.maxDepth && len(pending) > 0; depth++ {
		roles, err := r.roles.GetRolesByIDs(ctx, tenantID, pending)
		if err != nil {
			return nil, r.storeFailure("role", "get_roles_by_ids", err)
		}
		requested := make(map[string]bool, len(pending))
		for _, id := range pending {
			requested[id] = true
		}
		var next []string
		nextSeen := make(map[string]bool)
		for _, role := range roles {
			roleMap[role.ID] = role
			for _, parentID := range role.InheritsFrom {
				if _, have := roleMap[parentID]; have {
					continue
				}
				if nextSeen[parentID] || requested[parentID] {
					continue
				}
				nextSeen[parentID] = true
				next = append(next, parentID)
			}
		}
		pending = next
	}
	return roleMap, nil
}

// expandRole unions the role's permissions with those of every ancestor
// reachable within maxDepth edges, breadth-first. The visited map makes a
// role that inherits itself, directly or transitively, stop contributing
// once seen.
func (r *PermissionResolver) expandRole(role *Role, roleMap map[string]*Role) (PermissionSet, []string) {
	perms := make(PermissionSet)
	visited := map[string]bool{role.ID: true}
	order := []string{role.ID}
	frontier := []*Role{role}
	for _, p := range role.Permissions {
		perms.Add(p)
	}
	for depth := 0; depth < r.maxDepth && len(frontier) > 0; depth++ {
		var next []*Role
		for _, cur := range frontier {
			for _, parentID := range cur.InheritsFrom {
				if visited[parentID] {
					continue
				}
				visited[parentID] = true
				parent, ok := roleMap[parentID]
				if !ok {
					continue
				}
				order = append(order, parentID)
				for _, p := range parent.Permissions {
					perms.Add(p)
				}
				next = append(next, parent)
			}
		}
		frontier = next
	}
	return perms, order
}

// HasPermission reports whether the user holds the required permission in
// any scope.
func (r *PermissionResolver) HasPermission(ctx context.Context, user *User, required string) (bool, error) {
	resolved, err := r.ResolvePermissions(ctx, user)
	if err != nil {
		return false, err
	}
	return resolved.HasPermission(required), nil
}

// HasPermissionInOrg reports whether the user holds the required permission
// inside the given organization (or tenant-wide).
func (r *PermissionResolver) HasPermissionInOrg(ctx context.Context, user *User, required, orgID string) (bool, error) {
	resolved, err := r.ResolvePermissions(ctx, user)
	if err != nil {
		return false, err
	}
	return resolved.HasPermissionInOrg(required, orgID), nil
}

// InvalidateUser drops the user's cached permission set, forcing a
// recomputation on the next resolve. Callers invoke it whenever a user's
// assignments change.
func (r *PermissionResolver) InvalidateUser(ctx context.Context, userID, tenantID string) {
	r.cache.Delete(ctx, PermissionCacheKey(tenantID, userID))
}

// ResolveUserByID loads the user's assignments from the configured
// assignment store and resolves them. The user type is not needed for
// permission resolution, only for policy targeting.
func (r *PermissionResolver) ResolveUserByID(ctx context.Context, tenantID, userID string) (*ResolvedPermissions, error) {
	if r.assignments == nil {
		return nil, ErrNoAssignmentStore
	}
	key := PermissionCacheKey(tenantID, userID)
	if cached, ok := r.cache.Get(ctx, key); ok {
		r.metrics.permissionCacheHit()
		return cached, nil
	}
	assignments, err := r.assignments.ListAssignments(ctx, tenantID, userID)
	if err != nil {
		return nil, r.storeFailure("assignment", "list_assignments", err)
	}
	return r.ResolvePermissions(ctx, &User{ID: userID, TenantID: tenantID, Assignments: assignments})
}

// ============================================================================
// PERMISSION MATCHING
// ============================================================================

// PermissionMatches reports whether a held permission satisfies a required
// one. Permissions are colon-separated scoped strings ("read:unit").
//
// The grammar:
//   - "*" and "manage" are full wildcards;
//   - exact string equality matches;
//   - segment-wise, "*" matches one segment, a trailing "*" matches any
//     remaining suffix ("read:*" grants "read:unit" and "read:unit:meter");
//   - mismatched segment counts do not match unless a trailing wildcard
//     covers the excess;
//   - "manage:<scope>" grants every action on that scope ("manage:unit"
//     grants "read:unit", "update:unit", ...).
func PermissionMatches(held, required string) bool {
	if held == "" || required == "" {
		return false
	}
	if held == "*" || held == "manage" {
		return true
	}
	if held == required {
		return true
	}
	heldSegs := strings.Split(held, ":")
	reqSegs := strings.Split(required, ":")
	if segmentsMatch(heldSegs, reqSegs) {
		return true
	}
	if heldSegs[0] == "manage" && len(heldSegs) > 1 && len(reqSegs) > 1 {
		return segmentsMatch(heldSegs[1:], reqSegs[1:])
	}
	return false
}

func segmentsMatch(held, required []string) bool {
	for i, seg := range held {
		if seg == "*" {
			if i == len(held)-1 {
				return len(required) >= len(held)
			}
			if i >= len(required) {
				return false
			}
			continue
		}
		if i >= len(required) || seg != required[i] {
			return false
		}
	}
	return len(held) == len(required)
}
