package stores

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rentora/authz"
)

// MemoryPolicyStore keeps policies in-process, for tests, demos and
// single-node deployments. ListPolicies returns policies in creation order,
// which the engine relies on to break priority ties deterministically.
// Re-creating an existing id overwrites it in place without changing its
// position.
type MemoryPolicyStore struct {
	mu        sync.RWMutex
	policies  map[string]*authz.Policy
	order     []string
	histories map[string][]*authz.Policy
}

func NewMemoryPolicyStore() *MemoryPolicyStore {
	return &MemoryPolicyStore{
		policies:  make(map[string]*authz.Policy),
		histories: make(map[string][]*authz.Policy),
	}
}

func (s *MemoryPolicyStore) CreatePolicy(ctx context.Context, p *authz.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.policies[p.ID]; !exists {
		s.order = append(s.order, p.ID)
	}
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	s.policies[p.ID] = p
	return nil
}

func (s *MemoryPolicyStore) UpdatePolicy(ctx context.Context, p *authz.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.policies[p.ID]
	if !ok {
		return fmt.Errorf("policy not found: %s", p.ID)
	}
	snapshot := *old
	s.histories[p.ID] = append(s.histories[p.ID], &snapshot)
	p.Version = old.Version + 1
	p.CreatedAt = old.CreatedAt
	p.UpdatedAt = time.Now()
	s.policies[p.ID] = p
	return nil
}

func (s *MemoryPolicyStore) DeletePolicy(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.policies[id]; !ok {
		return nil
	}
	delete(s.policies, id)
	for i, pid := range s.order {
		if pid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryPolicyStore) GetPolicy(ctx context.Context, id string) (*authz.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[id]
	if !ok {
		return nil, fmt.Errorf("policy not found: %s", id)
	}
	cop := *p
	return &cop, nil
}

// ListPolicies returns the tenant's policies plus tenant-shared ones
// (empty tenant id on the policy), in creation order.
func (s *MemoryPolicyStore) ListPolicies(ctx context.Context, tenantID string) ([]*authz.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*authz.Policy, 0, len(s.order))
	for _, id := range s.order {
		p := s.policies[id]
		if tenantID == "" || p.TenantID == tenantID || p.TenantID == "" {
			result = append(result, p)
		}
	}
	return result, nil
}

func (s *MemoryPolicyStore) GetPolicyHistory(ctx context.Context, id string) ([]*authz.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.histories[id]
	if !ok {
		return nil, fmt.Errorf("no history for policy %s", id)
	}
	out := make([]*authz.Policy, len(h))
	copy(out, h)
	return out, nil
}

// MemoryRoleStore keeps roles in-process.
type MemoryRoleStore struct {
	mu    sync.RWMutex
	roles map[string]*authz.Role
}

func NewMemoryRoleStore() *MemoryRoleStore {
	return &MemoryRoleStore{roles: make(map[string]*authz.Role)}
}

func (s *MemoryRoleStore) CreateRole(ctx context.Context, r *authz.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.CreatedAt = time.Now()
	r.UpdatedAt = r.CreatedAt
	s.roles[r.ID] = r
	return nil
}

func (s *MemoryRoleStore) UpdateRole(ctx context.Context, r *authz.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[r.ID]; !ok {
		return fmt.Errorf("role not found: %s", r.ID)
	}
	r.UpdatedAt = time.Now()
	s.roles[r.ID] = r
	return nil
}

func (s *MemoryRoleStore) DeleteRole(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.roles, id)
	return nil
}

func (s *MemoryRoleStore) GetRole(ctx context.Context, id string) (*authz.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roles[id]
	if !ok {
		return nil, fmt.Errorf("role not found: %s", id)
	}
	cop := *r
	return &cop, nil
}

// GetRolesByIDs returns the roles visible to the tenant among ids. Unknown
// ids are skipped, not errors: the resolver treats them as dangling
// references.
func (s *MemoryRoleStore) GetRolesByIDs(ctx context.Context, tenantID string, ids []string) ([]*authz.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*authz.Role, 0, len(ids))
	for _, id := range ids {
		r, ok := s.roles[id]
		if !ok {
			continue
		}
		if r.TenantID != "" && tenantID != "" && r.TenantID != tenantID {
			continue
		}
		result = append(result, r)
	}
	return result, nil
}

func (s *MemoryRoleStore) ListRoles(ctx context.Context, tenantID string) ([]*authz.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*authz.Role, 0)
	for _, r := range s.roles {
		if tenantID == "" || r.TenantID == tenantID || r.TenantID == "" {
			result = append(result, r)
		}
	}
	return result, nil
}

// MemoryAssignmentStore keeps user-role assignments in-process, keyed by
// tenant and user.
type MemoryAssignmentStore struct {
	mu          sync.RWMutex
	assignments map[string][]authz.UserRoleAssignment
}

func NewMemoryAssignmentStore() *MemoryAssignmentStore {
	return &MemoryAssignmentStore{assignments: make(map[string][]authz.UserRoleAssignment)}
}

func assignmentKey(tenantID, userID string) string { return tenantID + ":" + userID }

func (s *MemoryAssignmentStore) ListAssignments(ctx context.Context, tenantID, userID string) ([]authz.UserRoleAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	current := s.assignments[assignmentKey(tenantID, userID)]
	out := make([]authz.UserRoleAssignment, len(current))
	copy(out, current)
	return out, nil
}

// AssignRole stores the assignment; assigning the same role in the same
// organization again replaces the earlier record.
func (s *MemoryAssignmentStore) AssignRole(ctx context.Context, tenantID, userID string, a authz.UserRoleAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.AssignedAt.IsZero() {
		a.AssignedAt = time.Now()
	}
	key := assignmentKey(tenantID, userID)
	current := s.assignments[key]
	for i, existing := range current {
		if existing.RoleID == a.RoleID && existing.OrganizationID == a.OrganizationID {
			current[i] = a
			return nil
		}
	}
	s.assignments[key] = append(current, a)
	return nil
}

func (s *MemoryAssignmentStore) RevokeRole(ctx context.Context, tenantID, userID, roleID, orgID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := assignmentKey(tenantID, userID)
	current := s.assignments[key]
	kept := current[:0]
	for _, a := range current {
		if a.RoleID == roleID && a.OrganizationID == orgID {
			continue
		}
		kept = append(kept, a)
	}
	s.assignments[key] = kept
	return nil
}

// AuditFilter narrows audit queries. Zero fields match everything.
type AuditFilter struct {
	TenantID string
	UserID   string
	Action   string
	Allowed  *bool
	Since    time.Time
	Until    time.Time
	Limit    int
}

func (f AuditFilter) matches(entry *authz.AuditEntry) bool {
	if f.TenantID != "" && entry.TenantID != f.TenantID {
		return false
	}
	if f.UserID != "" && entry.Request.Subject.UserID != f.UserID {
		return false
	}
	if f.Action != "" && entry.Request.Action.Name != f.Action {
		return false
	}
	if f.Allowed != nil && entry.Decision.Allowed != *f.Allowed {
		return false
	}
	if !f.Since.IsZero() && entry.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && entry.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// MemoryAuditSink collects decision records in memory.
type MemoryAuditSink struct {
	mu      sync.RWMutex
	entries []*authz.AuditEntry
}

func NewMemoryAuditSink() *MemoryAuditSink {
	return &MemoryAuditSink{entries: make([]*authz.AuditEntry, 0)}
}

func (s *MemoryAuditSink) Write(ctx context.Context, entry *authz.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

func (s *MemoryAuditSink) Query(ctx context.Context, filter AuditFilter) ([]*authz.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*authz.AuditEntry, 0)
	for _, entry := range s.entries {
		if !filter.matches(entry) {
			continue
		}
		result = append(result, entry)
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}

// Len reports how many entries have been written, for tests that wait on
// the async audit pipeline.
func (s *MemoryAuditSink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
