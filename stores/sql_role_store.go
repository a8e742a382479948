package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/rentora/authz"
)

// SQLRoleStore persists roles through squealx. Permission and inheritance
// lists are stored as JSON columns.
type SQLRoleStore struct {
	db *squealx.DB
}

func NewSQLRoleStore(db *squealx.DB) *SQLRoleStore {
	return &SQLRoleStore{db: db}
}

func roleParams(r *authz.Role) map[string]any {
	perms, _ := json.Marshal(r.Permissions)
	inherits, _ := json.Marshal(r.InheritsFrom)
	return map[string]any{
		"id":               r.ID,
		"tenant_id":        r.TenantID,
		"name":             r.Name,
		"permissions_json": string(perms),
		"inherits_json":    string(inherits),
		"priority":         r.Priority,
		"is_admin":         boolToInt(r.IsAdmin),
		"created_at":       r.CreatedAt,
		"updated_at":       r.UpdatedAt,
	}
}

func (s *SQLRoleStore) CreateRole(ctx context.Context, r *authz.Role) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	r.UpdatedAt = r.CreatedAt
	q := `INSERT INTO roles(id, tenant_id, name, permissions_json, inherits_json, priority, is_admin, created_at, updated_at)
	      VALUES(:id, :tenant_id, :name, :permissions_json, :inherits_json, :priority, :is_admin, :created_at, :updated_at)`
	_, err := s.db.NamedExecContext(ctx, q, roleParams(r))
	return err
}

func (s *SQLRoleStore) UpdateRole(ctx context.Context, r *authz.Role) error {
	r.UpdatedAt = time.Now()
	q := `UPDATE roles SET tenant_id=:tenant_id, name=:name, permissions_json=:permissions_json, inherits_json=:inherits_json, priority=:priority, is_admin=:is_admin, updated_at=:updated_at WHERE id=:id`
	_, err := s.db.NamedExecContext(ctx, q, roleParams(r))
	return err
}

func (s *SQLRoleStore) DeleteRole(ctx context.Context, id string) error {
	q := `DELETE FROM roles WHERE id = :id`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"id": id})
	return err
}

func (s *SQLRoleStore) GetRole(ctx context.Context, id string) (*authz.Role, error) {
	q := `SELECT id, tenant_id, name, permissions_json, inherits_json, priority, is_admin, created_at, updated_at FROM roles WHERE id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, fmt.Errorf("role not found: %s", id)
	}
	return scanRole(r)
}

// GetRolesByIDs batch-loads the requested roles in one query, scoped to the
// tenant (shared roles have an empty tenant_id). Unknown or foreign ids
// simply produce no row, so dangling inheritance references degrade
// silently; a query failure propagates instead of masquerading as a role
// without rows.
func (s *SQLRoleStore) GetRolesByIDs(ctx context.Context, tenantID string, ids []string) ([]*authz.Role, error) {
	out := make([]*authz.Role, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	q := `SELECT id, tenant_id, name, permissions_json, inherits_json, priority, is_admin, created_at, updated_at
	      FROM roles WHERE id IN (?) AND (tenant_id = ? OR tenant_id = '' OR ? = '')`
	q, args, err := squealx.In(q, ids, tenantID, tenantID)
	if err != nil {
		return nil, err
	}
	r, err := s.db.QueryxContext(ctx, s.db.Rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	for r.Next() {
		role, err := scanRole(r)
		if err != nil {
			return nil, err
		}
		out = append(out, role)
	}
	return out, r.Err()
}

func (s *SQLRoleStore) ListRoles(ctx context.Context, tenantID string) ([]*authz.Role, error) {
	q := `SELECT id, tenant_id, name, permissions_json, inherits_json, priority, is_admin, created_at, updated_at FROM roles WHERE tenant_id = :tenant_id OR tenant_id = ''`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"tenant_id": tenantID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*authz.Role, 0)
	for r.Next() {
		role, err := scanRole(r)
		if err != nil {
			return nil, err
		}
		out = append(out, role)
	}
	return out, nil
}

func scanRole(r rowScanner) (*authz.Role, error) {
	var id, tenant, name, permsJSON, inheritsJSON string
	var priority, isAdmin int
	var createdRaw, updatedRaw interface{}
	if err := r.Scan(&id, &tenant, &name, &permsJSON, &inheritsJSON, &priority, &isAdmin, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}
	role := &authz.Role{
		ID:        id,
		TenantID:  tenant,
		Name:      name,
		Priority:  priority,
		IsAdmin:   isAdmin != 0,
		CreatedAt: scanTime(createdRaw),
		UpdatedAt: scanTime(updatedRaw),
	}
	_ = json.Unmarshal([]byte(permsJSON), &role.Permissions)
	_ = json.Unmarshal([]byte(inheritsJSON), &role.InheritsFrom)
	return role, nil
}
