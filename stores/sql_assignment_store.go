package stores

import (
	"context"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/rentora/authz"
)

// SQLAssignmentStore persists user-role assignments through squealx. One
// row per (tenant, user, role, organization); re-assigning replaces the row.
type SQLAssignmentStore struct {
	db *squealx.DB
}

func NewSQLAssignmentStore(db *squealx.DB) *SQLAssignmentStore {
	return &SQLAssignmentStore{db: db}
}

func (s *SQLAssignmentStore) ListAssignments(ctx context.Context, tenantID, userID string) ([]authz.UserRoleAssignment, error) {
	q := `SELECT role_id, organization_id, assigned_at, assigned_by, expires_at FROM user_role_assignments WHERE tenant_id = :tenant_id AND user_id = :user_id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"tenant_id": tenantID, "user_id": userID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]authz.UserRoleAssignment, 0)
	for r.Next() {
		var roleID, orgID, assignedBy string
		var assignedRaw, expiresRaw interface{}
		if err := r.Scan(&roleID, &orgID, &assignedRaw, &assignedBy, &expiresRaw); err != nil {
			return nil, err
		}
		out = append(out, authz.UserRoleAssignment{
			RoleID:         roleID,
			OrganizationID: orgID,
			AssignedAt:     scanTime(assignedRaw),
			AssignedBy:     assignedBy,
			ExpiresAt:      scanTimePtr(expiresRaw),
		})
	}
	return out, nil
}

func (s *SQLAssignmentStore) AssignRole(ctx context.Context, tenantID, userID string, a authz.UserRoleAssignment) error {
	if a.AssignedAt.IsZero() {
		a.AssignedAt = time.Now()
	}
	if err := s.RevokeRole(ctx, tenantID, userID, a.RoleID, a.OrganizationID); err != nil {
		return err
	}
	q := `INSERT INTO user_role_assignments(tenant_id, user_id, role_id, organization_id, assigned_at, assigned_by, expires_at)
	      VALUES(:tenant_id, :user_id, :role_id, :organization_id, :assigned_at, :assigned_by, :expires_at)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"tenant_id":       tenantID,
		"user_id":         userID,
		"role_id":         a.RoleID,
		"organization_id": a.OrganizationID,
		"assigned_at":     a.AssignedAt,
		"assigned_by":     a.AssignedBy,
		"expires_at":      sqlNullTimeOrNil(a.ExpiresAt),
	})
	return err
}

func (s *SQLAssignmentStore) RevokeRole(ctx context.Context, tenantID, userID, roleID, orgID string) error {
	q := `DELETE FROM user_role_assignments WHERE tenant_id = :tenant_id AND user_id = :user_id AND role_id = :role_id AND organization_id = :organization_id`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"tenant_id":       tenantID,
		"user_id":         userID,
		"role_id":         roleID,
		"organization_id": orgID,
	})
	return err
}
