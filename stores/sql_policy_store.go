package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/rentora/authz"
)

// SQLPolicyStore persists policies through squealx. Rules and targeting are
// JSON columns; every update appends the previous version to policy_history
// so changes stay auditable.
type SQLPolicyStore struct {
	db *squealx.DB
}

func NewSQLPolicyStore(db *squealx.DB) *SQLPolicyStore {
	return &SQLPolicyStore{db: db}
}

const policyColumns = `id, tenant_id, name, description, status, priority, rules_json, target_principals_json, target_organizations_json, is_system, version, created_at, updated_at, deleted_at`

func policyParams(p *authz.Policy) map[string]any {
	rules, _ := json.Marshal(p.Rules)
	principals, _ := json.Marshal(p.TargetPrincipals)
	orgs, _ := json.Marshal(p.TargetOrganizations)
	return map[string]any{
		"id":                        p.ID,
		"tenant_id":                 p.TenantID,
		"name":                      p.Name,
		"description":               p.Description,
		"status":                    string(p.Status),
		"priority":                  p.Priority,
		"rules_json":                string(rules),
		"target_principals_json":    string(principals),
		"target_organizations_json": string(orgs),
		"is_system":                 boolToInt(p.IsSystem),
		"version":                   p.Version,
		"created_at":                p.CreatedAt,
		"updated_at":                p.UpdatedAt,
		"deleted_at":                sqlNullTimeOrNil(p.DeletedAt),
	}
}

func (s *SQLPolicyStore) CreatePolicy(ctx context.Context, p *authz.Policy) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	p.UpdatedAt = p.CreatedAt
	q := `INSERT INTO policies(` + policyColumns + `)
	      VALUES(:id, :tenant_id, :name, :description, :status, :priority, :rules_json, :target_principals_json, :target_organizations_json, :is_system, :version, :created_at, :updated_at, :deleted_at)`
	_, err := s.db.NamedExecContext(ctx, q, policyParams(p))
	return err
}

func (s *SQLPolicyStore) UpdatePolicy(ctx context.Context, p *authz.Policy) error {
	old, err := s.GetPolicy(ctx, p.ID)
	if err != nil {
		return err
	}
	if err := s.insertPolicyHistory(ctx, old); err != nil {
		return err
	}
	p.Version = old.Version + 1
	p.CreatedAt = old.CreatedAt
	p.UpdatedAt = time.Now()
	q := `UPDATE policies SET tenant_id=:tenant_id, name=:name, description=:description, status=:status, priority=:priority, rules_json=:rules_json, target_principals_json=:target_principals_json, target_organizations_json=:target_organizations_json, is_system=:is_system, version=:version, updated_at=:updated_at, deleted_at=:deleted_at WHERE id=:id`
	_, err = s.db.NamedExecContext(ctx, q, policyParams(p))
	return err
}

// DeletePolicy removes the row; its history rows are kept for audit.
func (s *SQLPolicyStore) DeletePolicy(ctx context.Context, id string) error {
	q := `DELETE FROM policies WHERE id = :id`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"id": id})
	return err
}

func (s *SQLPolicyStore) GetPolicy(ctx context.Context, id string) (*authz.Policy, error) {
	q := `SELECT ` + policyColumns + ` FROM policies WHERE id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, fmt.Errorf("policy not found: %s", id)
	}
	return scanPolicy(r)
}

// ListPolicies returns the tenant's policies plus tenant-shared ones,
// ordered by creation time so equal-priority ties stay deterministic.
func (s *SQLPolicyStore) ListPolicies(ctx context.Context, tenantID string) ([]*authz.Policy, error) {
	q := `SELECT ` + policyColumns + ` FROM policies WHERE tenant_id = :tenant_id OR tenant_id = '' ORDER BY created_at ASC, id ASC`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"tenant_id": tenantID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*authz.Policy, 0)
	for r.Next() {
		p, err := scanPolicy(r)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *SQLPolicyStore) insertPolicyHistory(ctx context.Context, p *authz.Policy) error {
	snapshot, err := json.Marshal(p)
	if err != nil {
		return err
	}
	q := `INSERT INTO policy_history(policy_id, snapshot_json) VALUES(:policy_id, :snapshot_json)`
	_, err = s.db.NamedExecContext(ctx, q, map[string]any{"policy_id": p.ID, "snapshot_json": string(snapshot)})
	return err
}

// GetPolicyHistory returns prior versions, oldest first.
func (s *SQLPolicyStore) GetPolicyHistory(ctx context.Context, id string) ([]*authz.Policy, error) {
	q := `SELECT snapshot_json FROM policy_history WHERE policy_id = :policy_id ORDER BY id ASC`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"policy_id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*authz.Policy, 0)
	for r.Next() {
		var snapshot string
		if err := r.Scan(&snapshot); err != nil {
			return nil, err
		}
		p := &authz.Policy{}
		if err := json.Unmarshal([]byte(snapshot), p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no history for policy %s", id)
	}
	return out, nil
}

func scanPolicy(r rowScanner) (*authz.Policy, error) {
	var id, tenant, name, description, status, rulesJSON, principalsJSON, orgsJSON string
	var priority, isSystem, version int
	var createdRaw, updatedRaw, deletedRaw interface{}
	if err := r.Scan(&id, &tenant, &name, &description, &status, &priority, &rulesJSON, &principalsJSON, &orgsJSON, &isSystem, &version, &createdRaw, &updatedRaw, &deletedRaw); err != nil {
		return nil, err
	}
	p := &authz.Policy{
		ID:          id,
		TenantID:    tenant,
		Name:        name,
		Description: description,
		Status:      authz.PolicyStatus(status),
		Priority:    priority,
		IsSystem:    isSystem != 0,
		Version:     version,
		CreatedAt:   scanTime(createdRaw),
		UpdatedAt:   scanTime(updatedRaw),
		DeletedAt:   scanTimePtr(deletedRaw),
	}
	_ = json.Unmarshal([]byte(rulesJSON), &p.Rules)
	_ = json.Unmarshal([]byte(principalsJSON), &p.TargetPrincipals)
	_ = json.Unmarshal([]byte(orgsJSON), &p.TargetOrganizations)
	return p, nil
}
