package stores

import (
	"context"
	"encoding/json"

	"github.com/oarkflow/squealx"

	"github.com/rentora/authz"
)

// SQLAuditStore writes decision records to the audit_log table. It is the
// durable counterpart of MemoryAuditSink and plugs into the engine through
// WithAuditSink.
type SQLAuditStore struct {
	db *squealx.DB
}

func NewSQLAuditStore(db *squealx.DB) *SQLAuditStore {
	return &SQLAuditStore{db: db}
}

func (s *SQLAuditStore) Write(ctx context.Context, entry *authz.AuditEntry) error {
	requestJSON, _ := json.Marshal(entry.Request)
	traceJSON, _ := json.Marshal(entry.Decision.Trace)
	q := `INSERT INTO audit_log(id, timestamp, tenant_id, user_id, action, resource_type, resource_id, allowed, policy_id, rule_index, reason, request_json, trace_json)
	      VALUES(:id, :timestamp, :tenant_id, :user_id, :action, :resource_type, :resource_id, :allowed, :policy_id, :rule_index, :reason, :request_json, :trace_json)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":            entry.ID,
		"timestamp":     entry.Timestamp,
		"tenant_id":     entry.TenantID,
		"user_id":       entry.Request.Subject.UserID,
		"action":        entry.Request.Action.Name,
		"resource_type": entry.Request.Resource.Type,
		"resource_id":   entry.Request.Resource.ID,
		"allowed":       boolToInt(entry.Decision.Allowed),
		"policy_id":     entry.Decision.DecidingPolicyID,
		"rule_index":    entry.Decision.DecidingRuleIndex,
		"reason":        entry.Decision.Reason,
		"request_json":  string(requestJSON),
		"trace_json":    string(traceJSON),
	})
	return err
}

// Query returns matching entries, oldest first, capped at 100 when the
// filter sets no limit.
func (s *SQLAuditStore) Query(ctx context.Context, filter AuditFilter) ([]*authz.AuditEntry, error) {
	q := `SELECT id, timestamp, tenant_id, allowed, policy_id, rule_index, reason, request_json, trace_json FROM audit_log WHERE 1=1`
	params := map[string]any{}
	if filter.TenantID != "" {
		q += " AND tenant_id = :tenant_id"
		params["tenant_id"] = filter.TenantID
	}
	if filter.UserID != "" {
		q += " AND user_id = :user_id"
		params["user_id"] = filter.UserID
	}
	if filter.Action != "" {
		q += " AND action = :action"
		params["action"] = filter.Action
	}
	if filter.Allowed != nil {
		q += " AND allowed = :allowed"
		params["allowed"] = boolToInt(*filter.Allowed)
	}
	if !filter.Since.IsZero() {
		q += " AND timestamp >= :since"
		params["since"] = filter.Since
	}
	if !filter.Until.IsZero() {
		q += " AND timestamp <= :until"
		params["until"] = filter.Until
	}
	q += " ORDER BY timestamp ASC"
	if filter.Limit > 0 {
		q += " LIMIT :limit"
		params["limit"] = filter.Limit
	} else {
		q += " LIMIT 100"
	}
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*authz.AuditEntry, 0)
	for r.Next() {
		var id, tenant, policyID, reason, requestJSON, traceJSON string
		var allowedInt, ruleIndex int
		var timestampRaw interface{}
		if err := r.Scan(&id, &timestampRaw, &tenant, &allowedInt, &policyID, &ruleIndex, &reason, &requestJSON, &traceJSON); err != nil {
			return nil, err
		}
		entry := &authz.AuditEntry{
			ID:        id,
			Timestamp: scanTime(timestampRaw),
			TenantID:  tenant,
			Request:   &authz.AuthorizationRequest{},
			Decision: &authz.AuthorizationDecision{
				Allowed:           allowedInt != 0,
				Reason:            reason,
				DecidingPolicyID:  policyID,
				DecidingRuleIndex: ruleIndex,
			},
		}
		_ = json.Unmarshal([]byte(requestJSON), entry.Request)
		_ = json.Unmarshal([]byte(traceJSON), &entry.Decision.Trace)
		out = append(out, entry)
	}
	return out, nil
}
