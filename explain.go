package authz

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ExplainRequest is the compact form accepted by admin tooling: enough to
// build a full authorization request without hand-assembling every
// attribute bag. Resource uses "type" or "type:id" notation.
type ExplainRequest struct {
	Tenant   string   `json:"tenant"`
	UserID   string   `json:"user_id"`
	UserType string   `json:"user_type,omitempty"`
	RoleIDs  []string `json:"role_ids,omitempty"`
	OrgIDs   []string `json:"org_ids,omitempty"`
	Action   string   `json:"action"`
	Resource string   `json:"resource"`
	OwnerID  string   `json:"owner_id,omitempty"`
	OrgID    string   `json:"org_id,omitempty"`
	IP       string   `json:"ip,omitempty"`
}

// Explanation pairs a decision with a human-readable account of the walk.
type Explanation struct {
	Decision *AuthorizationDecision `json:"decision"`
	Lines    []string               `json:"lines"`
}

// Explain evaluates the request and renders the policy walk line by line.
// The output is for operators and debugging, never for end-user responses.
func (e *Engine) Explain(ctx context.Context, req *AuthorizationRequest) (*Explanation, error) {
	decision, err := e.Evaluate(ctx, req)
	if err != nil {
		return nil, err
	}
	return &Explanation{Decision: decision, Lines: FormatTrace(decision)}, nil
}

// ExplainCompact expands a compact request and explains it.
func (e *Engine) ExplainCompact(ctx context.Context, q *ExplainRequest) (*Explanation, error) {
	req := q.Expand()
	return e.Explain(ctx, req)
}

// Expand builds a full authorization request from the compact form.
func (q *ExplainRequest) Expand() *AuthorizationRequest {
	rType := q.Resource
	rID := ""
	if idx := strings.Index(q.Resource, ":"); idx != -1 {
		rType = q.Resource[:idx]
		rID = q.Resource[idx+1:]
	}
	userType := UserType(q.UserType)
	return &AuthorizationRequest{
		Subject: SubjectAttributes{
			UserID:          q.UserID,
			TenantID:        q.Tenant,
			UserType:        userType,
			RoleIDs:         q.RoleIDs,
			OrganizationIDs: q.OrgIDs,
		},
		Action: ActionAttributes{Name: q.Action, ResourceType: rType},
		Resource: ResourceAttributes{
			Type:           rType,
			ID:             rID,
			TenantID:       q.Tenant,
			OwnerID:        q.OwnerID,
			OrganizationID: q.OrgID,
		},
		Context: ContextAttributes{IP: q.IP, Timestamp: time.Now()},
	}
}

// FormatTrace renders each visited policy on one line, ending with the
// verdict.
func FormatTrace(d *AuthorizationDecision) []string {
	lines := make([]string, 0, len(d.Trace)+1)
	for i, t := range d.Trace {
		line := fmt.Sprintf("[%d] policy=%s priority=%d", i+1, t.PolicyID, t.Priority)
		if t.IsSystem {
			line += " system"
		}
		if t.Matched {
			line += fmt.Sprintf(" matched rule=%d effect=%s", t.RuleIndex, t.Effect)
		} else {
			line += " no match"
		}
		lines = append(lines, line)
	}
	verdict := "DENY"
	if d.Allowed {
		verdict = "ALLOW"
	}
	lines = append(lines, fmt.Sprintf("verdict=%s reason=%q", verdict, d.Reason))
	return lines
}
