package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rentora/authz"
)

// RedisAssignmentStore keeps role assignments in one Redis hash per user
// (key: assign:{tenantID}:{userID}, field: {roleID}/{orgID}, value: JSON).
// Useful when several nodes must see assignment changes without a shared
// SQL database.
type RedisAssignmentStore struct {
	client *redis.Client
	keyFmt string
}

func NewRedisAssignmentStore(client *redis.Client) *RedisAssignmentStore {
	return &RedisAssignmentStore{client: client, keyFmt: "assign:%s:%s"}
}

func (r *RedisAssignmentStore) key(tenantID, userID string) string {
	return fmt.Sprintf(r.keyFmt, tenantID, userID)
}

func assignmentField(roleID, orgID string) string {
	return roleID + "/" + orgID
}

func (r *RedisAssignmentStore) ListAssignments(ctx context.Context, tenantID, userID string) ([]authz.UserRoleAssignment, error) {
	fields, err := r.client.HGetAll(ctx, r.key(tenantID, userID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]authz.UserRoleAssignment, 0, len(fields))
	for _, raw := range fields {
		var a authz.UserRoleAssignment
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (r *RedisAssignmentStore) AssignRole(ctx context.Context, tenantID, userID string, a authz.UserRoleAssignment) error {
	if a.AssignedAt.IsZero() {
		a.AssignedAt = time.Now()
	}
	raw, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return r.client.HSet(ctx, r.key(tenantID, userID), assignmentField(a.RoleID, a.OrganizationID), raw).Err()
}

func (r *RedisAssignmentStore) RevokeRole(ctx context.Context, tenantID, userID, roleID, orgID string) error {
	return r.client.HDel(ctx, r.key(tenantID, userID), assignmentField(roleID, orgID)).Err()
}
