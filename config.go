package authz

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the declarative form of an authorization setup: roles, tenant
// policies, role assignments and engine tuning. It round-trips through
// YAML, JSON and a compact binary format.
type Config struct {
	Version     uint16             `json:"version" yaml:"version"`
	Roles       []*Role            `json:"roles,omitempty" yaml:"roles,omitempty"`
	Policies    []*Policy          `json:"policies,omitempty" yaml:"policies,omitempty"`
	Assignments []AssignmentConfig `json:"assignments,omitempty" yaml:"assignments,omitempty"`
	Engine      EngineConfig       `json:"engine,omitempty" yaml:"engine,omitempty"`
}

// AssignmentConfig grants a role to a user, optionally scoped to an
// organization and bounded in time.
type AssignmentConfig struct {
	TenantID       string     `json:"tenant_id" yaml:"tenant_id"`
	UserID         string     `json:"user_id" yaml:"user_id"`
	RoleID         string     `json:"role_id" yaml:"role_id"`
	OrganizationID string     `json:"organization_id,omitempty" yaml:"organization_id,omitempty"`
	AssignedBy     string     `json:"assigned_by,omitempty" yaml:"assigned_by,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
}

// EngineConfig tunes the runtime. Zero values leave the engine defaults
// untouched.
type EngineConfig struct {
	PermissionTTLMs      int64 `json:"permission_ttl_ms,omitempty" yaml:"permission_ttl_ms,omitempty"`
	MaxInheritanceDepth  int   `json:"max_inheritance_depth,omitempty" yaml:"max_inheritance_depth,omitempty"`
	BatchWorkerCount     int   `json:"batch_worker_count,omitempty" yaml:"batch_worker_count,omitempty"`
	RistrettoNumCounters int64 `json:"ristretto_num_counters,omitempty" yaml:"ristretto_num_counters,omitempty"`
	RistrettoMaxCost     int64 `json:"ristretto_max_cost,omitempty" yaml:"ristretto_max_cost,omitempty"`
	RistrettoBufferItems int64 `json:"ristretto_buffer_items,omitempty" yaml:"ristretto_buffer_items,omitempty"`
}

// ConfigLoader parses configuration from its supported formats.
type ConfigLoader struct{}

func NewConfigLoader() *ConfigLoader {
	return &ConfigLoader{}
}

func (l *ConfigLoader) LoadYAML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *ConfigLoader) LoadJSON(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadBinary parses the compact binary format produced by
// EncodeBinaryConfig.
func (l *ConfigLoader) LoadBinary(data []byte) (*Config, error) {
	return decodeBinaryConfig(bytes.NewReader(data))
}

// LoadFile dispatches on the file extension: .yaml/.yml, .json, or the
// binary .azc format.
func (l *ConfigLoader) LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return l.LoadYAML(data)
	case ".json":
		return l.LoadJSON(data)
	case ".azc", ".bin":
		return l.LoadBinary(data)
	default:
		return nil, fmt.Errorf("authz: unsupported config format %q", filepath.Ext(path))
	}
}

// ToYAML exports the config to YAML.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// ToJSON exports the config to indented JSON.
func (c *Config) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// Validate checks the config for duplicate ids, malformed policies and
// references to roles the config does not define.
func (c *Config) Validate() error {
	roleIDs := make(map[string]struct{}, len(c.Roles))
	for _, r := range c.Roles {
		if r.ID == "" {
			return fmt.Errorf("authz: role with empty id")
		}
		if _, dup := roleIDs[r.ID]; dup {
			return fmt.Errorf("authz: duplicate role id %q", r.ID)
		}
		roleIDs[r.ID] = struct{}{}
	}
	for _, r := range c.Roles {
		for _, parent := range r.InheritsFrom {
			if _, ok := roleIDs[parent]; !ok {
				return fmt.Errorf("authz: role %q inherits unknown role %q", r.ID, parent)
			}
		}
	}
	policyIDs := make(map[string]struct{}, len(c.Policies))
	for _, p := range c.Policies {
		if err := validatePolicy(p); err != nil {
			return err
		}
		if _, dup := policyIDs[p.ID]; dup {
			return fmt.Errorf("authz: duplicate policy id %q", p.ID)
		}
		policyIDs[p.ID] = struct{}{}
	}
	for _, a := range c.Assignments {
		if a.UserID == "" || a.RoleID == "" {
			return fmt.Errorf("authz: assignment missing user or role")
		}
		if _, ok := roleIDs[a.RoleID]; !ok {
			return fmt.Errorf("authz: assignment references unknown role %q", a.RoleID)
		}
	}
	return nil
}

// ApplyConfig upserts the config's roles, policies and assignments into the
// engine's stores and applies its runtime tuning. Meant for startup and
// controlled reloads; it does not lock out concurrent evaluation.
func (e *Engine) ApplyConfig(ctx context.Context, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if cfg.Engine.PermissionTTLMs > 0 {
		e.resolver.ttl = time.Duration(cfg.Engine.PermissionTTLMs) * time.Millisecond
	}
	if cfg.Engine.MaxInheritanceDepth > 0 {
		e.resolver.maxDepth = cfg.Engine.MaxInheritanceDepth
	}
	if cfg.Engine.BatchWorkerCount > 0 {
		e.batchWorkers = cfg.Engine.BatchWorkerCount
	}
	if cfg.Engine.RistrettoNumCounters > 0 {
		if err := e.ConfigureRistrettoPermissionCache(RistrettoConfig{
			NumCounters: cfg.Engine.RistrettoNumCounters,
			MaxCost:     cfg.Engine.RistrettoMaxCost,
			BufferItems: cfg.Engine.RistrettoBufferItems,
		}); err != nil {
			return fmt.Errorf("configure ristretto cache: %w", err)
		}
	}

	for _, r := range cfg.Roles {
		if _, err := e.roles.GetRole(ctx, r.ID); err != nil {
			if err := e.CreateRole(ctx, r); err != nil {
				return fmt.Errorf("create role %s: %w", r.ID, err)
			}
		} else {
			if err := e.UpdateRole(ctx, r); err != nil {
				return fmt.Errorf("update role %s: %w", r.ID, err)
			}
		}
	}

	for _, p := range cfg.Policies {
		if _, err := e.policies.GetPolicy(ctx, p.ID); err != nil {
			if err := e.CreatePolicy(ctx, p); err != nil {
				return fmt.Errorf("create policy %s: %w", p.ID, err)
			}
		} else {
			if err := e.UpdatePolicy(ctx, p); err != nil {
				return fmt.Errorf("update policy %s: %w", p.ID, err)
			}
		}
	}

	if len(cfg.Assignments) > 0 {
		if e.assignments == nil {
			return fmt.Errorf("authz: config has assignments but no assignment store is configured")
		}
		for _, a := range cfg.Assignments {
			assignment := UserRoleAssignment{
				RoleID:         a.RoleID,
				OrganizationID: a.OrganizationID,
				AssignedBy:     a.AssignedBy,
				ExpiresAt:      a.ExpiresAt,
			}
			if err := e.AssignRole(ctx, a.TenantID, a.UserID, assignment); err != nil {
				return fmt.Errorf("assign role %s to %s: %w", a.RoleID, a.UserID, err)
			}
		}
	}
	return nil
}

// ConfigureRistrettoPermissionCache swaps the resolver's cache for a
// ristretto-backed one.
func (e *Engine) ConfigureRistrettoPermissionCache(cfg RistrettoConfig) error {
	cache, err := NewRistrettoPermissionCache(cfg)
	if err != nil {
		return err
	}
	e.resolver.cache = cache
	return nil
}

// ============================================================================
// BINARY FORMAT
// ============================================================================
//
// Header: magic(2) "AZ", format version(2), config version(2), little
// endian. Then tagged sections, each tag(1) + size(4) + payload. Unknown
// tags are skipped so old readers survive new sections.

const (
	binaryMagic   = 0x415A
	binaryVersion = 1

	sectionRoles       = 0x01
	sectionPolicies    = 0x02
	sectionAssignments = 0x03
	sectionEngine      = 0x04
)

// EncodeBinaryConfig renders the config in the binary format.
func EncodeBinaryConfig(cfg *Config) ([]byte, error) {
	buf := &bytes.Buffer{}
	binary.Write(buf, binary.LittleEndian, uint16(binaryMagic))
	binary.Write(buf, binary.LittleEndian, uint16(binaryVersion))
	binary.Write(buf, binary.LittleEndian, cfg.Version)

	writeSection(buf, sectionRoles, func(b *bytes.Buffer) { encodeRoles(b, cfg.Roles) })
	writeSection(buf, sectionPolicies, func(b *bytes.Buffer) { encodePolicies(b, cfg.Policies) })
	writeSection(buf, sectionAssignments, func(b *bytes.Buffer) { encodeAssignments(b, cfg.Assignments) })
	writeSection(buf, sectionEngine, func(b *bytes.Buffer) { encodeEngineConfig(b, &cfg.Engine) })
	return buf.Bytes(), nil
}

func decodeBinaryConfig(r io.Reader) (*Config, error) {
	cfg := &Config{}
	var magic, ver uint16
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if magic != binaryMagic {
		return nil, fmt.Errorf("invalid magic: %x", magic)
	}
	if err := binary.Read(r, binary.LittleEndian, &ver); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if ver != binaryVersion {
		return nil, fmt.Errorf("unsupported format version: %d", ver)
	}
	if err := binary.Read(r, binary.LittleEndian, &cfg.Version); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	for {
		var tag uint8
		if err := binary.Read(r, binary.LittleEndian, &tag); err == io.EOF {
			break
		} else if err != nil {
			return nil, err
		}
		var size uint32
		if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
			return nil, err
		}
		data := make([]byte, size)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, err
		}
		switch tag {
		case sectionRoles:
			cfg.Roles = decodeRoles(data)
		case sectionPolicies:
			cfg.Policies = decodePolicies(data)
		case sectionAssignments:
			cfg.Assignments = decodeAssignments(data)
		case sectionEngine:
			cfg.Engine = decodeEngineConfig(data)
		}
	}
	return cfg, nil
}

func writeSection(buf *bytes.Buffer, tag uint8, fn func(*bytes.Buffer)) {
	tmp := &bytes.Buffer{}
	fn(tmp)
	binary.Write(buf, binary.LittleEndian, tag)
	binary.Write(buf, binary.LittleEndian, uint32(tmp.Len()))
	buf.Write(tmp.Bytes())
}

func writeString(buf *bytes.Buffer, s string) {
	binary.Write(buf, binary.LittleEndian, uint16(len(s)))
	buf.WriteString(s)
}

func readString(r *bytes.Reader) string {
	var l uint16
	binary.Read(r, binary.LittleEndian, &l)
	b := make([]byte, l)
	io.ReadFull(r, b)
	return string(b)
}

// writeBlob carries payloads that can outgrow a uint16 length, like rule
// JSON.
func writeBlob(buf *bytes.Buffer, b []byte) {
	binary.Write(buf, binary.LittleEndian, uint32(len(b)))
	buf.Write(b)
}

func readBlob(r *bytes.Reader) []byte {
	var l uint32
	binary.Read(r, binary.LittleEndian, &l)
	b := make([]byte, l)
	io.ReadFull(r, b)
	return b
}

func writeStringSlice(buf *bytes.Buffer, ss []string) {
	binary.Write(buf, binary.LittleEndian, uint16(len(ss)))
	for _, s := range ss {
		writeString(buf, s)
	}
}

func readStringSlice(r *bytes.Reader) []string {
	var count uint16
	binary.Read(r, binary.LittleEndian, &count)
	if count == 0 {
		return nil
	}
	out := make([]string, count)
	for i := range out {
		out[i] = readString(r)
	}
	return out
}

func encodeRoles(buf *bytes.Buffer, roles []*Role) {
	binary.Write(buf, binary.LittleEndian, uint16(len(roles)))
	for _, role := range roles {
		writeString(buf, role.ID)
		writeString(buf, role.TenantID)
		writeString(buf, role.Name)
		writeStringSlice(buf, role.Permissions)
		writeStringSlice(buf, role.InheritsFrom)
		binary.Write(buf, binary.LittleEndian, int32(role.Priority))
		buf.WriteByte(map[bool]byte{true: 1, false: 0}[role.IsAdmin])
	}
}

func decodeRoles(data []byte) []*Role {
	r := bytes.NewReader(data)
	var count uint16
	binary.Read(r, binary.LittleEndian, &count)
	roles := make([]*Role, count)
	for i := range roles {
		role := &Role{}
		role.ID = readString(r)
		role.TenantID = readString(r)
		role.Name = readString(r)
		role.Permissions = readStringSlice(r)
		role.InheritsFrom = readStringSlice(r)
		var priority int32
		binary.Read(r, binary.LittleEndian, &priority)
		role.Priority = int(priority)
		isAdmin, _ := r.ReadByte()
		role.IsAdmin = isAdmin == 1
		roles[i] = role
	}
	return roles
}

// encodePolicies writes scalar fields natively; rules and targeting nest
// arbitrarily, so they travel as JSON blobs inside the binary frame.
func encodePolicies(buf *bytes.Buffer, policies []*Policy) {
	binary.Write(buf, binary.LittleEndian, uint16(len(policies)))
	for _, p := range policies {
		writeString(buf, p.ID)
		writeString(buf, p.TenantID)
		writeString(buf, p.Name)
		writeString(buf, p.Description)
		writeString(buf, string(p.Status))
		binary.Write(buf, binary.LittleEndian, int32(p.Priority))
		rules, _ := json.Marshal(p.Rules)
		writeBlob(buf, rules)
		principals, _ := json.Marshal(p.TargetPrincipals)
		writeBlob(buf, principals)
		writeStringSlice(buf, p.TargetOrganizations)
	}
}

func decodePolicies(data []byte) []*Policy {
	r := bytes.NewReader(data)
	var count uint16
	binary.Read(r, binary.LittleEndian, &count)
	policies := make([]*Policy, count)
	for i := range policies {
		p := &Policy{}
		p.ID = readString(r)
		p.TenantID = readString(r)
		p.Name = readString(r)
		p.Description = readString(r)
		p.Status = PolicyStatus(readString(r))
		var priority int32
		binary.Read(r, binary.LittleEndian, &priority)
		p.Priority = int(priority)
		_ = json.Unmarshal(readBlob(r), &p.Rules)
		_ = json.Unmarshal(readBlob(r), &p.TargetPrincipals)
		p.TargetOrganizations = readStringSlice(r)
		policies[i] = p
	}
	return policies
}

func encodeAssignments(buf *bytes.Buffer, assignments []AssignmentConfig) {
	binary.Write(buf, binary.LittleEndian, uint16(len(assignments)))
	for _, a := range assignments {
		writeString(buf, a.TenantID)
		writeString(buf, a.UserID)
		writeString(buf, a.RoleID)
		writeString(buf, a.OrganizationID)
		writeString(buf, a.AssignedBy)
		var expires int64
		if a.ExpiresAt != nil {
			expires = a.ExpiresAt.Unix()
		}
		binary.Write(buf, binary.LittleEndian, expires)
	}
}

func decodeAssignments(data []byte) []AssignmentConfig {
	r := bytes.NewReader(data)
	var count uint16
	binary.Read(r, binary.LittleEndian, &count)
	assignments := make([]AssignmentConfig, count)
	for i := range assignments {
		assignments[i].TenantID = readString(r)
		assignments[i].UserID = readString(r)
		assignments[i].RoleID = readString(r)
		assignments[i].OrganizationID = readString(r)
		assignments[i].AssignedBy = readString(r)
		var expires int64
		binary.Read(r, binary.LittleEndian, &expires)
		if expires > 0 {
			t := time.Unix(expires, 0)
			assignments[i].ExpiresAt = &t
		}
	}
	return assignments
}

func encodeEngineConfig(buf *bytes.Buffer, cfg *EngineConfig) {
	binary.Write(buf, binary.LittleEndian, cfg.PermissionTTLMs)
	binary.Write(buf, binary.LittleEndian, int32(cfg.MaxInheritanceDepth))
	binary.Write(buf, binary.LittleEndian, int32(cfg.BatchWorkerCount))
	binary.Write(buf, binary.LittleEndian, cfg.RistrettoNumCounters)
	binary.Write(buf, binary.LittleEndian, cfg.RistrettoMaxCost)
	binary.Write(buf, binary.LittleEndian, cfg.RistrettoBufferItems)
}

func decodeEngineConfig(data []byte) EngineConfig {
	r := bytes.NewReader(data)
	cfg := EngineConfig{}
	binary.Read(r, binary.LittleEndian, &cfg.PermissionTTLMs)
	var depth, workers int32
	binary.Read(r, binary.LittleEndian, &depth)
	cfg.MaxInheritanceDepth = int(depth)
	binary.Read(r, binary.LittleEndian, &workers)
	cfg.BatchWorkerCount = int(workers)
	binary.Read(r, binary.LittleEndian, &cfg.RistrettoNumCounters)
	binary.Read(r, binary.LittleEndian, &cfg.RistrettoMaxCost)
	binary.Read(r, binary.LittleEndian, &cfg.RistrettoBufferItems)
	return cfg
}
