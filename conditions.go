package authz

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/oarkflow/date"

	"github.com/rentora/authz/logger"
)

// EvaluateConditions reports whether the condition group holds for the
// request. A nil or empty group is vacuously true. Malformed conditions
// (missing attributes, uncoercible values, unknown operators) evaluate to
// false rather than erroring, keeping the engine deny-safe.
func EvaluateConditions(group *ConditionGroup, req *AuthorizationRequest) bool {
	return evalGroup(group, req, nil)
}

func evalGroup(group *ConditionGroup, req *AuthorizationRequest, log logger.Logger) bool {
	if group.Empty() {
		return true
	}
	switch group.Logic {
	case LogicOr:
		for _, c := range group.Conditions {
			if evalCondition(c, req, log) {
				return true
			}
		}
		for _, sub := range group.Groups {
			// an empty subgroup is vacuously true and satisfies the
			// disjunction via the recursion's base case
			if evalGroup(sub, req, log) {
				return true
			}
		}
		return false
	default: // AND, including unset logic
		for _, c := range group.Conditions {
			if !evalCondition(c, req, log) {
				return false
			}
		}
		for _, sub := range group.Groups {
			if !evalGroup(sub, req, log) {
				return false
			}
		}
		return true
	}
}

func evalCondition(c *PolicyCondition, req *AuthorizationRequest, log logger.Logger) bool {
	if c == nil {
		return false
	}
	switch c.Operator {
	case OpExists:
		_, ok := resolveAttribute(req, c.Source, c.Attribute)
		return ok
	case OpIsOwner:
		return req.Resource.OwnerID != "" && req.Subject.UserID != "" &&
			req.Resource.OwnerID == req.Subject.UserID
	case OpInOrgHierarchy:
		return evalInOrgHierarchy(c, req)
	}

	attr, ok := resolveAttribute(req, c.Source, c.Attribute)
	if !ok {
		return false
	}
	val, ok := resolveValue(req, c.Value)
	if !ok {
		return false
	}

	switch c.Operator {
	case OpEq:
		return looseEqual(attr, val)
	case OpNeq:
		return !looseEqual(attr, val)
	case OpGt:
		cmp, ok := compareValues(attr, val)
		return ok && cmp > 0
	case OpGte:
		cmp, ok := compareValues(attr, val)
		return ok && cmp >= 0
	case OpLt:
		cmp, ok := compareValues(attr, val)
		return ok && cmp < 0
	case OpLte:
		cmp, ok := compareValues(attr, val)
		return ok && cmp <= 0
	case OpIn:
		return valueIn(req, attr, val)
	case OpNin:
		return !valueIn(req, attr, val)
	case OpContains:
		return containsValue(attr, val)
	case OpNcontains:
		return !containsValue(attr, val)
	case OpStarts:
		as, ok1 := toString(attr)
		vs, ok2 := toString(val)
		return ok1 && ok2 && strings.HasPrefix(as, vs)
	case OpEnds:
		as, ok1 := toString(attr)
		vs, ok2 := toString(val)
		return ok1 && ok2 && strings.HasSuffix(as, vs)
	case OpMatches:
		return evalMatches(attr, val, log)
	case OpTimeBetween:
		return evalTimeBetween(attr, val)
	case OpIPInRange:
		return evalIPInRange(attr, val)
	default:
		warn(log, "unknown condition operator", "operator", string(c.Operator), "attribute", c.Attribute)
		return false
	}
}

func evalInOrgHierarchy(c *PolicyCondition, req *AuthorizationRequest) bool {
	org := req.Resource.OrganizationID
	if c.Attribute != "" {
		if v, ok := resolveAttribute(req, c.Source, c.Attribute); ok {
			if s, sok := toString(v); sok {
				org = s
			}
		}
	}
	if org == "" {
		return false
	}
	for _, o := range req.Subject.OrganizationIDs {
		if o == org {
			return true
		}
	}
	return false
}

func evalMatches(attr, value any, log logger.Logger) bool {
	as, ok := toString(attr)
	if !ok {
		return false
	}
	pattern, ok := toString(value)
	if !ok {
		return false
	}
	matched, err := regexp.MatchString(pattern, as)
	if err != nil {
		warn(log, "invalid condition regex", "pattern", pattern, "error", err.Error())
		return false
	}
	return matched
}

// evalTimeBetween accepts a daily clock window ("09:00-17:00", wrapping
// windows like "22:00-06:00" included) or a [start, end] pair of absolute
// timestamps, bounds inclusive.
func evalTimeBetween(attr, val any) bool {
	ts, ok := toTime(attr)
	if !ok {
		return false
	}
	if s, ok := toString(val); ok {
		return clockWindowContains(s, ts)
	}
	bounds, ok := toSlice(val)
	if !ok || len(bounds) != 2 {
		return false
	}
	start, ok1 := toTime(bounds[0])
	end, ok2 := toTime(bounds[1])
	if !ok1 || !ok2 {
		return false
	}
	return !ts.Before(start) && !ts.After(end)
}

func clockWindowContains(window string, ts time.Time) bool {
	parts := strings.SplitN(window, "-", 2)
	if len(parts) != 2 {
		return false
	}
	start, err1 := parseClock(strings.TrimSpace(parts[0]))
	end, err2 := parseClock(strings.TrimSpace(parts[1]))
	if err1 != nil || err2 != nil {
		return false
	}
	minutes := ts.Hour()*60 + ts.Minute()
	if start <= end {
		return minutes >= start && minutes <= end
	}
	// window wraps past midnight
	return minutes >= start || minutes <= end
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// evalIPInRange accepts a CIDR, an exact IP, or a list of either.
func evalIPInRange(attr, val any) bool {
	ipStr, ok := toString(attr)
	if !ok {
		return false
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	ranges, ok := toSlice(val)
	if !ok {
		ranges = []any{val}
	}
	for _, r := range ranges {
		rs, ok := toString(r)
		if !ok {
			continue
		}
		if strings.ContainsRune(rs, '/') {
			if _, ipnet, err := net.ParseCIDR(rs); err == nil && ipnet.Contains(ip) {
				return true
			}
			continue
		}
		if other := net.ParseIP(rs); other != nil && other.Equal(ip) {
			return true
		}
	}
	return false
}

// ============================================================================
// ATTRIBUTE RESOLUTION
// ============================================================================

// resolveAttribute looks up a dot-path attribute in the bag named by source.
// Empty scalar fields, zero timestamps and empty slices count as undeclared,
// so conditions on them fail closed. Unknown paths fall through to the bag's
// metadata map.
func resolveAttribute(req *AuthorizationRequest, source ConditionSource, path string) (any, bool) {
	if req == nil || path == "" {
		return nil, false
	}
	head, rest, _ := strings.Cut(path, ".")
	switch source {
	case SourceSubject:
		switch head {
		case "user_id":
			return present(req.Subject.UserID)
		case "tenant_id":
			return present(req.Subject.TenantID)
		case "user_type":
			return present(string(req.Subject.UserType))
		case "role_ids":
			return presentSlice(req.Subject.RoleIDs)
		case "organization_ids":
			return presentSlice(req.Subject.OrganizationIDs)
		case "mfa_verified":
			return req.Subject.MFAVerified, true
		case "permissions":
			if req.Subject.Permissions == nil {
				return nil, false
			}
			return presentSlice(req.Subject.Permissions.Permissions.List())
		case "metadata":
			return lookupMetadata(req.Subject.Metadata, rest)
		default:
			return lookupMetadata(req.Subject.Metadata, path)
		}
	case SourceAction:
		switch head {
		case "name":
			return present(req.Action.Name)
		case "resource_type":
			return present(req.Action.ResourceType)
		case "metadata":
			return lookupMetadata(req.Action.Metadata, rest)
		default:
			return lookupMetadata(req.Action.Metadata, path)
		}
	case SourceResource:
		switch head {
		case "type":
			return present(req.Resource.Type)
		case "id":
			return present(req.Resource.ID)
		case "tenant_id":
			return present(req.Resource.TenantID)
		case "organization_id":
			return present(req.Resource.OrganizationID)
		case "owner_id":
			return present(req.Resource.OwnerID)
		case "metadata":
			return lookupMetadata(req.Resource.Metadata, rest)
		default:
			return lookupMetadata(req.Resource.Metadata, path)
		}
	case SourceContext:
		switch head {
		case "ip":
			return present(req.Context.IP)
		case "user_agent":
			return present(req.Context.UserAgent)
		case "timestamp":
			if req.Context.Timestamp.IsZero() {
				return nil, false
			}
			return req.Context.Timestamp, true
		case "request_id":
			return present(req.Context.RequestID)
		case "session_id":
			return present(req.Context.SessionID)
		case "metadata":
			return lookupMetadata(req.Context.Metadata, rest)
		default:
			return lookupMetadata(req.Context.Metadata, path)
		}
	}
	return nil, false
}

func present(s string) (any, bool) {
	if s == "" {
		return nil, false
	}
	return s, true
}

func presentSlice(s []string) (any, bool) {
	if len(s) == 0 {
		return nil, false
	}
	return s, true
}

func lookupMetadata(meta map[string]any, path string) (any, bool) {
	if meta == nil || path == "" {
		return nil, false
	}
	cur := any(meta)
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	if cur == nil {
		return nil, false
	}
	return cur, true
}

// resolveValue turns a condition's comparison value into a concrete value.
// Cross-references ({ref: "bag.path"}, the Ref type, or a *Ref) resolve
// against the referenced bag at evaluation time; anything else is a literal.
func resolveValue(req *AuthorizationRequest, v any) (any, bool) {
	switch rv := v.(type) {
	case Ref:
		return resolveRef(req, rv.Ref)
	case *Ref:
		if rv == nil {
			return nil, false
		}
		return resolveRef(req, rv.Ref)
	case map[string]any:
		if ref, ok := rv["ref"].(string); ok && len(rv) == 1 {
			return resolveRef(req, ref)
		}
		return rv, true
	case nil:
		return nil, false
	default:
		return v, true
	}
}

func resolveRef(req *AuthorizationRequest, ref string) (any, bool) {
	bag, path, ok := strings.Cut(ref, ".")
	if !ok {
		return nil, false
	}
	return resolveAttribute(req, ConditionSource(bag), path)
}

// ============================================================================
// COERCION
// ============================================================================

func toString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case fmt.Stringer:
		return s.String(), true
	}
	return "", false
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, !t.IsZero()
	case *time.Time:
		if t == nil || t.IsZero() {
			return time.Time{}, false
		}
		return *t, true
	case string:
		parsed, err := date.Parse(t)
		return parsed, err == nil
	}
	return time.Time{}, false
}

func toSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []string:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out, true
	}
	return nil, false
}

// looseEqual compares scalars with numeric coercion: 5 == 5.0 == "5".
// Slices never equal scalars; use in/contains for membership.
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if ab, ok := a.(bool); ok {
		bb, ok := b.(bool)
		return ok && ab == bb
	}
	if as, ok1 := toString(a); ok1 {
		if bs, ok2 := toString(b); ok2 {
			return as == bs
		}
	}
	if af, ok1 := toFloat64(a); ok1 {
		if bf, ok2 := toFloat64(b); ok2 {
			return af == bf
		}
	}
	return false
}

// compareValues orders two values: numerics first, then timestamps, then
// strings. Returns ok=false for incomparable pairs.
func compareValues(a, b any) (int, bool) {
	if af, ok1 := toFloat64(a); ok1 {
		if bf, ok2 := toFloat64(b); ok2 {
			switch {
			case af < bf:
				return -1, true
			case af > bf:
				return 1, true
			default:
				return 0, true
			}
		}
	}
	if at, ok1 := toTime(a); ok1 {
		if bt, ok2 := toTime(b); ok2 {
			switch {
			case at.Before(bt):
				return -1, true
			case at.After(bt):
				return 1, true
			default:
				return 0, true
			}
		}
	}
	if as, ok1 := toString(a); ok1 {
		if bs, ok2 := toString(b); ok2 {
			return strings.Compare(as, bs), true
		}
	}
	return 0, false
}

// valueIn implements the in/nin membership test. List elements may
// themselves be cross-references. A slice attribute is a member when any of
// its elements is.
func valueIn(req *AuthorizationRequest, attr, val any) bool {
	list, ok := toSlice(val)
	if !ok {
		list = []any{val}
	}
	attrs, isSlice := toSlice(attr)
	if !isSlice {
		attrs = []any{attr}
	}
	for _, item := range list {
		resolved, ok := resolveValue(req, item)
		if !ok {
			continue
		}
		// a list element may itself be a list (resolved ref to a slice)
		if inner, ok := toSlice(resolved); ok {
			for _, iv := range inner {
				for _, av := range attrs {
					if looseEqual(av, iv) {
						return true
					}
				}
			}
			continue
		}
		for _, av := range attrs {
			if looseEqual(av, resolved) {
				return true
			}
		}
	}
	return false
}

// containsValue: string containment for string attributes, membership for
// slice attributes.
func containsValue(attr, val any) bool {
	if as, ok := toString(attr); ok {
		vs, ok := toString(val)
		return ok && strings.Contains(as, vs)
	}
	if items, ok := toSlice(attr); ok {
		for _, item := range items {
			if looseEqual(item, val) {
				return true
			}
		}
	}
	return false
}

func warn(log logger.Logger, msg string, keyvals ...any) {
	if log != nil {
		log.Error(msg, keyvals...)
	}
}

// ============================================================================
// RENDERING
// ============================================================================

// String renders the condition in the compact grammar understood by
// ParseCondition.
func (c *PolicyCondition) String() string {
	if c == nil {
		return ""
	}
	path := string(c.Source) + "." + c.Attribute
	switch c.Operator {
	case OpExists, OpIsOwner, OpInOrgHierarchy:
		return path + " " + string(c.Operator)
	}
	return fmt.Sprintf("%s %s %s", path, c.Operator, renderValue(c.Value))
}

// String renders the group in the compact grammar.
func (g *ConditionGroup) String() string {
	if g.Empty() {
		return "true"
	}
	sep := " && "
	if g.Logic == LogicOr {
		sep = " || "
	}
	parts := make([]string, 0, len(g.Conditions)+len(g.Groups))
	for _, c := range g.Conditions {
		parts = append(parts, c.String())
	}
	for _, sub := range g.Groups {
		if sub.Empty() {
			parts = append(parts, "true")
			continue
		}
		parts = append(parts, "("+sub.String()+")")
	}
	return strings.Join(parts, sep)
}

func renderValue(v any) string {
	switch rv := v.(type) {
	case Ref:
		return rv.Ref
	case *Ref:
		if rv == nil {
			return "null"
		}
		return rv.Ref
	case map[string]any:
		if ref, ok := rv["ref"].(string); ok && len(rv) == 1 {
			return ref
		}
	case string:
		return strconv.Quote(rv)
	case []string:
		parts := make([]string, len(rv))
		for i, e := range rv {
			parts[i] = strconv.Quote(e)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case []any:
		parts := make([]string, len(rv))
		for i, e := range rv {
			parts[i] = renderValue(e)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	}
	return fmt.Sprintf("%v", v)
}
