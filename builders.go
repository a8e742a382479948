package authz

// Fluent builders for assembling policies and roles in code. Tests and
// seeding code read better with these than with struct literals.

// PolicyBuilder builds a Policy.
type PolicyBuilder struct {
	p *Policy
}

func NewPolicyBuilder() *PolicyBuilder {
	return &PolicyBuilder{p: &Policy{Status: PolicyStatusActive}}
}

func (b *PolicyBuilder) ID(id string) *PolicyBuilder          { b.p.ID = id; return b }
func (b *PolicyBuilder) Tenant(t string) *PolicyBuilder       { b.p.TenantID = t; return b }
func (b *PolicyBuilder) Name(n string) *PolicyBuilder         { b.p.Name = n; return b }
func (b *PolicyBuilder) Describe(d string) *PolicyBuilder     { b.p.Description = d; return b }
func (b *PolicyBuilder) Priority(p int) *PolicyBuilder        { b.p.Priority = p; return b }
func (b *PolicyBuilder) Status(s PolicyStatus) *PolicyBuilder { b.p.Status = s; return b }

func (b *PolicyBuilder) Rule(r PolicyRule) *PolicyBuilder {
	b.p.Rules = append(b.p.Rules, r)
	return b
}

func (b *PolicyBuilder) TargetUsers(ids ...string) *PolicyBuilder {
	b.p.TargetPrincipals.UserIDs = append(b.p.TargetPrincipals.UserIDs, ids...)
	return b
}

func (b *PolicyBuilder) TargetRoles(ids ...string) *PolicyBuilder {
	b.p.TargetPrincipals.RoleIDs = append(b.p.TargetPrincipals.RoleIDs, ids...)
	return b
}

func (b *PolicyBuilder) TargetUserTypes(types ...UserType) *PolicyBuilder {
	b.p.TargetPrincipals.UserTypes = append(b.p.TargetPrincipals.UserTypes, types...)
	return b
}

func (b *PolicyBuilder) TargetOrganizations(ids ...string) *PolicyBuilder {
	b.p.TargetOrganizations = append(b.p.TargetOrganizations, ids...)
	return b
}

func (b *PolicyBuilder) Build() *Policy { return b.p }

// RuleBuilder builds a PolicyRule.
type RuleBuilder struct {
	rule PolicyRule
}

// NewAllowRule starts a rule that grants.
func NewAllowRule() *RuleBuilder {
	return &RuleBuilder{rule: PolicyRule{Effect: EffectAllow}}
}

// NewDenyRule starts a rule that refuses.
func NewDenyRule() *RuleBuilder {
	return &RuleBuilder{rule: PolicyRule{Effect: EffectDeny}}
}

func (b *RuleBuilder) Actions(a ...string) *RuleBuilder {
	b.rule.Actions = append(b.rule.Actions, a...)
	return b
}

func (b *RuleBuilder) Resources(r ...string) *RuleBuilder {
	b.rule.Resources = append(b.rule.Resources, r...)
	return b
}

// When attaches the condition group; a rule without one matches on actions
// and resources alone.
func (b *RuleBuilder) When(g *ConditionGroup) *RuleBuilder {
	b.rule.Conditions = g
	return b
}

func (b *RuleBuilder) Build() PolicyRule { return b.rule }

// RoleBuilder builds a Role.
type RoleBuilder struct {
	r *Role
}

func NewRoleBuilder() *RoleBuilder {
	return &RoleBuilder{r: &Role{}}
}

func (b *RoleBuilder) ID(id string) *RoleBuilder    { b.r.ID = id; return b }
func (b *RoleBuilder) Tenant(t string) *RoleBuilder { b.r.TenantID = t; return b }
func (b *RoleBuilder) Name(n string) *RoleBuilder   { b.r.Name = n; return b }
func (b *RoleBuilder) Priority(p int) *RoleBuilder  { b.r.Priority = p; return b }
func (b *RoleBuilder) Admin() *RoleBuilder          { b.r.IsAdmin = true; return b }

func (b *RoleBuilder) Permissions(perms ...string) *RoleBuilder {
	b.r.Permissions = append(b.r.Permissions, perms...)
	return b
}

func (b *RoleBuilder) Inherits(ids ...string) *RoleBuilder {
	b.r.InheritsFrom = append(b.r.InheritsFrom, ids...)
	return b
}

func (b *RoleBuilder) Build() *Role { return b.r }

// Condition helpers. Conditions are plain data, so constructors read better
// than a stateful builder.

// Cond builds a single condition against an attribute bag.
func Cond(source ConditionSource, attribute string, op ConditionOperator, value any) *PolicyCondition {
	return &PolicyCondition{Source: source, Attribute: attribute, Operator: op, Value: value}
}

// CondRef builds a condition whose value is read from another bag at
// evaluation time.
func CondRef(source ConditionSource, attribute string, op ConditionOperator, refPath string) *PolicyCondition {
	return &PolicyCondition{Source: source, Attribute: attribute, Operator: op, Value: &Ref{Ref: refPath}}
}

// And groups conditions that must all hold.
func And(conds ...*PolicyCondition) *ConditionGroup {
	return &ConditionGroup{Logic: LogicAnd, Conditions: conds}
}

// Or groups conditions of which at least one must hold.
func Or(conds ...*PolicyCondition) *ConditionGroup {
	return &ConditionGroup{Logic: LogicOr, Conditions: conds}
}

// WithGroups nests subgroups under g.
func (g *ConditionGroup) WithGroups(subs ...*ConditionGroup) *ConditionGroup {
	g.Groups = append(g.Groups, subs...)
	return g
}
