package authz

import "math"

// Resource types guarded by the customer-own-resources policy.
const (
	ResourceLease       = "lease"
	ResourcePayment     = "payment"
	ResourceMaintenance = "maintenance"
	ResourceDocument    = "document"
)

// SystemPolicyPriority is the priority tier reserved for built-in policies.
// Tenant-authored policies can never outrank them.
const SystemPolicyPriority = math.MaxInt32

const (
	SystemPolicyTenantIsolation      = "system:tenant-isolation"
	SystemPolicyOrgHierarchy         = "system:organization-hierarchy"
	SystemPolicyCustomerOwnResources = "system:customer-own-resources"
)

// SystemPolicies returns fresh copies of the built-in deny set. The engine
// merges these ahead of tenant policies on every evaluation; they are never
// editable or removable through store operations.
//
// Tenant isolation fires when the resource declares a tenant different from
// the subject's. Organization hierarchy fires when the resource declares an
// organization the subject does not belong to. Customer-own-resources stops
// CUSTOMER principals from reading, updating or listing lease, payment,
// maintenance and document records that declare another owner. All three
// lean on fail-closed condition semantics: a resource that declares none of
// these attributes is not caught here and falls through to the default deny
// or to tenant policies.
func SystemPolicies() []*Policy {
	return []*Policy{
		{
			ID:       SystemPolicyTenantIsolation,
			Name:     "Tenant Isolation",
			Status:   PolicyStatusActive,
			Priority: SystemPolicyPriority,
			IsSystem: true,
			Rules: []PolicyRule{
				{
					Actions:   []string{"*"},
					Resources: []string{"*"},
					Effect:    EffectDeny,
					Conditions: &ConditionGroup{
						Logic: LogicAnd,
						Conditions: []*PolicyCondition{
							{
								Source:    SourceSubject,
								Attribute: "tenant_id",
								Operator:  OpNeq,
								Value:     Ref{Ref: "resource.tenant_id"},
							},
						},
					},
				},
			},
		},
		{
			ID:       SystemPolicyOrgHierarchy,
			Name:     "Organization Hierarchy",
			Status:   PolicyStatusActive,
			Priority: SystemPolicyPriority,
			IsSystem: true,
			Rules: []PolicyRule{
				{
					Actions:   []string{"*"},
					Resources: []string{"*"},
					Effect:    EffectDeny,
					Conditions: &ConditionGroup{
						Logic: LogicAnd,
						Conditions: []*PolicyCondition{
							{
								Source:    SourceResource,
								Attribute: "organization_id",
								Operator:  OpNin,
								Value:     Ref{Ref: "subject.organization_ids"},
							},
						},
					},
				},
			},
		},
		{
			ID:       SystemPolicyCustomerOwnResources,
			Name:     "Customer Own Resources",
			Status:   PolicyStatusActive,
			Priority: SystemPolicyPriority,
			IsSystem: true,
			Rules: []PolicyRule{
				{
					Actions:   []string{"read", "update", "list"},
					Resources: []string{ResourceLease, ResourcePayment, ResourceMaintenance, ResourceDocument},
					Effect:    EffectDeny,
					Conditions: &ConditionGroup{
						Logic: LogicAnd,
						Conditions: []*PolicyCondition{
							{
								Source:    SourceSubject,
								Attribute: "user_type",
								Operator:  OpEq,
								Value:     string(UserTypeCustomer),
							},
							{
								Source:    SourceResource,
								Attribute: "owner_id",
								Operator:  OpNeq,
								Value:     Ref{Ref: "subject.user_id"},
							},
						},
					},
				},
			},
		},
	}
}
