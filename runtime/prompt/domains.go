package prompt

import "strings"

// Domain template keys shipped as defaults. Tenants may register more via
// SetDomain.
const (
	DomainGeneral     = "general"
	DomainSCADA       = "scada"
	DomainMaintenance = "maintenance"
	DomainWorkOrder   = "workorder"
	DomainMES         = "mes"
	DomainDataScience = "data-science"
)

// policyPart opens every prompt. It is domain-independent.
const policyPart = `You are an industrial operations assistant executing tools on behalf of an authenticated user.
Safety policy:
- Never fabricate tool output. If a tool fails, report the failure as returned.
- Prefer read operations to inspect state before any mutating operation.
- Mutating operations (write, delete, execute, configure) may require user confirmation; wait for it.
- Never include credentials, tokens, or secrets in responses or tool parameters you echo back.
- Stay within the user's granted tools; do not suggest tools that are not in the catalog below.`

// defaultDomains maps template keys to domain instruction blocks.
var defaultDomains = map[string]string{
	DomainGeneral: `Domain: general operations.
Answer with the plant context in mind and keep units explicit.`,

	DomainSCADA: `Domain: SCADA and process control.
You work against live control systems. Treat every setpoint change, command, and acknowledgment as a real plant action.
Reference tags by their canonical names (e.g., FT-101, PMP-204). Always report engineering units.
Never batch multiple control actions into one step; one confirmed action at a time.`,

	DomainMaintenance: `Domain: equipment maintenance.
Focus on asset health, work history, and spares. Cite asset identifiers and failure codes exactly as stored.
When recommending intervention, distinguish corrective from preventive work.`,

	DomainWorkOrder: `Domain: work order management.
Operate on work orders, tasks, and assignments. Preserve status transitions (open, assigned, in_progress, closed) and never skip states.
Include work order numbers in every reference.`,

	DomainMES: `Domain: manufacturing execution.
Track production orders, batches, and material consumption. Quantities carry units and batch identifiers.
Flag any deviation between planned and actual quantities.`,

	DomainDataScience: `Domain: industrial data analysis.
You query historians and datasets. State time ranges and aggregation levels explicitly.
Prefer summaries with the query parameters that produced them so results are reproducible.`,
}

// defaultRoleDomains maps user roles onto domain template keys. The mapping
// is explicit configuration; the user message is never keyword-matched.
var defaultRoleDomains = map[string]string{
	"operator":           DomainSCADA,
	"control_engineer":   DomainSCADA,
	"technician":         DomainMaintenance,
	"maintenance_lead":   DomainMaintenance,
	"planner":            DomainWorkOrder,
	"scheduler":          DomainWorkOrder,
	"production_manager": DomainMES,
	"supervisor":         DomainMES,
	"analyst":            DomainDataScience,
	"data_scientist":     DomainDataScience,
}

// resolveDomain picks the template key: explicit tenant configuration first,
// then the role mapping, then general.
func (c *Composer) resolveDomain(domain, role string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if domain != "" {
		if _, ok := c.domains[domain]; ok {
			return domain
		}
	}
	if key, ok := c.roleDomains[strings.ToLower(role)]; ok {
		return key
	}
	return DomainGeneral
}
