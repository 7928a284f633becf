package tools

import "strings"

// RiskLevel classifies the blast radius of an operation. The security gate
// and results both carry one.
type RiskLevel string

const (
	// RiskLow marks read-style operations with no side effects.
	RiskLow RiskLevel = "low"

	// RiskMedium marks operations with contained, reversible side effects.
	RiskMedium RiskLevel = "medium"

	// RiskHigh marks operations with significant or hard-to-reverse effects.
	RiskHigh RiskLevel = "high"

	// RiskCritical marks operations that can damage the tenant's system.
	RiskCritical RiskLevel = "critical"
)

// ParseRiskLevel normalizes s to a RiskLevel. Unknown values return the zero
// value.
func ParseRiskLevel(s string) RiskLevel {
	switch strings.ToLower(s) {
	case string(RiskLow):
		return RiskLow
	case string(RiskMedium):
		return RiskMedium
	case string(RiskHigh):
		return RiskHigh
	case string(RiskCritical):
		return RiskCritical
	default:
		return ""
	}
}

// Valid reports whether l is a recognized risk level.
func (l RiskLevel) Valid() bool {
	switch l {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	default:
		return false
	}
}

// atLeast orders risk levels for comparisons without exposing ordinals.
var riskOrder = map[RiskLevel]int{RiskLow: 0, RiskMedium: 1, RiskHigh: 2, RiskCritical: 3}

// AtLeast reports whether l is the same or a higher risk than other.
func (l RiskLevel) AtLeast(other RiskLevel) bool {
	return riskOrder[l] >= riskOrder[other]
}

// OperationType classifies what a capability does to external state.
type OperationType string

const (
	// OpRead fetches state without modification.
	OpRead OperationType = "read"

	// OpWrite creates or updates state.
	OpWrite OperationType = "write"

	// OpDelete removes state.
	OpDelete OperationType = "delete"

	// OpExecute runs a process, command, or code.
	OpExecute OperationType = "execute"

	// OpConfigure changes system or tool configuration.
	OpConfigure OperationType = "configure"
)

// ParseOperationType normalizes s to an OperationType. Unknown values return
// the zero value.
func ParseOperationType(s string) OperationType {
	switch strings.ToLower(s) {
	case string(OpRead):
		return OpRead
	case string(OpWrite):
		return OpWrite
	case string(OpDelete):
		return OpDelete
	case string(OpExecute):
		return OpExecute
	case string(OpConfigure):
		return OpConfigure
	default:
		return ""
	}
}

// Mutating reports whether the operation has side effects the gate must
// classify.
func (o OperationType) Mutating() bool {
	switch o {
	case OpWrite, OpDelete, OpExecute, OpConfigure:
		return true
	default:
		return false
	}
}

// ConfirmationPolicy selects how a required confirmation is obtained.
type ConfirmationPolicy string

const (
	// ConfirmAuto approves automatically; used for low-risk declared effects.
	ConfirmAuto ConfirmationPolicy = "auto"

	// ConfirmRoleCheck approves when the requesting user's role is privileged.
	ConfirmRoleCheck ConfirmationPolicy = "role_check"

	// ConfirmExplicit requires an interactive user confirmation.
	ConfirmExplicit ConfirmationPolicy = "confirm"

	// ConfirmTwoPerson requires confirmation by a second operator.
	ConfirmTwoPerson ConfirmationPolicy = "two_person"
)

// Valid reports whether p is a recognized confirmation policy.
func (p ConfirmationPolicy) Valid() bool {
	switch p {
	case ConfirmAuto, ConfirmRoleCheck, ConfirmExplicit, ConfirmTwoPerson:
		return true
	default:
		return false
	}
}

// ComputerMode gates tools that touch the filesystem, browser, or code
// execution.
type ComputerMode string

const (
	// ModeOff denies all file, browser, and code-execution operations.
	ModeOff ComputerMode = "off"

	// ModeRestricted applies the configured allow/deny lists and confirmation
	// rules.
	ModeRestricted ComputerMode = "restricted"

	// ModeDev allows everything, at elevated risk, with audit records kept.
	ModeDev ComputerMode = "dev"
)

// ParseComputerMode normalizes s to a ComputerMode. Unknown values return the
// zero value.
func ParseComputerMode(s string) ComputerMode {
	switch strings.ToLower(s) {
	case string(ModeOff):
		return ModeOff
	case string(ModeRestricted):
		return ModeRestricted
	case string(ModeDev):
		return ModeDev
	default:
		return ""
	}
}

// Valid reports whether m is a recognized non-zero computer mode.
func (m ComputerMode) Valid() bool {
	switch m {
	case ModeOff, ModeRestricted, ModeDev:
		return true
	default:
		return false
	}
}
