// Package tools exposes the shared tool metadata, capability, and executor
// contract types used across the execution pipeline. A tool is registered once
// with its Metadata and an Executor; capabilities are the named operations the
// tool exposes.
package tools

type (
	// Metadata describes a registered tool. It is created at plugin load and
	// persists for the process lifetime (optionally mirrored to a per-tenant
	// metadata store).
	Metadata struct {
		// Name is the unique tool identifier (e.g., "file_tool").
		Name string `json:"name" yaml:"name"`

		// Version is the plugin version string.
		Version string `json:"version" yaml:"version"`

		// Description provides human-readable context for planners and catalogs.
		Description string `json:"description" yaml:"description"`

		// ToolType labels the adapter family (e.g., "local", "http", "stdio",
		// "websocket"). Informational; dispatch is uniform across types.
		ToolType string `json:"tool_type" yaml:"tool_type"`

		// Capabilities enumerates the operations the tool exposes. At least one
		// capability is required to register.
		Capabilities []Capability `json:"capabilities" yaml:"capabilities"`

		// RiskLevel is the tool-declared default risk classification.
		RiskLevel RiskLevel `json:"risk_level" yaml:"risk_level"`

		// RequiresConfirmation marks every capability of the tool as needing
		// user confirmation before execution.
		RequiresConfirmation bool `json:"requires_confirmation" yaml:"requires_confirmation"`

		// ConfirmationPolicy selects how confirmation is obtained when required.
		ConfirmationPolicy ConfirmationPolicy `json:"confirmation_policy" yaml:"confirmation_policy"`

		// SideEffects describes, in human-readable form, what the tool changes.
		// Used verbatim for dry-run projections.
		SideEffects []string `json:"side_effects" yaml:"side_effects"`

		// RequiredPermissions lists permissions the requesting user must hold.
		RequiredPermissions []string `json:"required_permissions" yaml:"required_permissions"`

		// RateLimitPerMinute caps invocations per (tool, user) per minute.
		// Zero disables rate limiting.
		RateLimitPerMinute int `json:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`

		// IdempotentCapabilities names capabilities that are naturally
		// idempotent. They may still be cached but are safe to retry uncached.
		IdempotentCapabilities []string `json:"idempotent_capabilities" yaml:"idempotent_capabilities"`

		// ComputerMode constrains tools touching filesystem, browser, or code
		// execution. Empty means the tool performs none of those operations.
		ComputerMode ComputerMode `json:"computer_mode,omitempty" yaml:"computer_mode,omitempty"`
	}

	// Capability is a single named operation exposed by a tool.
	Capability struct {
		// Name identifies the capability within its tool (e.g., "write").
		Name string `json:"name" yaml:"name"`

		// Description explains what the capability does; rendered into the
		// planner tool catalog.
		Description string `json:"description" yaml:"description"`

		// InputSchema is the JSON Schema the parameters must satisfy.
		InputSchema map[string]any `json:"input_schema,omitempty" yaml:"input_schema,omitempty"`

		// OutputSchema is the JSON Schema of the capability result data.
		OutputSchema map[string]any `json:"output_schema,omitempty" yaml:"output_schema,omitempty"`

		// Examples holds example parameter payloads for catalogs and prompts.
		Examples []map[string]any `json:"examples,omitempty" yaml:"examples,omitempty"`
	}
)

// Capability returns the named capability and whether it exists.
func (m Metadata) Capability(name string) (Capability, bool) {
	for _, c := range m.Capabilities {
		if c.Name == name {
			return c, true
		}
	}
	return Capability{}, false
}

// IsIdempotent reports whether the named capability was declared naturally
// idempotent.
func (m Metadata) IsIdempotent(capability string) bool {
	for _, c := range m.IdempotentCapabilities {
		if c == capability {
			return true
		}
	}
	return false
}
