// Package store defines the persistence layer interface for per-tenant tool
// metadata.
//
// The Store interface abstracts tool record storage, allowing different
// backend implementations. Available implementations:
//
//   - memory: In-memory store for development and testing
//   - mongo: MongoDB store for production persistence
//
// To add a new implementation, create a subpackage that implements the Store
// interface and returns store.ErrNotFound for missing records.
package store

import (
	"context"
	"errors"

	"github.com/opforge/toolrun/runtime/tools"
)

// ErrNotFound is returned when a tool record is not found in the store.
var ErrNotFound = errors.New("tool record not found")

type (
	// ToolRecord is the persisted per-tenant view of a registered tool.
	ToolRecord struct {
		// CompanyID scopes the record to a tenant.
		CompanyID string `json:"company_id"`

		// ToolName is the tool identifier within the tenant.
		ToolName string `json:"tool_name"`

		// ToolConfig carries tenant-specific tool configuration. Secret
		// values must be encrypted by the caller before persisting.
		ToolConfig map[string]any `json:"tool_config,omitempty"`

		// Metadata is the registered tool metadata, capabilities included.
		Metadata tools.Metadata `json:"metadata"`
	}

	// Store defines the persistence layer for per-tenant tool metadata.
	// Implementations must be safe for concurrent use.
	Store interface {
		// Put stores or replaces the record for (company, tool).
		Put(ctx context.Context, rec *ToolRecord) error

		// Get retrieves the record for (company, tool). Returns ErrNotFound
		// if the record does not exist.
		Get(ctx context.Context, companyID, toolName string) (*ToolRecord, error)

		// List returns every record for the company. Returns an empty slice
		// when the company has none.
		List(ctx context.Context, companyID string) ([]*ToolRecord, error)

		// Delete removes the record for (company, tool). Returns ErrNotFound
		// if the record does not exist.
		Delete(ctx context.Context, companyID, toolName string) error
	}
)
