package registry

import (
	"context"
	"fmt"

	"github.com/opforge/toolrun/runtime/dispatch/httpexec"
	"github.com/opforge/toolrun/runtime/registry/store"
)

// Hydrate registers every tool persisted for the company scope, constructing
// an HTTP adapter from each record's stored configuration. Records without an
// execute_url describe in-process tools registered elsewhere and are skipped.
// Returns the number of tools registered. Hydration stops at the first
// invalid record or registration conflict.
func Hydrate(ctx context.Context, r *Registry, st store.Store, companyID string) (int, error) {
	recs, err := st.List(ctx, companyID)
	if err != nil {
		return 0, fmt.Errorf("registry: list tool records for %q: %w", companyID, err)
	}

	registered := 0
	for _, rec := range recs {
		executeURL, _ := rec.ToolConfig["execute_url"].(string)
		if executeURL == "" {
			continue
		}
		opts := httpexec.Options{
			ExecuteURL: executeURL,
			Component:  rec.ToolName,
		}
		if healthURL, ok := rec.ToolConfig["health_url"].(string); ok {
			opts.HealthURL = healthURL
		}
		if token, ok := rec.ToolConfig["token"].(string); ok && token != "" {
			opts.Tokens = httpexec.StaticToken(token)
		}
		for _, c := range rec.Metadata.Capabilities {
			opts.Capabilities = append(opts.Capabilities, c.Name)
		}
		exec, err := httpexec.New(opts)
		if err != nil {
			return registered, fmt.Errorf("registry: hydrate tool %q: %w", rec.ToolName, err)
		}
		if err := r.Register(rec.Metadata, exec); err != nil {
			return registered, err
		}
		registered++
	}
	return registered, nil
}
