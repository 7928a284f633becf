// Package registry maintains the set of registered tools, their capability
// index, per-user access grants, and per-(tool, user) rate limiting. Reads
// are concurrent; writes (register, grant, revoke, capability sync) are
// serialized and fire cache-invalidation hooks atomically with the write so
// cached per-user artifacts (prompt catalogs) never outlive a grant change.
package registry

import (
	"fmt"
	"sync"

	"github.com/opforge/toolrun/runtime/telemetry"
	"github.com/opforge/toolrun/runtime/toolerrors"
	"github.com/opforge/toolrun/runtime/tools"
)

// SystemUser is the pseudo-user holding globally available tools. Every
// user's effective tool set is their direct grants plus the system grants.
const SystemUser = "system"

type (
	// Descriptor is a resolved (tool, capability) pair ready for dispatch.
	Descriptor struct {
		// Tool is the owning tool's metadata.
		Tool tools.Metadata

		// Capability is the resolved capability.
		Capability tools.Capability

		// Executor runs the capability.
		Executor tools.Executor
	}

	// InvalidateFunc is called after a write mutates a user's effective tool
	// set. An empty userID means every user's cached artifacts are stale.
	InvalidateFunc func(userID string)

	// Options configures a Registry.
	Options struct {
		// Logger is used for registration and grant logging. Nil means noop.
		Logger telemetry.Logger
	}

	// Registry holds tools by name with a flat capability index. Safe for
	// concurrent use.
	Registry struct {
		mu       sync.RWMutex
		entries  map[string]*entry
		caps     map[tools.Ident]*Descriptor
		grants   map[string]map[string]struct{}
		hooks    []InvalidateFunc
		limiters *limiterSet
		logger   telemetry.Logger
	}

	entry struct {
		metadata tools.Metadata
		executor tools.Executor
	}
)

// New creates an empty registry.
func New(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Registry{
		entries:  make(map[string]*entry),
		caps:     make(map[tools.Ident]*Descriptor),
		grants:   make(map[string]map[string]struct{}),
		limiters: newLimiterSet(),
		logger:   logger,
	}
}

// OnInvalidate registers a hook fired after every write that changes a user's
// effective tool set. Hooks run while the write lock is held so invalidation
// is atomic with the write; they must not call back into the registry.
func (r *Registry) OnInvalidate(fn InvalidateFunc) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, fn)
}

// Register inserts a tool with its executor. Registration fails with
// DuplicateTool when the name is already present and with InvalidInput when
// the metadata is incomplete.
func (r *Registry) Register(md tools.Metadata, exec tools.Executor) error {
	if md.Name == "" {
		return toolerrors.New(toolerrors.CodeInvalidInput, "tool name is required")
	}
	if len(md.Capabilities) == 0 {
		return toolerrors.Newf(toolerrors.CodeInvalidInput, "tool %q declares no capabilities", md.Name)
	}
	if exec == nil {
		return toolerrors.Newf(toolerrors.CodeInvalidInput, "tool %q has no executor", md.Name)
	}
	for _, c := range md.Capabilities {
		if c.Name == "" {
			return toolerrors.Newf(toolerrors.CodeInvalidInput, "tool %q declares a capability without a name", md.Name)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[md.Name]; ok {
		return toolerrors.Newf(toolerrors.CodeDuplicateTool, "tool %q is already registered", md.Name)
	}
	r.entries[md.Name] = &entry{metadata: md, executor: exec}
	r.indexLocked(md, exec)
	return nil
}

// Resolve returns the descriptor for (tool, capability). Resolution fails
// with UnknownTool when the tool is absent and UnknownCapability when the
// tool exists without the capability.
func (r *Registry) Resolve(toolName, capabilityName string) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if desc, ok := r.caps[tools.Join(toolName, capabilityName)]; ok {
		return desc, nil
	}
	if _, ok := r.entries[toolName]; ok {
		return nil, toolerrors.Newf(toolerrors.CodeUnknownCapability, "tool %q has no capability %q", toolName, capabilityName)
	}
	return nil, toolerrors.Newf(toolerrors.CodeUnknownTool, "tool %q is not registered", toolName)
}

// Metadata returns the metadata for a registered tool.
func (r *Registry) Metadata(toolName string) (tools.Metadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[toolName]
	if !ok {
		return tools.Metadata{}, toolerrors.Newf(toolerrors.CodeUnknownTool, "tool %q is not registered", toolName)
	}
	return e.metadata, nil
}

// SyncCapabilities replaces the capability set of a registered tool and
// invalidates every user's cached artifacts.
func (r *Registry) SyncCapabilities(md tools.Metadata) error {
	if len(md.Capabilities) == 0 {
		return toolerrors.Newf(toolerrors.CodeInvalidInput, "tool %q declares no capabilities", md.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[md.Name]
	if !ok {
		return toolerrors.Newf(toolerrors.CodeUnknownTool, "tool %q is not registered", md.Name)
	}
	for _, c := range e.metadata.Capabilities {
		delete(r.caps, tools.Join(md.Name, c.Name))
	}
	e.metadata = md
	r.indexLocked(md, e.executor)
	r.invalidateLocked("")
	return nil
}

// Grant adds a tool to the user's access set and invalidates the user's
// cached artifacts. Granting an unregistered tool fails with UnknownTool.
func (r *Registry) Grant(userID, toolName string) error {
	if userID == "" {
		return toolerrors.New(toolerrors.CodeInvalidInput, "user id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[toolName]; !ok {
		return toolerrors.Newf(toolerrors.CodeUnknownTool, "tool %q is not registered", toolName)
	}
	set, ok := r.grants[userID]
	if !ok {
		set = make(map[string]struct{})
		r.grants[userID] = set
	}
	set[toolName] = struct{}{}
	r.invalidateLocked(userID)
	return nil
}

// Revoke removes a tool from the user's access set and invalidates the
// user's cached artifacts. Revoking an absent grant is a no-op.
func (r *Registry) Revoke(userID, toolName string) error {
	if userID == "" {
		return toolerrors.New(toolerrors.CodeInvalidInput, "user id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.grants[userID]; ok {
		delete(set, toolName)
		if len(set) == 0 {
			delete(r.grants, userID)
		}
	}
	r.invalidateLocked(userID)
	return nil
}

// ListForUser returns the metadata of every tool in the user's effective set:
// the user's direct grants plus the system pseudo-user's grants. Grants are
// direct only; there is no inheritance.
func (r *Registry) ListForUser(userID string) []tools.Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []tools.Metadata
	for _, scope := range []string{SystemUser, userID} {
		for name := range r.grants[scope] {
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			if e, ok := r.entries[name]; ok {
				out = append(out, e.metadata)
			}
		}
	}
	return out
}

// HasAccess reports whether the tool is in the user's effective set.
func (r *Registry) HasAccess(userID, toolName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.grants[SystemUser][toolName]; ok {
		return true
	}
	_, ok := r.grants[userID][toolName]
	return ok
}

// Authorize checks the user's grant and required permissions for the tool.
// Failures surface as Unauthorized for the caller to audit.
func (r *Registry) Authorize(userID, toolName string, permissions []string) error {
	r.mu.RLock()
	e, registered := r.entries[toolName]
	r.mu.RUnlock()
	if !registered {
		return toolerrors.Newf(toolerrors.CodeUnknownTool, "tool %q is not registered", toolName)
	}
	if !r.HasAccess(userID, toolName) {
		return toolerrors.Newf(toolerrors.CodeUnauthorized, "user %q has no grant for tool %q", userID, toolName)
	}
	held := make(map[string]struct{}, len(permissions))
	for _, p := range permissions {
		held[p] = struct{}{}
	}
	for _, required := range e.metadata.RequiredPermissions {
		if _, ok := held[required]; !ok {
			return toolerrors.Newf(toolerrors.CodeUnauthorized,
				"user %q lacks permission %q required by tool %q", userID, required, toolName)
		}
	}
	return nil
}

// Allow applies the tool's per-(tool, user) rate limit. It fails with
// RateLimited carrying a retry-after hint when the window is exhausted, and
// passes when the tool declares no limit.
func (r *Registry) Allow(toolName, userID string) error {
	r.mu.RLock()
	e, ok := r.entries[toolName]
	r.mu.RUnlock()
	if !ok {
		return toolerrors.Newf(toolerrors.CodeUnknownTool, "tool %q is not registered", toolName)
	}
	perMinute := e.metadata.RateLimitPerMinute
	if perMinute <= 0 {
		return nil
	}
	delay, ok := r.limiters.allow(toolName, userID, perMinute)
	if ok {
		return nil
	}
	return toolerrors.Newf(toolerrors.CodeRateLimited,
		"tool %q rate limit of %d/minute exhausted for user %q", toolName, perMinute, userID).
		WithRetryAfter(delay.Milliseconds())
}

// indexLocked rebuilds capability descriptors for md. Callers hold mu.
func (r *Registry) indexLocked(md tools.Metadata, exec tools.Executor) {
	for _, c := range md.Capabilities {
		r.caps[tools.Join(md.Name, c.Name)] = &Descriptor{Tool: md, Capability: c, Executor: exec}
	}
}

// invalidateLocked fires the invalidation hooks. Callers hold mu.
func (r *Registry) invalidateLocked(userID string) {
	for _, fn := range r.hooks {
		fn(userID)
	}
}

// String implements fmt.Stringer for diagnostics.
func (r *Registry) String() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return fmt.Sprintf("registry(%d tools, %d capabilities)", len(r.entries), len(r.caps))
}
