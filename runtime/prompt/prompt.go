// Package prompt composes the planner system prompt: a fixed policy part, a
// domain part selected by tenant configuration or role mapping, the user's
// tool catalog, and the task part with the conversation window. Catalogs are
// cached per user with a TTL and invalidated through the registry's
// invalidation hook, so a grant change is visible on the next composition.
package prompt

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/opforge/toolrun/runtime/registry"
	"github.com/opforge/toolrun/runtime/telemetry"
)

// Defaults applied when Options leaves them zero.
const (
	DefaultCacheTTL  = 5 * time.Minute
	DefaultCacheSize = 1024
)

// maxMessageChars bounds a single conversation message; longer messages are
// truncated with an ellipsis marker.
const maxMessageChars = 2000

type (
	// Message is one conversation turn.
	Message struct {
		// Role is "user" or "assistant".
		Role string `json:"role"`

		// Content is the turn text.
		Content string `json:"content"`
	}

	// Request carries everything Compose needs for one prompt.
	Request struct {
		// UserID selects the tool catalog.
		UserID string

		// Role feeds the role-to-domain mapping when Domain is empty.
		Role string

		// Domain is the tenant-configured template key. Empty falls back to
		// the role mapping, then to the general template.
		Domain string

		// OS selects command hints for command-executor tools ("linux",
		// "darwin", "windows"). Empty omits OS-specific hints.
		OS string

		// UserMessage is the current user message.
		UserMessage string

		// History is the prior conversation, oldest first.
		History []Message

		// MaxContextTokens budgets the conversation window. Zero means no
		// conversation context.
		MaxContextTokens int

		// Intent and Entities are included when a classifier ran upstream.
		Intent   string
		Entities map[string]string
	}

	// Prompt is the composed result. System is the parts joined in order.
	Prompt struct {
		Policy  string
		Domain  string
		Catalog string
		Task    string
	}

	// Options configures a Composer.
	Options struct {
		// Registry supplies per-user tool sets and the invalidation hook.
		// Required.
		Registry *registry.Registry

		// CacheTTL bounds catalog cache entries.
		CacheTTL time.Duration

		// CacheSize bounds the number of cached catalogs.
		CacheSize int

		// Logger is used for cache diagnostics. Nil means noop.
		Logger telemetry.Logger
	}

	// Composer builds prompts. Safe for concurrent use.
	Composer struct {
		reg    *registry.Registry
		cache  *expirable.LRU[string, string]
		logger telemetry.Logger

		mu          sync.RWMutex
		domains     map[string]string
		roleDomains map[string]string
	}
)

// New creates a Composer and hooks it into the registry's invalidation.
func New(opts Options) (*Composer, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("prompt: registry is required")
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}

	c := &Composer{
		reg:         opts.Registry,
		cache:       expirable.NewLRU[string, string](opts.CacheSize, nil, opts.CacheTTL),
		logger:      logger,
		domains:     make(map[string]string, len(defaultDomains)),
		roleDomains: make(map[string]string, len(defaultRoleDomains)),
	}
	for k, v := range defaultDomains {
		c.domains[k] = v
	}
	for k, v := range defaultRoleDomains {
		c.roleDomains[k] = v
	}

	opts.Registry.OnInvalidate(c.invalidate)
	return c, nil
}

// SetDomain installs or replaces a domain template.
func (c *Composer) SetDomain(key, template string) {
	c.mu.Lock()
	c.domains[key] = template
	c.mu.Unlock()
}

// SetRoleDomain maps a role onto a domain template key.
func (c *Composer) SetRoleDomain(role, domainKey string) {
	c.mu.Lock()
	c.roleDomains[strings.ToLower(role)] = domainKey
	c.mu.Unlock()
}

// Compose assembles the prompt parts for the request.
func (c *Composer) Compose(ctx context.Context, req Request) Prompt {
	key := c.resolveDomain(req.Domain, req.Role)
	c.mu.RLock()
	domain := c.domains[key]
	c.mu.RUnlock()

	return Prompt{
		Policy:  policyPart,
		Domain:  domain,
		Catalog: c.catalog(ctx, req.UserID, req.OS),
		Task:    c.task(req),
	}
}

// System returns the full prompt text, parts joined in order.
func (p Prompt) System() string {
	parts := make([]string, 0, 4)
	for _, part := range []string{p.Policy, p.Domain, p.Catalog, p.Task} {
		if part != "" {
			parts = append(parts, part)
		}
	}
	return strings.Join(parts, "\n\n")
}

// task renders the task part: conversation window, classifier context, and
// the current user message.
func (c *Composer) task(req Request) string {
	var sb strings.Builder
	sb.WriteString("# Task\n")

	if window := Window(req.History, req.MaxContextTokens); len(window) > 0 {
		sb.WriteString("Recent conversation:\n")
		for _, m := range window {
			sb.WriteString(m.Role)
			sb.WriteString(": ")
			sb.WriteString(m.Content)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}

	if req.Intent != "" {
		sb.WriteString("Classified intent: ")
		sb.WriteString(req.Intent)
		sb.WriteString("\n")
	}
	if len(req.Entities) > 0 {
		keys := make([]string, 0, len(req.Entities))
		for k := range req.Entities {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString("Extracted entities:\n")
		for _, k := range keys {
			fmt.Fprintf(&sb, "- %s: %s\n", k, req.Entities[k])
		}
	}

	sb.WriteString("\nUser message: ")
	sb.WriteString(req.UserMessage)
	return sb.String()
}

// invalidate is the registry hook. An empty user id flushes every catalog;
// otherwise only the user's entries (one per OS variant) are dropped.
func (c *Composer) invalidate(userID string) {
	if userID == "" {
		c.cache.Purge()
		return
	}
	prefix := userID + "|"
	for _, key := range c.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.cache.Remove(key)
		}
	}
}
