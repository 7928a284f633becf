package prompt

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opforge/toolrun/runtime/registry"
	"github.com/opforge/toolrun/runtime/tools"
)

type nopExecutor struct{}

func (nopExecutor) Execute(context.Context, string, map[string]any, tools.ExecContext) (any, error) {
	return map[string]any{"success": true}, nil
}
func (nopExecutor) HealthCheck(context.Context) tools.Health {
	return tools.Health{Healthy: true, Component: "nop"}
}
func (nopExecutor) ValidateInput(string, map[string]any) []string { return nil }
func (nopExecutor) Capabilities() []string                        { return nil }

func newComposer(t *testing.T) (*Composer, *registry.Registry) {
	t.Helper()
	reg := registry.New(registry.Options{})
	require.NoError(t, reg.Register(tools.Metadata{
		Name:        "scada_tool",
		Description: "reads and writes control system tags",
		RiskLevel:   tools.RiskHigh,
		Capabilities: []tools.Capability{
			{Name: "read_tag", Description: "read a tag value"},
			{Name: "write_tag", Description: "write a setpoint"},
		},
	}, nopExecutor{}))
	require.NoError(t, reg.Register(tools.Metadata{
		Name:        "cmd_tool",
		Description: "runs shell commands",
		ToolType:    "command",
		RiskLevel:   tools.RiskHigh,
		Capabilities: []tools.Capability{
			{Name: "run", Description: "run a command"},
		},
	}, nopExecutor{}))
	require.NoError(t, reg.Grant("u1", "scada_tool"))
	require.NoError(t, reg.Grant("u1", "cmd_tool"))

	c, err := New(Options{Registry: reg, CacheTTL: time.Minute})
	require.NoError(t, err)
	return c, reg
}

func TestComposePartsInOrder(t *testing.T) {
	c, _ := newComposer(t)

	p := c.Compose(context.Background(), Request{
		UserID:      "u1",
		Domain:      DomainSCADA,
		UserMessage: "start pump P-101",
	})

	require.Contains(t, p.Policy, "Safety policy")
	require.Contains(t, p.Domain, "SCADA")
	require.Contains(t, p.Catalog, "## scada_tool")
	require.Contains(t, p.Catalog, "- write_tag")
	require.Contains(t, p.Task, "User message: start pump P-101")

	system := p.System()
	policyIdx := strings.Index(system, "Safety policy")
	domainIdx := strings.Index(system, "Domain: SCADA")
	catalogIdx := strings.Index(system, "# Available tools")
	taskIdx := strings.Index(system, "# Task")
	require.GreaterOrEqual(t, policyIdx, 0)
	require.Less(t, policyIdx, domainIdx)
	require.Less(t, domainIdx, catalogIdx)
	require.Less(t, catalogIdx, taskIdx)
}

func TestDomainSelection(t *testing.T) {
	c, _ := newComposer(t)

	// Explicit tenant configuration wins.
	p := c.Compose(context.Background(), Request{UserID: "u1", Domain: DomainMES, Role: "operator"})
	require.Contains(t, p.Domain, "manufacturing execution")

	// Role mapping applies when no domain is configured.
	p = c.Compose(context.Background(), Request{UserID: "u1", Role: "technician"})
	require.Contains(t, p.Domain, "equipment maintenance")

	// Message content never selects the domain.
	p = c.Compose(context.Background(), Request{UserID: "u1", UserMessage: "open the SCADA screen for FT-101"})
	require.Contains(t, p.Domain, "general operations")
}

func TestCustomDomainAndRoleMapping(t *testing.T) {
	c, _ := newComposer(t)
	c.SetDomain("quality", "Domain: quality inspection.")
	c.SetRoleDomain("inspector", "quality")

	p := c.Compose(context.Background(), Request{UserID: "u1", Role: "Inspector"})
	require.Equal(t, "Domain: quality inspection.", p.Domain)
}

func TestCatalogOSHints(t *testing.T) {
	c, _ := newComposer(t)

	p := c.Compose(context.Background(), Request{UserID: "u1", OS: "linux"})
	require.Contains(t, p.Catalog, "POSIX shell")

	p = c.Compose(context.Background(), Request{UserID: "u1", OS: "windows"})
	require.Contains(t, p.Catalog, "PowerShell")
}

func TestCatalogCacheInvalidatedOnGrantChange(t *testing.T) {
	c, reg := newComposer(t)

	before := c.Compose(context.Background(), Request{UserID: "u1"}).Catalog
	require.Contains(t, before, "## scada_tool")

	require.NoError(t, reg.Revoke("u1", "scada_tool"))
	after := c.Compose(context.Background(), Request{UserID: "u1"}).Catalog
	require.NotContains(t, after, "## scada_tool")
	require.Contains(t, after, "## cmd_tool")
}

func TestCatalogCacheInvalidatedOnSync(t *testing.T) {
	c, reg := newComposer(t)

	before := c.Compose(context.Background(), Request{UserID: "u1"}).Catalog
	require.Contains(t, before, "- read_tag")

	md, err := reg.Metadata("scada_tool")
	require.NoError(t, err)
	md.Capabilities = []tools.Capability{{Name: "read_tag_v2", Description: "read a tag value"}}
	require.NoError(t, reg.SyncCapabilities(md))

	after := c.Compose(context.Background(), Request{UserID: "u1"}).Catalog
	require.Contains(t, after, "- read_tag_v2")
	require.NotContains(t, after, "- read_tag\n")
}

func TestEmptyCatalog(t *testing.T) {
	c, _ := newComposer(t)
	p := c.Compose(context.Background(), Request{UserID: "stranger"})
	require.Contains(t, p.Catalog, "No tools are available")
	require.Contains(t, p.Catalog, "Tool ordering principles")
}

func TestTaskIncludesWindowAndClassifier(t *testing.T) {
	c, _ := newComposer(t)
	p := c.Compose(context.Background(), Request{
		UserID:           "u1",
		UserMessage:      "and now?",
		MaxContextTokens: 100,
		History: []Message{
			{Role: "user", Content: "status of P-101"},
			{Role: "assistant", Content: "P-101 is stopped"},
		},
		Intent:   "equipment_control",
		Entities: map[string]string{"asset": "P-101"},
	})
	require.Contains(t, p.Task, "user: status of P-101")
	require.Contains(t, p.Task, "assistant: P-101 is stopped")
	require.Contains(t, p.Task, "Classified intent: equipment_control")
	require.Contains(t, p.Task, "- asset: P-101")
}
