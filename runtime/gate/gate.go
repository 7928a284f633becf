// Package gate enforces the computer-use security policy. Every file,
// browser, and code-execution operation passes through Check before
// dispatch; the gate answers allowed, denied, or requires_confirmation and
// records denials and confirmation requests in a bounded audit ring.
//
// The gate runs in one of three modes. "off" denies everything,
// "restricted" applies the configured allow/deny lists, and "dev" allows
// everything at elevated risk while still recording audit entries. The
// process-wide mode can be overridden per tenant.
package gate

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/opforge/toolrun/runtime/config"
	"github.com/opforge/toolrun/runtime/tools"
)

// Decision is the gate's verdict for one operation.
type Decision string

const (
	// DecisionAllowed lets the operation proceed unconditionally.
	DecisionAllowed Decision = "allowed"

	// DecisionDenied blocks the operation; the request fails with
	// PolicyDenied.
	DecisionDenied Decision = "denied"

	// DecisionRequiresConfirmation passed the static checks but needs an
	// explicit user approval before dispatch.
	DecisionRequiresConfirmation Decision = "requires_confirmation"
)

// Kind selects which rule set applies to an operation.
type Kind string

const (
	// KindFile covers filesystem reads, writes, deletes, moves, and
	// executions of files.
	KindFile Kind = "file"

	// KindURL covers browser navigation and fetches.
	KindURL Kind = "url"

	// KindCode covers arbitrary code execution.
	KindCode Kind = "code"
)

type (
	// Policy is the declarative rule set for restricted mode. Compile once
	// via New; pattern errors surface at construction, not per check.
	Policy struct {
		// Mode is the process-wide gate mode.
		Mode tools.ComputerMode

		// AllowedPaths are glob patterns (with * and ~ expansion) a file
		// target must match. Empty allows any path not otherwise denied.
		AllowedPaths []string

		// DeniedPaths are glob or prefix patterns that always deny.
		DeniedPaths []string

		// AllowedExtensions, when non-empty, restricts file targets to these
		// extensions. DeniedExtensions wins over it.
		AllowedExtensions []string
		DeniedExtensions  []string

		// AllowedURLPatterns and DeniedURLPatterns are regular expressions.
		// Deny is evaluated first and wins.
		AllowedURLPatterns []string
		DeniedURLPatterns  []string

		// MaxFileSize bounds write sizes in bytes. A write of exactly
		// MaxFileSize is allowed; one byte more is denied. Zero disables the
		// check.
		MaxFileSize int64

		// ConfirmationOperations lists the file actions that require user
		// confirmation (typically write, delete, move, execute).
		ConfirmationOperations []string
	}

	// Operation describes one computer-use action to check.
	Operation struct {
		// Kind selects the rule set.
		Kind Kind

		// Action is the file action (read, write, delete, move, execute).
		// Ignored for URL and code operations.
		Action string

		// Target is the file path or URL.
		Target string

		// SizeBytes is the payload size for writes.
		SizeBytes int64

		// Code is the source to scan for code-execution operations.
		Code string

		// Sandbox reports whether the execution environment is sandboxed.
		// Restricted mode denies unsandboxed code execution.
		Sandbox bool

		// UserID attributes audit entries.
		UserID string
	}

	// CheckResult is the gate's answer.
	CheckResult struct {
		// Allowed reports whether the operation passed the static checks. A
		// requires_confirmation result is allowed pending user approval.
		Allowed bool `json:"allowed"`

		// Decision is the verdict.
		Decision Decision `json:"decision"`

		// Reason explains denials and confirmation requests.
		Reason string `json:"reason,omitempty"`

		// ConfirmationMessage is the question to put to the user when the
		// decision is requires_confirmation.
		ConfirmationMessage string `json:"confirmation_message,omitempty"`

		// RiskLevel classifies the operation.
		RiskLevel tools.RiskLevel `json:"risk_level"`
	}

	// Gate evaluates operations against the compiled policy. Safe for
	// concurrent use.
	Gate struct {
		mu      sync.RWMutex
		base    *compiled
		tenants map[string]*compiled
		audit   *auditRing
	}

	compiled struct {
		policy       Policy
		allowedPaths []pathPattern
		deniedPaths  []pathPattern
		allowedExts  map[string]struct{}
		deniedExts   map[string]struct{}
		allowedURLs  []*regexp.Regexp
		deniedURLs   []*regexp.Regexp
		confirmOps   map[string]struct{}
	}

	pathPattern struct {
		source string
		re     *regexp.Regexp
	}
)

// dangerousPatterns are substrings that flag code for high-risk
// confirmation. Matching is case-insensitive and aggregates; risk never
// escalates past high.
var dangerousPatterns = []string{
	"os.system",
	"subprocess",
	"eval(",
	"exec(",
	"rm -rf",
	"chmod 777",
	"shutil.rmtree",
	"mkfs",
	"dd if=",
	"| sh",
	"| bash",
	"sudo ",
	":(){",
}

// New compiles the policy. Invalid modes and malformed URL regexps fail
// here.
func New(p Policy) (*Gate, error) {
	base, err := compile(p)
	if err != nil {
		return nil, err
	}
	return &Gate{
		base:    base,
		tenants: make(map[string]*compiled),
		audit:   newAuditRing(auditCap),
	}, nil
}

// PolicyFromConfig maps the loaded configuration onto a Policy.
func PolicyFromConfig(cfg config.Config) Policy {
	return Policy{
		Mode:                   cfg.Mode(),
		AllowedPaths:           cfg.AllowedPaths,
		DeniedPaths:            cfg.DeniedPaths,
		AllowedExtensions:      cfg.AllowedExtensions,
		DeniedExtensions:       cfg.DeniedExtensions,
		AllowedURLPatterns:     cfg.AllowedURLPatterns,
		DeniedURLPatterns:      cfg.DeniedURLPatterns,
		MaxFileSize:            cfg.MaxFileSize,
		ConfirmationOperations: cfg.ConfirmationOperations,
	}
}

// SetTenantPolicy installs a per-tenant policy override.
func (g *Gate) SetTenantPolicy(companyID string, p Policy) error {
	c, err := compile(p)
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.tenants[companyID] = c
	g.mu.Unlock()
	return nil
}

// ClearTenantPolicy removes a tenant override, reverting to the base policy.
func (g *Gate) ClearTenantPolicy(companyID string) {
	g.mu.Lock()
	delete(g.tenants, companyID)
	g.mu.Unlock()
}

// Check evaluates one operation under the tenant's effective policy.
func (g *Gate) Check(companyID string, op Operation) CheckResult {
	g.mu.RLock()
	c, ok := g.tenants[companyID]
	if !ok {
		c = g.base
	}
	g.mu.RUnlock()

	res := c.check(op)
	switch {
	case res.Decision == DecisionDenied:
		g.audit.record(Violation{Time: time.Now().UTC(), UserID: op.UserID,
			Operation: operationLabel(op), Target: op.Target, Reason: res.Reason})
	case res.Decision == DecisionRequiresConfirmation:
		g.audit.record(Violation{Time: time.Now().UTC(), UserID: op.UserID,
			Operation: operationLabel(op), Target: op.Target,
			Reason: "confirmation required: " + res.Reason})
	case c.policy.Mode == tools.ModeDev:
		g.audit.record(Violation{Time: time.Now().UTC(), UserID: op.UserID,
			Operation: operationLabel(op), Target: op.Target, Reason: "allowed by dev mode"})
	}
	return res
}

// RecentViolations returns up to limit audit entries, newest first.
func (g *Gate) RecentViolations(limit int) []Violation {
	return g.audit.recent(limit)
}

func (c *compiled) check(op Operation) CheckResult {
	switch c.policy.Mode {
	case tools.ModeOff:
		return CheckResult{
			Decision:  DecisionDenied,
			Reason:    "computer use is disabled",
			RiskLevel: tools.RiskLow,
		}
	case tools.ModeDev:
		return CheckResult{
			Allowed:   true,
			Decision:  DecisionAllowed,
			Reason:    "dev mode",
			RiskLevel: devRisk(op),
		}
	}

	switch op.Kind {
	case KindFile:
		return c.checkFile(op)
	case KindURL:
		return c.checkURL(op)
	case KindCode:
		return c.checkCode(op)
	default:
		return CheckResult{
			Decision:  DecisionDenied,
			Reason:    fmt.Sprintf("unknown operation kind %q", op.Kind),
			RiskLevel: tools.RiskLow,
		}
	}
}

func (c *compiled) checkFile(op Operation) CheckResult {
	target := expandHome(filepath.Clean(op.Target))

	for _, p := range c.deniedPaths {
		if p.re.MatchString(target) {
			return CheckResult{
				Decision:  DecisionDenied,
				Reason:    fmt.Sprintf("path matches denied pattern %q", p.source),
				RiskLevel: tools.RiskHigh,
			}
		}
	}

	if ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(target), ".")); ext != "" {
		if _, denied := c.deniedExts[ext]; denied {
			return CheckResult{
				Decision:  DecisionDenied,
				Reason:    fmt.Sprintf("extension %q is denied", ext),
				RiskLevel: tools.RiskHigh,
			}
		}
		if len(c.allowedExts) > 0 {
			if _, ok := c.allowedExts[ext]; !ok {
				return CheckResult{
					Decision:  DecisionDenied,
					Reason:    fmt.Sprintf("extension %q is not in the allowed list", ext),
					RiskLevel: tools.RiskMedium,
				}
			}
		}
	}

	if len(c.allowedPaths) > 0 {
		matched := false
		for _, p := range c.allowedPaths {
			if p.re.MatchString(target) {
				matched = true
				break
			}
		}
		if !matched {
			return CheckResult{
				Decision:  DecisionDenied,
				Reason:    "path is outside the allowed paths",
				RiskLevel: tools.RiskMedium,
			}
		}
	}

	action := strings.ToLower(op.Action)
	if action == "write" && c.policy.MaxFileSize > 0 && op.SizeBytes > c.policy.MaxFileSize {
		return CheckResult{
			Decision:  DecisionDenied,
			Reason:    fmt.Sprintf("write of %d bytes exceeds the %d byte limit", op.SizeBytes, c.policy.MaxFileSize),
			RiskLevel: tools.RiskMedium,
		}
	}

	if _, confirm := c.confirmOps[action]; confirm {
		return CheckResult{
			Allowed:             true,
			Decision:            DecisionRequiresConfirmation,
			Reason:              fmt.Sprintf("%s operations require confirmation", action),
			ConfirmationMessage: fmt.Sprintf("Allow %s of %s?", action, op.Target),
			RiskLevel:           fileActionRisk(action),
		}
	}

	return CheckResult{Allowed: true, Decision: DecisionAllowed, RiskLevel: tools.RiskLow}
}

func (c *compiled) checkURL(op Operation) CheckResult {
	for _, re := range c.deniedURLs {
		if re.MatchString(op.Target) {
			return CheckResult{
				Decision:  DecisionDenied,
				Reason:    fmt.Sprintf("url matches denied pattern %q", re.String()),
				RiskLevel: tools.RiskHigh,
			}
		}
	}
	if len(c.allowedURLs) > 0 {
		for _, re := range c.allowedURLs {
			if re.MatchString(op.Target) {
				return CheckResult{Allowed: true, Decision: DecisionAllowed, RiskLevel: tools.RiskLow}
			}
		}
		return CheckResult{
			Decision:  DecisionDenied,
			Reason:    "url does not match any allowed pattern",
			RiskLevel: tools.RiskMedium,
		}
	}
	return CheckResult{Allowed: true, Decision: DecisionAllowed, RiskLevel: tools.RiskLow}
}

func (c *compiled) checkCode(op Operation) CheckResult {
	if !op.Sandbox {
		return CheckResult{
			Decision:  DecisionDenied,
			Reason:    "code execution requires a sandbox",
			RiskLevel: tools.RiskCritical,
		}
	}

	code := strings.ToLower(op.Code)
	var matches []string
	for _, p := range dangerousPatterns {
		if strings.Contains(code, p) {
			matches = append(matches, p)
		}
	}
	if len(matches) > 0 {
		return CheckResult{
			Allowed:             true,
			Decision:            DecisionRequiresConfirmation,
			Reason:              fmt.Sprintf("code contains dangerous patterns: %s", strings.Join(matches, ", ")),
			ConfirmationMessage: "The code contains potentially dangerous operations. Run it anyway?",
			RiskLevel:           tools.RiskHigh,
		}
	}
	return CheckResult{
		Allowed:             true,
		Decision:            DecisionRequiresConfirmation,
		Reason:              "code execution requires confirmation",
		ConfirmationMessage: "Run this code in the sandbox?",
		RiskLevel:           tools.RiskMedium,
	}
}

func compile(p Policy) (*compiled, error) {
	if !p.Mode.Valid() {
		return nil, fmt.Errorf("gate: mode %q is not one of off, restricted, dev", p.Mode)
	}
	c := &compiled{
		policy:      p,
		allowedExts: extSet(p.AllowedExtensions),
		deniedExts:  extSet(p.DeniedExtensions),
		confirmOps:  make(map[string]struct{}, len(p.ConfirmationOperations)),
	}
	for _, op := range p.ConfirmationOperations {
		c.confirmOps[strings.ToLower(op)] = struct{}{}
	}
	var err error
	if c.allowedPaths, err = compilePaths(p.AllowedPaths); err != nil {
		return nil, err
	}
	if c.deniedPaths, err = compilePaths(p.DeniedPaths); err != nil {
		return nil, err
	}
	for _, pat := range p.DeniedURLPatterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("gate: denied url pattern %q: %w", pat, err)
		}
		c.deniedURLs = append(c.deniedURLs, re)
	}
	for _, pat := range p.AllowedURLPatterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("gate: allowed url pattern %q: %w", pat, err)
		}
		c.allowedURLs = append(c.allowedURLs, re)
	}
	return c, nil
}

// compilePaths turns glob patterns into anchored regexps. "*" crosses path
// separators; a pattern without wildcards also matches everything beneath it
// as a directory prefix.
func compilePaths(patterns []string) ([]pathPattern, error) {
	out := make([]pathPattern, 0, len(patterns))
	for _, pat := range patterns {
		expanded := expandHome(pat)
		var sb strings.Builder
		sb.WriteString("^")
		sb.WriteString(strings.ReplaceAll(regexp.QuoteMeta(expanded), `\*`, `.*`))
		if !strings.Contains(expanded, "*") {
			sb.WriteString(`(/.*)?`)
		}
		sb.WriteString("$")
		re, err := regexp.Compile(sb.String())
		if err != nil {
			return nil, fmt.Errorf("gate: path pattern %q: %w", pat, err)
		}
		out = append(out, pathPattern{source: pat, re: re})
	}
	return out, nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

func extSet(exts []string) map[string]struct{} {
	set := make(map[string]struct{}, len(exts))
	for _, e := range exts {
		set[strings.ToLower(strings.TrimPrefix(e, "."))] = struct{}{}
	}
	return set
}

func fileActionRisk(action string) tools.RiskLevel {
	switch action {
	case "delete", "execute":
		return tools.RiskHigh
	default:
		return tools.RiskMedium
	}
}

func devRisk(op Operation) tools.RiskLevel {
	if op.Kind == KindCode || strings.EqualFold(op.Action, "delete") || strings.EqualFold(op.Action, "execute") {
		return tools.RiskCritical
	}
	return tools.RiskHigh
}

func operationLabel(op Operation) string {
	if op.Kind == KindFile && op.Action != "" {
		return string(op.Kind) + ":" + strings.ToLower(op.Action)
	}
	return string(op.Kind)
}
