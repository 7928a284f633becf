package prompt

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/opforge/toolrun/runtime/tools"
)

// commandToolTypes mark tools whose capabilities run shell commands and get
// OS-specific hints.
var commandToolTypes = map[string]struct{}{
	"command": {},
	"shell":   {},
}

// osCommandHints are appended to command-executor tool entries.
var osCommandHints = map[string]string{
	"linux":   "Command hints: POSIX shell syntax; paths use '/'; list with ls, search with grep.",
	"darwin":  "Command hints: POSIX shell syntax (BSD userland); paths use '/'; list with ls, search with grep.",
	"windows": "Command hints: PowerShell syntax; paths use '\\'; list with Get-ChildItem, search with Select-String.",
}

// orderingPrinciples closes the catalog part.
const orderingPrinciples = `Tool ordering principles:
- Inspect before you mutate: run read capabilities to confirm current state first.
- One mutating operation per step; wait for its result before the next.
- When several tools could serve, prefer the most specific one over a general executor.`

// catalog renders the user's effective tool catalog, served from the
// per-user cache when fresh.
func (c *Composer) catalog(ctx context.Context, userID, osName string) string {
	key := userID + "|" + osName
	if cached, ok := c.cache.Get(key); ok {
		return cached
	}

	rendered := renderCatalog(c.reg.ListForUser(userID), osName)
	c.cache.Add(key, rendered)
	c.logger.Debug(ctx, "tool catalog rebuilt", "user_id", userID, "os", osName)
	return rendered
}

func renderCatalog(mds []tools.Metadata, osName string) string {
	sort.Slice(mds, func(i, j int) bool { return mds[i].Name < mds[j].Name })

	var sb strings.Builder
	sb.WriteString("# Available tools\n")
	if len(mds) == 0 {
		sb.WriteString("No tools are available to this user.\n")
		sb.WriteString("\n")
		sb.WriteString(orderingPrinciples)
		return sb.String()
	}

	for _, md := range mds {
		fmt.Fprintf(&sb, "\n## %s", md.Name)
		if md.Description != "" {
			fmt.Fprintf(&sb, ": %s", md.Description)
		}
		sb.WriteString("\n")
		if md.RiskLevel != "" {
			fmt.Fprintf(&sb, "Risk: %s.", md.RiskLevel)
			if md.RequiresConfirmation {
				sb.WriteString(" Requires user confirmation.")
			}
			sb.WriteString("\n")
		}
		for _, cap := range md.Capabilities {
			fmt.Fprintf(&sb, "- %s", cap.Name)
			if cap.Description != "" {
				fmt.Fprintf(&sb, ": %s", cap.Description)
			}
			sb.WriteString("\n")
		}
		if _, isCommand := commandToolTypes[strings.ToLower(md.ToolType)]; isCommand {
			if hint, ok := osCommandHints[strings.ToLower(osName)]; ok {
				sb.WriteString(hint)
				sb.WriteString("\n")
			}
		}
	}

	sb.WriteString("\n")
	sb.WriteString(orderingPrinciples)
	return sb.String()
}
