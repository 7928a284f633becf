package tools

import "strings"

// Ident is the strong type for fully qualified capability identifiers.
// Identifiers are canonical strings of the form "tool.capability". Use this
// type in maps and APIs to avoid mixing with free-form strings and to document
// intent at call sites.
type Ident string

// Join builds an identifier from its tool and capability parts.
func Join(tool, capability string) Ident {
	return Ident(tool + "." + capability)
}

// String returns the string representation of the identifier.
func (id Ident) String() string {
	return string(id)
}

// Tool returns the tool component of the identifier.
func (id Ident) Tool() string {
	i := strings.IndexByte(string(id), '.')
	if i < 0 {
		return string(id)
	}
	return string(id)[:i]
}

// Capability returns the capability component of the identifier.
func (id Ident) Capability() string {
	i := strings.IndexByte(string(id), '.')
	if i < 0 {
		return ""
	}
	return string(id)[i+1:]
}
