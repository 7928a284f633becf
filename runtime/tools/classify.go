package tools

import "strings"

// operationPrefixes maps capability-name prefixes to operation types. Longer
// prefixes are checked first so "delete_file" never matches "del" heuristics
// of a broader class.
var operationPrefixes = []struct {
	prefix string
	op     OperationType
}{
	{"read", OpRead},
	{"get", OpRead},
	{"list", OpRead},
	{"search", OpRead},
	{"query", OpRead},
	{"fetch", OpRead},
	{"delete", OpDelete},
	{"remove", OpDelete},
	{"drop", OpDelete},
	{"write", OpWrite},
	{"create", OpWrite},
	{"update", OpWrite},
	{"set", OpWrite},
	{"move", OpWrite},
	{"copy", OpWrite},
	{"upload", OpWrite},
	{"send", OpWrite},
	{"post", OpWrite},
	{"execute", OpExecute},
	{"exec", OpExecute},
	{"run", OpExecute},
	{"invoke", OpExecute},
	{"command", OpExecute},
	{"configure", OpConfigure},
	{"config", OpConfigure},
	{"enable", OpConfigure},
	{"disable", OpConfigure},
}

// ClassifyOperation infers the operation type from a capability name.
// Unrecognized names classify as execute, the conservative default for the
// security gate.
func ClassifyOperation(capability string) OperationType {
	name := strings.ToLower(capability)
	for _, m := range operationPrefixes {
		if strings.HasPrefix(name, m.prefix) {
			return m.op
		}
	}
	return OpExecute
}
