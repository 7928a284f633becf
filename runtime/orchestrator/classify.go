package orchestrator

import (
	"github.com/opforge/toolrun/runtime/envelope"
	"github.com/opforge/toolrun/runtime/gate"
	"github.com/opforge/toolrun/runtime/registry"
	"github.com/opforge/toolrun/runtime/tools"
)

// classifyOperations derives the gate operations implied by the request.
// Tools without a computer mode perform no file, browser, or code-execution
// operations and bypass the gate entirely. Parameters are inspected for the
// conventional keys: path/file_path (file), url (browser), code plus sandbox
// (code execution).
func classifyOperations(desc *registry.Descriptor, env *envelope.Envelope) []gate.Operation {
	if desc.Tool.ComputerMode == "" {
		return nil
	}

	userID := env.Context.UserID
	action := string(tools.ClassifyOperation(env.CapabilityName))
	var ops []gate.Operation

	if target, ok := stringParam(env.Parameters, "path", "file_path"); ok {
		op := gate.Operation{
			Kind:   gate.KindFile,
			Action: action,
			Target: target,
			UserID: userID,
		}
		if content, ok := env.Parameters["content"].(string); ok {
			op.SizeBytes = int64(len(content))
		}
		ops = append(ops, op)
	}
	if target, ok := stringParam(env.Parameters, "url"); ok {
		ops = append(ops, gate.Operation{
			Kind:   gate.KindURL,
			Target: target,
			UserID: userID,
		})
	}
	if code, ok := stringParam(env.Parameters, "code"); ok {
		sandbox, _ := env.Parameters["sandbox"].(bool)
		ops = append(ops, gate.Operation{
			Kind:    gate.KindCode,
			Code:    code,
			Sandbox: sandbox,
			UserID:  userID,
		})
	}
	return ops
}

// mutationEffects describes the gate-classified mutating operations so a
// successful result's side effects can be completed to cover them.
func mutationEffects(ops []gate.Operation) []string {
	var out []string
	for _, op := range ops {
		switch op.Kind {
		case gate.KindFile:
			if tools.OperationType(op.Action).Mutating() {
				out = append(out, op.Action+" "+op.Target)
			}
		case gate.KindCode:
			out = append(out, "execute code in sandbox")
		}
	}
	return out
}

func stringParam(params map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := params[k].(string); ok && v != "" {
			return v, true
		}
	}
	return "", false
}
