package dispatch

import (
	"encoding/json"

	"github.com/opforge/toolrun/runtime/result"
	"github.com/opforge/toolrun/runtime/toolerrors"
	"github.com/opforge/toolrun/runtime/tools"
)

// normalize interprets an executor's native return shape into a Result.
// Accepted shapes: *result.Result (and the value form), and any map or
// JSON-encodable object carrying a {success, data, error} triple. Anything
// else is an InvalidExecutorResponse.
func normalize(raw any, requestID string) (*result.Result, error) {
	switch v := raw.(type) {
	case nil:
		return nil, toolerrors.New(toolerrors.CodeInvalidExecutorResponse, "executor returned nothing")
	case *result.Result:
		res := v.Clone()
		res.RequestID = requestID
		return res, nil
	case result.Result:
		res := v.Clone()
		res.RequestID = requestID
		return res, nil
	case map[string]any:
		return fromTriple(v, requestID)
	default:
		encoded, err := json.Marshal(raw)
		if err != nil {
			return nil, toolerrors.Newf(toolerrors.CodeInvalidExecutorResponse,
				"executor returned unencodable %T", raw)
		}
		var m map[string]any
		if err := json.Unmarshal(encoded, &m); err != nil {
			return nil, toolerrors.Newf(toolerrors.CodeInvalidExecutorResponse,
				"executor returned non-object %T", raw)
		}
		return fromTriple(m, requestID)
	}
}

// fromTriple maps a {success, data, error} object onto a Result.
func fromTriple(m map[string]any, requestID string) (*result.Result, error) {
	successRaw, ok := m["success"]
	if !ok {
		return nil, toolerrors.New(toolerrors.CodeInvalidExecutorResponse,
			"executor response is missing the success field")
	}
	success, ok := successRaw.(bool)
	if !ok {
		return nil, toolerrors.Newf(toolerrors.CodeInvalidExecutorResponse,
			"executor response success field is %T, want bool", successRaw)
	}

	if !success {
		msg := "executor reported failure"
		if s, ok := m["error"].(string); ok && s != "" {
			msg = s
		}
		res := result.Fail(requestID, toolerrors.New(toolerrors.CodeExecutorError, msg))
		applyExtras(res, m)
		return res, nil
	}

	var data map[string]any
	switch d := m["data"].(type) {
	case nil:
	case map[string]any:
		data = d
	default:
		data = map[string]any{"value": d}
	}
	res := result.OK(requestID, data)
	applyExtras(res, m)
	return res, nil
}

// applyExtras copies optional result fields executors may include alongside
// the triple.
func applyExtras(res *result.Result, m map[string]any) {
	if effects, ok := m["side_effects"].([]any); ok {
		for _, e := range effects {
			if s, ok := e.(string); ok {
				res.SideEffects = append(res.SideEffects, s)
			}
		}
	}
	if token, ok := m["rollback_token"].(string); ok {
		res.RollbackToken = token
	}
	if op, ok := m["operation_type"].(string); ok {
		res.OperationType = tools.ParseOperationType(op)
	}
	if risk, ok := m["risk_level"].(string); ok {
		res.RiskLevel = tools.ParseRiskLevel(risk)
	}
}
