package envelope

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// EffectiveIdempotencyKey returns the caller-provided key when present, else
// a deterministic digest over (tool, capability, user, parameters). The
// derivation canonicalizes via RFC 8785 so semantically equal parameter maps
// hash identically regardless of key ordering or transport-level formatting.
func (e *Envelope) EffectiveIdempotencyKey() (string, error) {
	if e.IdempotencyKey != "" {
		return e.IdempotencyKey, nil
	}
	return DeriveKey(e.ToolName, e.CapabilityName, e.Context.UserID, e.Parameters)
}

// DeriveKey computes the derived idempotency key for the given identity and
// parameters. Exposed so stores and tests can derive keys without a full
// Envelope.
func DeriveKey(tool, capability, userID string, params map[string]any) (string, error) {
	raw, err := json.Marshal(struct {
		Tool       string         `json:"tool"`
		Capability string         `json:"capability"`
		User       string         `json:"user"`
		Params     map[string]any `json:"params"`
	}{Tool: tool, Capability: capability, User: userID, Params: params})
	if err != nil {
		return "", fmt.Errorf("derive idempotency key: marshal: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("derive idempotency key: canonicalize: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
