package effect

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// CanonicalJSON renders v as JSON with object keys sorted at every level,
// so equal values always produce equal bytes. Values are normalized through
// a JSON round trip first, which makes Go-native numbers render the same as
// decoded ones.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	var tree any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	out, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return out, nil
}

// ToolHash derives the stable id of a logical tool call from its name and
// parameters. Identical calls hash identically regardless of map order, so
// the hash doubles as the ToolCall id and the dedup probe key suffix.
// Params that cannot marshal hash by their Go representation instead.
func ToolHash(name string, params map[string]any) string {
	canon, err := CanonicalJSON(params)
	if err != nil {
		canon = fmt.Appendf(nil, "%v", params)
	}
	sum := sha1.Sum(append([]byte(name), canon...))
	return hex.EncodeToString(sum[:])
}

// hashFields is the shared DedupKey implementation: SHA-1 hex over the
// key-sorted canonical JSON of the effect's fields.
func hashFields(fields map[string]any) string {
	canon, err := CanonicalJSON(fields)
	if err != nil {
		canon = fmt.Appendf(nil, "%v", fields)
	}
	sum := sha1.Sum(canon)
	return hex.EncodeToString(sum[:])
}
