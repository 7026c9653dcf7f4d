package x402

import (
	"encoding/json"
	"fmt"
)

// MetaField extracts a single _meta field from raw request params. The
// second return is false when params has no _meta or the key is absent.
func MetaField(params json.RawMessage, key string) (json.RawMessage, bool) {
	if len(params) == 0 {
		return nil, false
	}
	var envelope struct {
		Meta map[string]json.RawMessage `json:"_meta"`
	}
	if err := json.Unmarshal(params, &envelope); err != nil {
		return nil, false
	}
	raw, ok := envelope.Meta[key]
	return raw, ok
}

// HasMetaField reports whether params._meta carries the given key.
func HasMetaField(params json.RawMessage, key string) bool {
	_, ok := MetaField(params, key)
	return ok
}

// WithMetaFields returns a copy of params with the given fields merged into
// params._meta, creating params and _meta as needed. Existing meta fields
// under other keys are preserved.
func WithMetaFields(params json.RawMessage, fields map[string]any) (json.RawMessage, error) {
	paramsMap := make(map[string]any)
	if len(params) > 0 {
		if err := json.Unmarshal(params, &paramsMap); err != nil {
			return nil, fmt.Errorf("failed to unmarshal params: %w", err)
		}
	}

	meta, _ := paramsMap["_meta"].(map[string]any)
	if meta == nil {
		meta = make(map[string]any)
	}
	for key, value := range fields {
		meta[key] = value
	}
	paramsMap["_meta"] = meta

	return json.Marshal(paramsMap)
}

// ResultMetaField extracts a single _meta field from a raw JSON-RPC result.
func ResultMetaField(result json.RawMessage, key string) (json.RawMessage, bool) {
	return MetaField(result, key)
}
