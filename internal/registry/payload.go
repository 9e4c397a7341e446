package registry

import (
	"encoding/json"
	"fmt"
)

// normalizePayload returns an independent copy of p built from its JSON form,
// so the stored payload only holds maps, slices and JSON scalars.
func normalizePayload(p map[string]any) (map[string]any, error) {
	if p == nil {
		return nil, nil
	}

	encoded, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("payload is not JSON encodable: %w", err)
	}

	var out map[string]any
	if err := json.Unmarshal(encoded, &out); err != nil {
		return nil, fmt.Errorf("payload is not JSON decodable: %w", err)
	}
	return out, nil
}

// copyPayload deep-copies a normalized payload.
func copyPayload(p map[string]any) map[string]any {
	if p == nil {
		return nil
	}
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return copyPayload(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = copyValue(item)
		}
		return out
	default:
		return val
	}
}
