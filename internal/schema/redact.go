package schema

import "encoding/json"

// Mask replaces sensitive values in persisted payloads. Fixed length, so the
// mask leaks nothing about the original value's size.
const Mask = "********"

var fullMask = []byte(`"` + Mask + `"`)

// Redact returns input with every schema-marked sensitive value replaced by
// Mask. A property schema carrying `"secret": true` or `"writeOnly": true`
// marks its value sensitive; marks are honored on object properties,
// additionalProperties, and array items, recursively. Redact never fails
// open: if the schema or input cannot be interpreted, the entire payload is
// replaced by the mask.
func Redact(schemaJSON, input []byte) []byte {
	if len(input) == 0 {
		return nil
	}
	var sch any
	if err := json.Unmarshal(schemaJSON, &sch); err != nil {
		return fullMask
	}
	var doc any
	if err := json.Unmarshal(input, &doc); err != nil {
		return fullMask
	}
	out, err := json.Marshal(applySchema(sch, doc))
	if err != nil {
		return fullMask
	}
	return out
}

// RedactAll masks an entire payload. Used when no schema is available to
// drive field-level redaction.
func RedactAll(input []byte) []byte {
	if len(input) == 0 {
		return nil
	}
	return fullMask
}

func applySchema(schema any, value any) any {
	sm, ok := schema.(map[string]any)
	if !ok {
		return value
	}
	if sensitive(sm) {
		return Mask
	}
	switch v := value.(type) {
	case map[string]any:
		props, _ := sm["properties"].(map[string]any)
		additional := sm["additionalProperties"]
		out := make(map[string]any, len(v))
		for key, val := range v {
			if ps, ok := props[key]; ok {
				out[key] = applySchema(ps, val)
				continue
			}
			if am, ok := additional.(map[string]any); ok {
				out[key] = applySchema(am, val)
				continue
			}
			out[key] = val
		}
		return out
	case []any:
		items, ok := sm["items"].(map[string]any)
		if !ok {
			return v
		}
		out := make([]any, len(v))
		for i, el := range v {
			out[i] = applySchema(items, el)
		}
		return out
	default:
		return value
	}
}

func sensitive(sm map[string]any) bool {
	if b, ok := sm["secret"].(bool); ok && b {
		return true
	}
	if b, ok := sm["writeOnly"].(bool); ok && b {
		return true
	}
	return false
}
