package translate

import (
	"encoding/json"
)

var allowedSchemaFields = map[string]bool{
	"type":        true,
	"description": true,
	"properties":  true,
	"required":    true,
	"items":       true,
	"enum":        true,
}

// SanitizeSchema narrows an arbitrary JSON Schema object down to the
// subset Cloud Code's function-declaration parameters accept: an
// allow-listed field set, "const" folded into a single-value "enum",
// missing "type" defaulted to "object", and a placeholder "reason"
// property injected into any object schema that would otherwise declare
// no properties at all (Cloud Code rejects empty-parameter tools).
func SanitizeSchema(schema json.RawMessage) json.RawMessage {
	var v any
	if len(schema) == 0 {
		v = map[string]any{}
	} else if err := json.Unmarshal(schema, &v); err != nil {
		v = map[string]any{}
	}
	sanitized := sanitizeValue(v)
	out, err := json.Marshal(sanitized)
	if err != nil {
		return schema
	}
	return out
}

func sanitizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return sanitizeObject(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = sanitizeValue(e)
		}
		return out
	default:
		return t
	}
}

func sanitizeObject(obj map[string]any) map[string]any {
	clean := make(map[string]any)

	if constVal, ok := obj["const"]; ok {
		clean["enum"] = []any{constVal}
	}

	for key, value := range obj {
		if key == "const" || !allowedSchemaFields[key] {
			continue
		}
		switch key {
		case "properties":
			if props, ok := value.(map[string]any); ok {
				sanitizedProps := make(map[string]any, len(props))
				for pk, pv := range props {
					sanitizedProps[pk] = sanitizeValue(pv)
				}
				clean["properties"] = sanitizedProps
			}
		case "items":
			clean["items"] = sanitizeValue(value)
		default:
			clean[key] = value
		}
	}

	if _, ok := clean["type"]; !ok {
		clean["type"] = "object"
	}

	if clean["type"] == "object" {
		props, _ := clean["properties"].(map[string]any)
		if len(props) == 0 {
			clean["properties"] = map[string]any{
				"reason": map[string]any{
					"type":        "string",
					"description": "Reason for calling this tool",
				},
			}
			clean["required"] = []any{"reason"}
		}
	}

	if required, ok := clean["required"].([]any); ok {
		props, _ := clean["properties"].(map[string]any)
		valid := make([]any, 0, len(required))
		for _, r := range required {
			if name, ok := r.(string); ok {
				if _, exists := props[name]; exists {
					valid = append(valid, name)
				}
			}
		}
		if len(valid) == 0 {
			delete(clean, "required")
		} else {
			clean["required"] = valid
		}
	}

	return clean
}
