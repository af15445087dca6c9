package tools

import "encoding/json"

// rawSchema marshals a JSON-Schema object literal, panicking on a malformed
// literal since every call site is a compile-time constant authored here.
func rawSchema(v map[string]any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func stringProp(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

func intProp(description string) map[string]any {
	return map[string]any{"type": "integer", "description": description}
}

func boolProp(description string) map[string]any {
	return map[string]any{"type": "boolean", "description": description}
}

func objectSchema(properties map[string]any, required ...string) json.RawMessage {
	return rawSchema(map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	})
}
