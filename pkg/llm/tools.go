package llm

// ToolDefinition defines a tool that can be called by the LLM.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ParameterProperty defines a parameter property in JSON Schema format.
// Items is the element type for array parameters.
type ParameterProperty struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
	Items       string   `json:"items,omitempty"`
}

// NewToolDefinition creates a new tool definition with standard JSON Schema parameters.
func NewToolDefinition(name, description string, properties map[string]ParameterProperty, required []string) ToolDefinition {
	props := make(map[string]any, len(properties))
	for k, v := range properties {
		prop := map[string]any{"type": v.Type}
		if v.Description != "" {
			prop["description"] = v.Description
		}
		if len(v.Enum) > 0 {
			prop["enum"] = v.Enum
		}
		if v.Type == "array" && v.Items != "" {
			prop["items"] = map[string]any{"type": v.Items}
		}
		props[k] = prop
	}
	if required == nil {
		required = []string{}
	}

	return ToolDefinition{
		Name:        name,
		Description: description,
		Parameters: map[string]any{
			"type":       "object",
			"properties": props,
			"required":   required,
		},
	}
}

// Names returns the names of the given tools in order.
func Names(tools []ToolDefinition) []string {
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name
	}
	return names
}
