package dispatch

import (
	"github.com/fyrsmithlabs/mcpkit/pkg/mcp/validator"
)

// inputSchema renders a tool/prompt's Field-DSL schema as the JSON Schema
// object MCP's tools/list and prompts/list wire shapes expect. A nil or
// empty fields map (the Validator's raw-property-map passthrough case)
// renders as a permissive empty object schema.
func inputSchema(fields map[string]*validator.Field) map[string]any {
	props := make(map[string]any, len(fields))
	var required []string
	for name, f := range fields {
		props[name] = fieldSchema(f)
		if f.Required {
			required = append(required, name)
		}
	}
	out := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		out["required"] = required
	}
	return out
}

func fieldSchema(f *validator.Field) map[string]any {
	m := map[string]any{}
	switch f.Kind {
	case validator.KindString:
		m["type"] = "string"
	case validator.KindInteger:
		m["type"] = "integer"
	case validator.KindNumber:
		m["type"] = "number"
	case validator.KindBoolean:
		m["type"] = "boolean"
	case validator.KindArray:
		m["type"] = "array"
		if f.Items != nil {
			m["items"] = fieldSchema(f.Items)
		}
	case validator.KindObject:
		m["type"] = "object"
		if len(f.Properties) > 0 {
			props := make(map[string]any, len(f.Properties))
			for name, nested := range f.Properties {
				props[name] = fieldSchema(nested)
			}
			m["properties"] = props
		}
	case validator.KindRef:
		m["$ref"] = "#/definitions/" + f.RefName
	}

	if len(f.Enum) > 0 {
		m["enum"] = f.Enum
	}
	if f.Default != nil {
		m["default"] = f.Default
	}
	if f.Min != nil {
		m["minimum"] = *f.Min
	}
	if f.Max != nil {
		m["maximum"] = *f.Max
	}
	if f.ExclusiveMin != nil {
		m["exclusiveMinimum"] = *f.ExclusiveMin
	}
	if f.ExclusiveMax != nil {
		m["exclusiveMaximum"] = *f.ExclusiveMax
	}
	if f.MinLength != nil {
		m["minLength"] = *f.MinLength
	}
	if f.MaxLength != nil {
		m["maxLength"] = *f.MaxLength
	}
	if f.Pattern != "" {
		m["pattern"] = f.Pattern
	}
	if f.MinItems != nil {
		m["minItems"] = *f.MinItems
	}
	if f.MaxItems != nil {
		m["maxItems"] = *f.MaxItems
	}
	return m
}
