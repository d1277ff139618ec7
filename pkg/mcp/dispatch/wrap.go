package dispatch

import "encoding/json"

// wrapToolResult renders a ToolHandler's return value into the MCP
// tools/call response shape `{content: [...]}` (spec.md §8 scenario 2).
// A handler that already returns that shape (because it wants to attach
// multiple content blocks, or mark isError) passes through unchanged.
func wrapToolResult(result any) any {
	if m, ok := result.(map[string]any); ok {
		if _, has := m["content"]; has {
			return m
		}
	}
	return map[string]any{"content": []any{textBlock(result)}}
}

// wrapPromptResult renders a PromptHandler's return value into the MCP
// prompts/get response shape `{messages: [...]}`.
func wrapPromptResult(result any) any {
	if m, ok := result.(map[string]any); ok {
		if _, has := m["messages"]; has {
			return m
		}
	}
	return map[string]any{
		"messages": []any{
			map[string]any{"role": "user", "content": textBlock(result)},
		},
	}
}

// wrapResourceResult renders a ResourceHandler's return value into the
// MCP resources/read response shape `{contents: [...]}` (spec.md §8
// scenario 5). Strings pass through as text/plain; everything else is
// JSON-encoded as application/json.
func wrapResourceResult(uri string, result any) map[string]any {
	mimeType := "application/json"
	var text string
	if s, ok := result.(string); ok {
		mimeType = "text/plain"
		text = s
	} else {
		b, err := json.Marshal(result)
		if err != nil {
			text = "null"
		} else {
			text = string(b)
		}
	}
	return map[string]any{
		"contents": []any{
			map[string]any{"uri": uri, "mimeType": mimeType, "text": text},
		},
	}
}

func textBlock(value any) map[string]any {
	if s, ok := value.(string); ok {
		return map[string]any{"type": "text", "text": s}
	}
	b, err := json.Marshal(value)
	if err != nil {
		return map[string]any{"type": "text", "text": ""}
	}
	return map[string]any{"type": "text", "text": string(b)}
}
