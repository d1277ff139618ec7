package dispatch

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/mcpkit/pkg/mcp/codec"
	"github.com/fyrsmithlabs/mcpkit/pkg/mcp/registry"
	"github.com/fyrsmithlabs/mcpkit/pkg/mcp/session"
	"github.com/fyrsmithlabs/mcpkit/pkg/mcp/tracker"
	"github.com/fyrsmithlabs/mcpkit/pkg/mcp/validator"
)

func (d *Dispatcher) handleInitialize(sess *session.Session, params map[string]any) session.Outcome {
	requested, _ := params["protocolVersion"].(string)
	if requested != codec.ProtocolVersion {
		return errOutcome(codec.NewError(codec.InvalidParams, "unsupported protocol version", map[string]any{
			"supported": codec.ProtocolVersion,
			"requested": requested,
		}))
	}

	if caps, ok := params["capabilities"].(map[string]any); ok {
		sess.ClientCapabilities = caps
	}
	if info, ok := params["clientInfo"].(map[string]any); ok {
		sess.ClientInfo = info
	}

	return session.Outcome{Kind: session.OutcomeReply, Result: map[string]any{
		"protocolVersion": codec.ProtocolVersion,
		"capabilities":    d.capabilities(sess),
		"serverInfo": map[string]any{
			"name":    d.ServerName,
			"version": d.ServerVersion,
		},
		"instructions": d.Instructions,
	}}
}

// capabilities scans the filtered Registry to compute which capability
// blocks to advertise, per spec.md §4.7's initialize row.
func (d *Dispatcher) capabilities(sess *session.Session) map[string]any {
	caps := map[string]any{}

	if tools := d.Registry.ListTools(sess.AllowTools); len(tools) > 0 {
		caps["tools"] = map[string]any{}
	}
	if prompts := d.Registry.ListPrompts(sess.AllowPrompts); len(prompts) > 0 {
		caps["prompts"] = map[string]any{}
	}
	if resources := d.Registry.ListResourceTemplates(sess.AllowResources); len(resources) > 0 {
		resCaps := map[string]any{}
		if d.Tracker != nil && d.Tracker.Available() {
			resCaps["subscribe"] = true
		}
		caps["resources"] = resCaps
	}
	if d.hasCompletions(sess) {
		caps["completions"] = map[string]any{}
	}
	if d.Tracker != nil && d.Tracker.Available() {
		caps["logging"] = map[string]any{}
	}
	return caps
}

func (d *Dispatcher) hasCompletions(sess *session.Session) bool {
	for _, p := range d.Registry.ListPrompts(sess.AllowPrompts) {
		if p.Completion != nil {
			return true
		}
	}
	for _, rt := range d.Registry.ListResourceTemplates(sess.AllowResources) {
		if rt.Completion != nil {
			return true
		}
	}
	return false
}

func (d *Dispatcher) handleToolsList(sess *session.Session, params map[string]any) session.Outcome {
	cursor, _ := params["cursor"].(string)
	tools := d.Registry.ListTools(sess.AllowTools)
	page, next, err := paginate(d.CursorSecret, tools, cursor)
	if err != nil {
		return errOutcome(codec.NewError(codec.InvalidParams, "invalid cursor", nil))
	}

	out := make([]any, 0, len(page))
	for _, t := range page {
		out = append(out, map[string]any{
			"name":        t.Name,
			"description": t.Description,
			"inputSchema": inputSchema(t.Schema),
		})
	}
	result := map[string]any{"tools": out}
	if next != "" {
		result["nextCursor"] = next
	}
	return session.Outcome{Kind: session.OutcomeReply, Result: result}
}

func (d *Dispatcher) handlePromptsList(sess *session.Session, params map[string]any) session.Outcome {
	cursor, _ := params["cursor"].(string)
	prompts := d.Registry.ListPrompts(sess.AllowPrompts)
	page, next, err := paginate(d.CursorSecret, prompts, cursor)
	if err != nil {
		return errOutcome(codec.NewError(codec.InvalidParams, "invalid cursor", nil))
	}

	out := make([]any, 0, len(page))
	for _, p := range page {
		out = append(out, map[string]any{
			"name":        p.Name,
			"description": p.Description,
			"inputSchema": inputSchema(p.Schema),
		})
	}
	result := map[string]any{"prompts": out}
	if next != "" {
		result["nextCursor"] = next
	}
	return session.Outcome{Kind: session.OutcomeReply, Result: result}
}

func (d *Dispatcher) handleResourceTemplatesList(sess *session.Session, params map[string]any) session.Outcome {
	cursor, _ := params["cursor"].(string)
	templates := d.Registry.ListResourceTemplates(sess.AllowResources)
	page, next, err := paginate(d.CursorSecret, templates, cursor)
	if err != nil {
		return errOutcome(codec.NewError(codec.InvalidParams, "invalid cursor", nil))
	}

	out := make([]any, 0, len(page))
	for _, rt := range page {
		out = append(out, map[string]any{
			"name":        rt.Name,
			"uriTemplate": rt.URITemplate,
			"description": rt.Description,
		})
	}
	result := map[string]any{"resourceTemplates": out}
	if next != "" {
		result["nextCursor"] = next
	}
	return session.Outcome{Kind: session.OutcomeReply, Result: result}
}

func (d *Dispatcher) handleResourcesList(ctx context.Context, sess *session.Session, params map[string]any) session.Outcome {
	if d.ListResources == nil {
		return session.Outcome{Kind: session.OutcomeReply, Result: map[string]any{"resources": []any{}}}
	}
	cursor, _ := params["cursor"].(string)
	links, next, err := d.ListResources(ctx, sess, cursor)
	if err != nil {
		return errOutcome(codec.NewError(codec.InternalError, err.Error(), nil))
	}
	result := map[string]any{"resources": links}
	if next != "" {
		result["nextCursor"] = next
	}
	return session.Outcome{Kind: session.OutcomeReply, Result: result}
}

func (d *Dispatcher) handleResourcesRead(sess *session.Session, params map[string]any) session.Outcome {
	uri, _ := params["uri"].(string)
	if uri == "" {
		return errOutcome(codec.NewError(codec.InvalidParams, "Missing required field: uri", nil))
	}

	tmpl, pathParams, ok := d.Registry.MatchResource(uri)
	if !ok || !sess.AllowedResource(tmpl.Name) {
		return errOutcome(codec.NewError(codec.ResourceNotFound, "resource not found", map[string]any{"uri": uri}))
	}

	result, err := tmpl.Handler(pathParams)
	if err != nil {
		return errOutcome(codec.NewError(codec.InternalError, err.Error(), nil))
	}
	if result == nil {
		return errOutcome(codec.NewError(codec.ResourceNotFound, "resource not found", map[string]any{"uri": uri}))
	}
	return session.Outcome{Kind: session.OutcomeReply, Result: wrapResourceResult(uri, result)}
}

func (d *Dispatcher) handleResourcesSubscribe(sess *session.Session, params map[string]any) session.Outcome {
	uri, _ := params["uri"].(string)
	if uri == "" {
		return errOutcome(codec.NewError(codec.InvalidParams, "Missing required field: uri", nil))
	}
	if d.Tracker == nil || !d.Tracker.Available() {
		return errOutcome(codec.NewError(codec.ConnectionError, "resource subscriptions require a pub/sub substrate", nil))
	}

	unsub, err := d.Tracker.Subscribe(tracker.TopicResources, uri, func(payload []byte) {
		sess.PostResourceUpdated(uri)
	})
	if err != nil {
		return errOutcome(codec.NewError(codec.InternalError, err.Error(), nil))
	}

	d.subsMu.Lock()
	if d.subs[sess.ID] == nil {
		d.subs[sess.ID] = make(map[string]func() error)
	}
	d.subs[sess.ID][uri] = unsub
	d.subsMu.Unlock()

	return session.Outcome{Kind: session.OutcomeReply, Result: map[string]any{}}
}

func (d *Dispatcher) handleResourcesUnsubscribe(sess *session.Session, params map[string]any) session.Outcome {
	uri, _ := params["uri"].(string)
	if uri == "" {
		return errOutcome(codec.NewError(codec.InvalidParams, "Missing required field: uri", nil))
	}

	d.subsMu.Lock()
	unsub := d.subs[sess.ID][uri]
	delete(d.subs[sess.ID], uri)
	d.subsMu.Unlock()

	if unsub != nil {
		_ = unsub()
	}
	return session.Outcome{Kind: session.OutcomeReply, Result: map[string]any{}}
}

func (d *Dispatcher) handleSetLogLevel(sess *session.Session, params map[string]any) session.Outcome {
	name, _ := params["level"].(string)
	lvl, ok := session.ParseLogLevel(name)
	if !ok {
		return errOutcome(codec.NewError(codec.InvalidParams, fmt.Sprintf("unknown log level: %q", name), nil))
	}
	sess.SetLogLevelNow(lvl)
	return session.Outcome{Kind: session.OutcomeReply, Result: map[string]any{}}
}

func (d *Dispatcher) handleToolsCall(ctx context.Context, sess *session.Session, req *codec.Request, params map[string]any) session.Outcome {
	name, _ := params["name"].(string)
	tool, ok := d.Registry.GetTool(name, sess.AllowTools)
	if !ok {
		return errOutcome(codec.NewError(codec.MethodNotFound, fmt.Sprintf("tool not found: %s", name), nil))
	}

	args, _ := params["arguments"].(map[string]any)
	result := validator.Validate(tool.Schema, args)
	if !result.OK {
		return errOutcome(codec.ValidationErrors(result.Messages()))
	}

	if tool.Async != nil {
		id := req.ID
		go func() {
			defer func() {
				if r := recover(); r != nil {
					sess.PostAsyncReply(id, nil, codec.NewError(codec.InternalError, fmt.Sprintf("panic: %v", r), nil))
				}
			}()
			tool.Async(ctx, func(res any, err error) {
				if err != nil {
					sess.PostAsyncReply(id, nil, classifyToolError(err))
					return
				}
				sess.PostAsyncReply(id, wrapToolResult(res), nil)
			}, result.Params)
		}()
		return session.Outcome{Kind: session.OutcomeNoReply}
	}

	res, err := tool.Handler(result.Params)
	if err != nil {
		if er, ok := err.(*registry.ElicitationRequiredError); ok {
			return session.Outcome{
				Kind: session.OutcomeElicitationRequired,
				Err:  codec.ElicitationRequiredError(er.Elicitations),
			}
		}
		return errOutcome(classifyToolError(err))
	}
	return session.Outcome{Kind: session.OutcomeReply, Result: wrapToolResult(res)}
}

func classifyToolError(err error) error {
	if ce, ok := err.(*codec.CodecError); ok {
		return ce
	}
	return codec.NewError(codec.InternalError, err.Error(), nil)
}

func (d *Dispatcher) handlePromptsGet(sess *session.Session, params map[string]any) session.Outcome {
	name, _ := params["name"].(string)
	prompt, ok := d.Registry.GetPrompt(name, sess.AllowPrompts)
	if !ok {
		return errOutcome(codec.NewError(codec.MethodNotFound, fmt.Sprintf("prompt not found: %s", name), nil))
	}

	args, _ := params["arguments"].(map[string]any)
	result := validator.Validate(prompt.Schema, args)
	if !result.OK {
		return errOutcome(codec.ValidationErrors(result.Messages()))
	}

	res, err := prompt.Handler(result.Params)
	if err != nil {
		return errOutcome(classifyToolError(err))
	}
	return session.Outcome{Kind: session.OutcomeReply, Result: wrapPromptResult(res)}
}

func (d *Dispatcher) handleCompletion(sess *session.Session, params map[string]any) session.Outcome {
	refMap, _ := params["ref"].(map[string]any)
	argMap, _ := params["argument"].(map[string]any)
	argName, _ := argMap["name"].(string)
	partial, _ := argMap["value"].(string)

	var fn registry.CompletionFunc
	switch refMap["type"] {
	case "ref/prompt":
		name, _ := refMap["name"].(string)
		if p, ok := d.Registry.GetPrompt(name, sess.AllowPrompts); ok {
			fn = p.Completion
		}
	case "ref/resource":
		name, _ := refMap["uri"].(string)
		for _, rt := range d.Registry.ListResourceTemplates(sess.AllowResources) {
			if rt.URITemplate == name || rt.Name == name {
				fn = rt.Completion
				break
			}
		}
	}

	if fn == nil {
		return session.Outcome{Kind: session.OutcomeReply, Result: map[string]any{
			"completion": map[string]any{"values": []any{}, "total": 0, "hasMore": false},
		}}
	}

	values, hasMore := fn(argName, partial)
	clipped := values
	if len(clipped) > 100 {
		clipped = clipped[:100]
		hasMore = true
	}
	out := make([]any, len(clipped))
	for i, v := range clipped {
		out[i] = v
	}
	return session.Outcome{Kind: session.OutcomeReply, Result: map[string]any{
		"completion": map[string]any{"values": out, "total": len(values), "hasMore": hasMore},
	}}
}
