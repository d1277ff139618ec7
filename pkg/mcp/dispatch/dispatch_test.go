package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/mcpkit/pkg/mcp/codec"
	"github.com/fyrsmithlabs/mcpkit/pkg/mcp/registry"
	"github.com/fyrsmithlabs/mcpkit/pkg/mcp/session"
	"github.com/fyrsmithlabs/mcpkit/pkg/mcp/validator"
)

func newTestSession(sess *Dispatcher) *session.Session {
	return session.New("sess-1", func(session.Frame) error { return nil }, sess.Handle, session.DefaultConfig())
}

func req(id any, method string, params map[string]any) *codec.Request {
	var raw json.RawMessage
	if params != nil {
		b, _ := json.Marshal(params)
		raw = b
	}
	return &codec.Request{JSONRPC: "2.0", ID: id, Method: method, Params: raw}
}

func newEchoRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.AddTool(&registry.Tool{
		Name:        "echo",
		Description: "echoes its input",
		Schema: map[string]*validator.Field{
			"message": {Name: "message", Kind: validator.KindString, Required: true},
		},
		Handler: func(params map[string]any) (any, error) {
			return params["message"], nil
		},
	}))
	require.NoError(t, reg.AddPrompt(&registry.Prompt{
		Name:        "greeting",
		Description: "says hello",
		Handler: func(params map[string]any) (any, error) {
			return "hello " + params["name"].(string), nil
		},
		Completion: func(argName, partial string) ([]string, bool) {
			return []string{"ada", "alan"}, false
		},
	}))
	require.NoError(t, reg.AddResourceTemplate(&registry.ResourceTemplate{
		Name:        "doc",
		URITemplate: "doc://:id",
		Description: "a document",
		Handler: func(pathParams map[string]string) (any, error) {
			if pathParams["id"] == "missing" {
				return nil, nil
			}
			return map[string]any{"id": pathParams["id"]}, nil
		},
	}))
	reg.Init()
	return reg
}

func TestDispatcher_Initialize(t *testing.T) {
	reg := newEchoRegistry(t)
	d := New(reg, nil, "testserver", "1.0.0")
	sess := newTestSession(d)

	outcome := d.Handle(context.Background(), sess, req(float64(1), "initialize", map[string]any{
		"protocolVersion": codec.ProtocolVersion,
	}))
	require.Equal(t, session.OutcomeReply, outcome.Kind)
	result := outcome.Result.(map[string]any)
	assert.Equal(t, codec.ProtocolVersion, result["protocolVersion"])

	caps := result["capabilities"].(map[string]any)
	assert.Contains(t, caps, "tools")
	assert.Contains(t, caps, "prompts")
	assert.Contains(t, caps, "resources")
	assert.Contains(t, caps, "completions")
}

func TestDispatcher_InitializeRejectsUnsupportedVersion(t *testing.T) {
	reg := newEchoRegistry(t)
	d := New(reg, nil, "testserver", "1.0.0")
	sess := newTestSession(d)

	outcome := d.Handle(context.Background(), sess, req(float64(1), "initialize", map[string]any{
		"protocolVersion": "1999-01-01",
	}))
	require.Equal(t, session.OutcomeError, outcome.Kind)
	ce, ok := outcome.Err.(*codec.CodecError)
	require.True(t, ok)
	assert.Equal(t, codec.InvalidParams, ce.Code)
}

func TestDispatcher_ToolsListAndCall(t *testing.T) {
	reg := newEchoRegistry(t)
	d := New(reg, nil, "testserver", "1.0.0")
	sess := newTestSession(d)

	listOutcome := d.Handle(context.Background(), sess, req(float64(1), "tools/list", nil))
	result := listOutcome.Result.(map[string]any)
	tools := result["tools"].([]any)
	require.Len(t, tools, 1)
	assert.Equal(t, "echo", tools[0].(map[string]any)["name"])

	callOutcome := d.Handle(context.Background(), sess, req(float64(2), "tools/call", map[string]any{
		"name":      "echo",
		"arguments": map[string]any{"message": "hi"},
	}))
	require.Equal(t, session.OutcomeReply, callOutcome.Kind)
	content := callOutcome.Result.(map[string]any)["content"].([]any)
	require.Len(t, content, 1)
	assert.Equal(t, "hi", content[0].(map[string]any)["text"])
}

func TestDispatcher_ToolsCallValidationFailure(t *testing.T) {
	reg := newEchoRegistry(t)
	d := New(reg, nil, "testserver", "1.0.0")
	sess := newTestSession(d)

	outcome := d.Handle(context.Background(), sess, req(float64(1), "tools/call", map[string]any{
		"name":      "echo",
		"arguments": map[string]any{},
	}))
	require.Equal(t, session.OutcomeError, outcome.Kind)
	ce := outcome.Err.(*codec.CodecError)
	assert.Equal(t, codec.InvalidParams, ce.Code)
	assert.Contains(t, ce.Data, "validation_errors")
}

func TestDispatcher_ToolsCallUnknownTool(t *testing.T) {
	reg := newEchoRegistry(t)
	d := New(reg, nil, "testserver", "1.0.0")
	sess := newTestSession(d)

	outcome := d.Handle(context.Background(), sess, req(float64(1), "tools/call", map[string]any{"name": "nope"}))
	require.Equal(t, session.OutcomeError, outcome.Kind)
	ce := outcome.Err.(*codec.CodecError)
	assert.Equal(t, codec.MethodNotFound, ce.Code)
}

func TestDispatcher_ToolsCallAsync(t *testing.T) {
	reg := registry.New()
	done := make(chan struct{})
	require.NoError(t, reg.AddTool(&registry.Tool{
		Name: "deferred",
		Async: func(ctx context.Context, reply func(any, error), params map[string]any) {
			reply(map[string]any{"ok": true}, nil)
			close(done)
		},
	}))
	reg.Init()
	d := New(reg, nil, "testserver", "1.0.0")
	sess := newTestSession(d)

	outcome := d.Handle(context.Background(), sess, req(float64(1), "tools/call", map[string]any{"name": "deferred"}))
	assert.Equal(t, session.OutcomeNoReply, outcome.Kind)
	<-done
}

func TestDispatcher_ToolsCallAsyncPanicRecovers(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.AddTool(&registry.Tool{
		Name: "panics_async",
		Async: func(ctx context.Context, reply func(any, error), params map[string]any) {
			panic("boom")
		},
	}))
	reg.Init()
	d := New(reg, nil, "testserver", "1.0.0")

	var mu sync.Mutex
	var frames []session.Frame
	stream := func(f session.Frame) error {
		mu.Lock()
		frames = append(frames, f)
		mu.Unlock()
		return nil
	}
	sess := session.New("sess-1", stream, d.Handle, session.DefaultConfig())
	sess.Start(context.Background())
	t.Cleanup(func() { sess.Finish(); <-sess.Done() })

	sess.PostDispatch(context.Background(), []*codec.Request{req(float64(1), "tools/call", map[string]any{"name": "panics_async"})})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(frames)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, frames, 1)
	errResp, ok := frames[0].Payload.(*codec.ErrorResponse)
	require.True(t, ok, "expected an error frame, the async goroutine's panic must not crash the process")
	assert.Equal(t, codec.InternalError, errResp.Error.Code)
}

func TestDispatcher_PromptsGetAndCompletion(t *testing.T) {
	reg := newEchoRegistry(t)
	d := New(reg, nil, "testserver", "1.0.0")
	sess := newTestSession(d)

	getOutcome := d.Handle(context.Background(), sess, req(float64(1), "prompts/get", map[string]any{
		"name":      "greeting",
		"arguments": map[string]any{"name": "ada"},
	}))
	require.Equal(t, session.OutcomeReply, getOutcome.Kind)
	messages := getOutcome.Result.(map[string]any)["messages"].([]any)
	require.Len(t, messages, 1)

	completeOutcome := d.Handle(context.Background(), sess, req(float64(2), "completion/complete", map[string]any{
		"ref":      map[string]any{"type": "ref/prompt", "name": "greeting"},
		"argument": map[string]any{"name": "name", "value": "a"},
	}))
	require.Equal(t, session.OutcomeReply, completeOutcome.Kind)
	completion := completeOutcome.Result.(map[string]any)["completion"].(map[string]any)
	assert.Equal(t, 2, completion["total"])
}

func TestDispatcher_ResourcesRead(t *testing.T) {
	reg := newEchoRegistry(t)
	d := New(reg, nil, "testserver", "1.0.0")
	sess := newTestSession(d)

	outcome := d.Handle(context.Background(), sess, req(float64(1), "resources/read", map[string]any{"uri": "doc://42"}))
	require.Equal(t, session.OutcomeReply, outcome.Kind)
	contents := outcome.Result.(map[string]any)["contents"].([]any)
	require.Len(t, contents, 1)
	assert.Equal(t, "doc://42", contents[0].(map[string]any)["uri"])
}

func TestDispatcher_ResourcesReadNotFound(t *testing.T) {
	reg := newEchoRegistry(t)
	d := New(reg, nil, "testserver", "1.0.0")
	sess := newTestSession(d)

	outcome := d.Handle(context.Background(), sess, req(float64(1), "resources/read", map[string]any{"uri": "doc://missing"}))
	require.Equal(t, session.OutcomeError, outcome.Kind)
	ce := outcome.Err.(*codec.CodecError)
	assert.Equal(t, codec.ResourceNotFound, ce.Code)
}

func TestDispatcher_ResourcesSubscribeRequiresTracker(t *testing.T) {
	reg := newEchoRegistry(t)
	d := New(reg, nil, "testserver", "1.0.0")
	sess := newTestSession(d)

	outcome := d.Handle(context.Background(), sess, req(float64(1), "resources/subscribe", map[string]any{"uri": "doc://1"}))
	require.Equal(t, session.OutcomeError, outcome.Kind)
	ce := outcome.Err.(*codec.CodecError)
	assert.Equal(t, codec.ConnectionError, ce.Code)
}

func TestDispatcher_SetLogLevel(t *testing.T) {
	reg := newEchoRegistry(t)
	d := New(reg, nil, "testserver", "1.0.0")
	sess := newTestSession(d)

	outcome := d.Handle(context.Background(), sess, req(float64(1), "logging/setLevel", map[string]any{"level": "error"}))
	require.Equal(t, session.OutcomeReply, outcome.Kind)
	assert.Equal(t, session.LogLevelError, sess.LogLevel())
}

func TestDispatcher_SetLogLevelRejectsUnknown(t *testing.T) {
	reg := newEchoRegistry(t)
	d := New(reg, nil, "testserver", "1.0.0")
	sess := newTestSession(d)

	outcome := d.Handle(context.Background(), sess, req(float64(1), "logging/setLevel", map[string]any{"level": "noisy"}))
	require.Equal(t, session.OutcomeError, outcome.Kind)
}

func TestDispatcher_UnknownMethod(t *testing.T) {
	reg := newEchoRegistry(t)
	d := New(reg, nil, "testserver", "1.0.0")
	sess := newTestSession(d)

	outcome := d.Handle(context.Background(), sess, req(float64(1), "bogus/method", nil))
	require.Equal(t, session.OutcomeError, outcome.Kind)
	ce := outcome.Err.(*codec.CodecError)
	assert.Equal(t, codec.MethodNotFound, ce.Code)
}

func TestDispatcher_NotificationsProduceNoReply(t *testing.T) {
	reg := newEchoRegistry(t)
	d := New(reg, nil, "testserver", "1.0.0")
	sess := newTestSession(d)

	outcome := d.Handle(context.Background(), sess, req(nil, "notifications/initialized", nil))
	assert.Equal(t, session.OutcomeNoReply, outcome.Kind)
}

func TestDispatcher_ElicitationRequiredToolError(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.AddTool(&registry.Tool{
		Name: "needs_input",
		Handler: func(params map[string]any) (any, error) {
			return nil, &registry.ElicitationRequiredError{Elicitations: []any{map[string]any{"mode": "form"}}}
		},
	}))
	reg.Init()
	d := New(reg, nil, "testserver", "1.0.0")
	sess := newTestSession(d)

	outcome := d.Handle(context.Background(), sess, req(float64(1), "tools/call", map[string]any{"name": "needs_input"}))
	require.Equal(t, session.OutcomeElicitationRequired, outcome.Kind)
	ce := outcome.Err.(*codec.CodecError)
	assert.Equal(t, codec.ElicitationRequired, ce.Code)
}

func TestDispatcher_CleanupSessionUnsubscribes(t *testing.T) {
	d := New(registry.New(), nil, "testserver", "1.0.0")
	called := false
	d.subs["sess-1"] = map[string]func() error{
		"doc://1": func() error { called = true; return nil },
	}
	d.CleanupSession("sess-1")
	assert.True(t, called)
	assert.Empty(t, d.subs["sess-1"])
}
