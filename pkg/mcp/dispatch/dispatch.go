// Package dispatch implements the MCP method routing table: spec.md
// §4.7's fixed mapping from JSON-RPC method name to handler behavior,
// consulting the Registry (filtered by the session's allow-lists),
// applying the Validator, and wrapping results into each method's MCP
// response shape.
//
// Grounded on the teacher fyrsmithlabs-contextd's pkg/mcp/protocol.go
// handleMCPRequest switch statement — a hardcoded method-name switch
// calling into a fixed set of tool functions — generalized here from
// compiled-in tool names to Registry lookups, and split into one
// function per method to match spec.md §4.7's table shape.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fyrsmithlabs/mcpkit/internal/metrics"
	"github.com/fyrsmithlabs/mcpkit/pkg/mcp/codec"
	"github.com/fyrsmithlabs/mcpkit/pkg/mcp/registry"
	"github.com/fyrsmithlabs/mcpkit/pkg/mcp/session"
	"github.com/fyrsmithlabs/mcpkit/pkg/mcp/tracker"
	"github.com/fyrsmithlabs/mcpkit/pkg/mcp/validator"
)

// ResourceLink is one entry of a resources/list page, shaped for direct
// JSON passthrough (uri, name, description, mimeType — MCP's resource
// link fields). It is deliberately a map, not a struct, since the
// embedding application fully owns its resource catalog for this method.
type ResourceLink = map[string]any

// ListResourcesFunc is the router's optional resources/list callback for
// statically addressable (non-templated) resources.
type ListResourcesFunc func(ctx context.Context, sess *session.Session, cursor string) (links []ResourceLink, nextCursor string, err error)

// CompletionRef identifies what a completion/complete call is completing
// against: a prompt name or a resource-template name.
type CompletionRef struct {
	Kind string // "prompt" or "resource_template"
	Name string
}

// Dispatcher wires the Registry and Tracker into the MCP method table for
// one router. One Dispatcher instance is shared by every session the
// Router creates.
type Dispatcher struct {
	Registry      *registry.Registry
	Tracker       *tracker.Tracker
	ServerName    string
	ServerVersion string
	Instructions  string
	CursorSecret  []byte
	ListResources ListResourcesFunc
	Metrics       *metrics.Metrics

	subsMu sync.Mutex
	// subs maps sessionID -> resource URI -> the Tracker unsubscribe func,
	// local to this process (spec.md §4.5's per-node subscription state).
	subs map[string]map[string]func() error
}

// New constructs a Dispatcher bound to reg (and optionally trk for
// cluster-aware subscribe/logging/list-changed features).
func New(reg *registry.Registry, trk *tracker.Tracker, serverName, serverVersion string) *Dispatcher {
	return &Dispatcher{
		Registry:      reg,
		Tracker:       trk,
		ServerName:    serverName,
		ServerVersion: serverVersion,
		subs:          make(map[string]map[string]func() error),
	}
}

// Handle implements session.DispatchFunc: it is what every Session in
// this router calls synchronously to process one decoded request.
func (d *Dispatcher) Handle(ctx context.Context, sess *session.Session, req *codec.Request) session.Outcome {
	params, err := decodeParams(req.Params)
	if err != nil {
		return errOutcome(codec.NewError(codec.InvalidParams, err.Error(), nil))
	}

	switch {
	case req.Method == "initialize":
		return d.handleInitialize(sess, params)
	case req.Method == "ping":
		return session.Outcome{Kind: session.OutcomeReply, Result: map[string]any{}}
	case req.Method == "tools/list":
		return d.handleToolsList(sess, params)
	case req.Method == "prompts/list":
		return d.handlePromptsList(sess, params)
	case req.Method == "resources/templates/list":
		return d.handleResourceTemplatesList(sess, params)
	case req.Method == "resources/list":
		return d.handleResourcesList(ctx, sess, params)
	case req.Method == "resources/read":
		return d.instrumented("resource", resourceURIName(params), func() session.Outcome {
			return d.handleResourcesRead(sess, params)
		})
	case req.Method == "resources/subscribe":
		return d.handleResourcesSubscribe(sess, params)
	case req.Method == "resources/unsubscribe":
		return d.handleResourcesUnsubscribe(sess, params)
	case req.Method == "logging/setLevel":
		return d.handleSetLogLevel(sess, params)
	case req.Method == "tools/call":
		name, _ := params["name"].(string)
		return d.instrumented("tool", name, func() session.Outcome {
			return d.handleToolsCall(ctx, sess, req, params)
		})
	case req.Method == "prompts/get":
		name, _ := params["name"].(string)
		return d.instrumented("prompt", name, func() session.Outcome {
			return d.handlePromptsGet(sess, params)
		})
	case req.Method == "completion/complete":
		return d.handleCompletion(sess, params)
	case strings.HasPrefix(req.Method, "notifications/"), strings.HasPrefix(req.Method, "notification/"):
		return session.Outcome{Kind: session.OutcomeNoReply}
	default:
		return errOutcome(codec.NewError(codec.MethodNotFound, fmt.Sprintf("method not found: %s", req.Method), nil))
	}
}

// CleanupSession releases this process's local Tracker subscriptions for
// a terminated session (the Router wires this to Session.OnTerminate).
func (d *Dispatcher) CleanupSession(sessionID string) {
	d.subsMu.Lock()
	uris := d.subs[sessionID]
	delete(d.subs, sessionID)
	d.subsMu.Unlock()

	for _, unsub := range uris {
		_ = unsub()
	}
}

// instrumented wraps a tools/call, prompts/get, or resources/read handler
// with the Dispatcher's Metrics (a nil Metrics makes every call here a
// no-op, so instrumentation is safe to leave wired unconditionally).
func (d *Dispatcher) instrumented(kind, name string, fn func() session.Outcome) session.Outcome {
	d.Metrics.IncrementActive(kind, name)
	start := time.Now()
	outcome := fn()
	d.Metrics.DecrementActive(kind, name)

	var err error
	if outcome.Kind == session.OutcomeError {
		err = outcome.Err
		if err == nil {
			err = errors.New("dispatch error")
		}
	}
	d.Metrics.RecordInvocation(kind, name, time.Since(start), err)
	return outcome
}

// resourceURIName extracts the "uri" param for the metrics label, since
// resources/read is keyed by URI rather than a registered template name.
func resourceURIName(params map[string]any) string {
	uri, _ := params["uri"].(string)
	return uri
}

func errOutcome(err error) session.Outcome {
	return session.Outcome{Kind: session.OutcomeError, Err: err}
}

func decodeParams(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var params map[string]any
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("params must be a JSON object: %w", err)
	}
	return params, nil
}

