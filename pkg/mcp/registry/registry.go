// Package registry holds the process-wide, per-router catalog of tools,
// prompts, and resource templates that the Dispatcher consults on every
// call.
//
// Grounded on internal/mcp/tool_registry.go's ToolRegistry: an RWMutex
// over a name-keyed map, RegisterAll's validate-all-before-commit batch
// semantics, and category-style filtered listing (generalized here to
// session allow-list filtering instead of a fixed category enum, and
// extended to a second and third table for prompts and resource
// templates). Kind is stdlib-only per spec.md §4.1 — the teacher's own
// registry needed no third-party dependency either, so there is nothing
// to justify dropping.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/fyrsmithlabs/mcpkit/pkg/mcp/uritemplate"
	"github.com/fyrsmithlabs/mcpkit/pkg/mcp/validator"
)

// Kind identifies which of the three tables an operation targets.
type Kind string

const (
	KindTool             Kind = "tools"
	KindPrompt           Kind = "prompts"
	KindResourceTemplate Kind = "resource_templates"
)

// ToolHandler implements a registered tool's logic. params has already
// passed Validator; it returns a result to wrap as the MCP tools/call
// response, or an error.
type ToolHandler func(params map[string]any) (any, error)

// AsyncToolHandler is the noreply variant of ToolHandler (spec.md §4.6
// point 1's "noreply" outcome): it is handed a reply callback and is
// expected to call it exactly once, from its own goroutine, whenever the
// result becomes available. The Dispatcher never calls reply itself.
type AsyncToolHandler func(ctx context.Context, reply func(result any, err error), params map[string]any)

// PromptHandler implements a registered prompt's logic.
type PromptHandler func(params map[string]any) (any, error)

// ResourceHandler implements a resource template's read logic, receiving
// the path parameters the uritemplate matcher extracted. A nil, nil
// return means resource_not_found.
type ResourceHandler func(pathParams map[string]string) (any, error)

// CompletionFunc offers argument-value suggestions for a prompt or
// resource-template reference.
type CompletionFunc func(argName, partial string) (values []string, hasMore bool)

// Tool is a registered callable. Exactly one of Handler or Async should
// be set; AddTool rejects a tool with neither.
type Tool struct {
	Name        string
	Description string
	Schema      map[string]*validator.Field
	Handler     ToolHandler
	Async       AsyncToolHandler
}

// Prompt is a registered templated conversation fragment.
type Prompt struct {
	Name        string
	Description string
	Schema      map[string]*validator.Field
	Handler     PromptHandler
	Completion  CompletionFunc
}

// ResourceTemplate is a registered addressable-content pattern.
type ResourceTemplate struct {
	Name        string
	URITemplate string
	Description string
	Handler     ResourceHandler
	Completion  CompletionFunc

	compiled *uritemplate.Template
}

// Errors the Registry's operations can return, matching spec.md §4.1's
// failure list.
var (
	ErrRouterNotFound = fmt.Errorf("router_not_found")
	ErrDuplicateName  = fmt.Errorf("duplicate_name")
	ErrInvalidHandler = fmt.Errorf("invalid_handler")
)

// ElicitationRequiredError is a ToolHandler's way of saying it cannot
// complete the call without one or more server-initiated elicitations.
// The Dispatcher translates this into the elicitation_required (-32042)
// wire error carrying Elicitations as the error data.
type ElicitationRequiredError struct {
	Elicitations []any
}

func (e *ElicitationRequiredError) Error() string {
	return "elicitation required"
}

// ChangeEvent describes an add/remove so a caller (the Tracker, via the
// Router) can broadcast a list-changed notification.
type ChangeEvent struct {
	Kind Kind
	Name string
	Op   string // "add" or "remove"
}

// Registry is a single router's catalog: three ordered, name-keyed
// tables, plus a uritemplate.Router for resource dispatch.
type Registry struct {
	mu sync.RWMutex

	toolOrder   []string
	tools       map[string]*Tool
	promptOrder []string
	prompts     map[string]*Prompt
	resOrder    []string
	resources   map[string]*ResourceTemplate
	resRouter   *uritemplate.Router

	// OnChange is invoked (outside the lock) after a successful add/remove,
	// so the embedding Router can fan the event out via the Tracker.
	OnChange func(ChangeEvent)

	initialized bool
}

// New constructs an empty Registry for one router handle.
func New() *Registry {
	return &Registry{
		tools:     make(map[string]*Tool),
		prompts:   make(map[string]*Prompt),
		resources: make(map[string]*ResourceTemplate),
		resRouter: uritemplate.NewRouter(),
	}
}

// Init marks the registry initialized; idempotent, matching spec.md's
// register(router) operation ("idempotent; loads compile-time
// declarations and marks the router initialized"). Compile-time
// declarations are supplied by the caller via AddTool/AddPrompt/
// AddResourceTemplate before calling Init.
func (r *Registry) Init() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.initialized = true
}

// Initialized reports whether Init has been called.
func (r *Registry) Initialized() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.initialized
}

// AddTool registers a tool, erroring on a duplicate name or a nil
// handler.
func (r *Registry) AddTool(t *Tool) error {
	if t == nil || t.Name == "" {
		return fmt.Errorf("%w: tool name is required", ErrInvalidHandler)
	}
	if t.Handler == nil && t.Async == nil {
		return fmt.Errorf("%w: tool %q has no handler", ErrInvalidHandler, t.Name)
	}

	r.mu.Lock()
	if _, exists := r.tools[t.Name]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: tool %q", ErrDuplicateName, t.Name)
	}
	r.tools[t.Name] = t
	r.toolOrder = append(r.toolOrder, t.Name)
	r.mu.Unlock()

	r.notify(ChangeEvent{Kind: KindTool, Name: t.Name, Op: "add"})
	return nil
}

// RemoveTool unregisters a tool by name.
func (r *Registry) RemoveTool(name string) error {
	r.mu.Lock()
	if _, exists := r.tools[name]; !exists {
		r.mu.Unlock()
		return fmt.Errorf("tool %q not found", name)
	}
	delete(r.tools, name)
	r.toolOrder = removeName(r.toolOrder, name)
	r.mu.Unlock()

	r.notify(ChangeEvent{Kind: KindTool, Name: name, Op: "remove"})
	return nil
}

// AddPrompt registers a prompt.
func (r *Registry) AddPrompt(p *Prompt) error {
	if p == nil || p.Name == "" {
		return fmt.Errorf("%w: prompt name is required", ErrInvalidHandler)
	}
	if p.Handler == nil {
		return fmt.Errorf("%w: prompt %q has no handler", ErrInvalidHandler, p.Name)
	}

	r.mu.Lock()
	if _, exists := r.prompts[p.Name]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: prompt %q", ErrDuplicateName, p.Name)
	}
	r.prompts[p.Name] = p
	r.promptOrder = append(r.promptOrder, p.Name)
	r.mu.Unlock()

	r.notify(ChangeEvent{Kind: KindPrompt, Name: p.Name, Op: "add"})
	return nil
}

// RemovePrompt unregisters a prompt by name.
func (r *Registry) RemovePrompt(name string) error {
	r.mu.Lock()
	if _, exists := r.prompts[name]; !exists {
		r.mu.Unlock()
		return fmt.Errorf("prompt %q not found", name)
	}
	delete(r.prompts, name)
	r.promptOrder = removeName(r.promptOrder, name)
	r.mu.Unlock()

	r.notify(ChangeEvent{Kind: KindPrompt, Name: name, Op: "remove"})
	return nil
}

// AddResourceTemplate registers a resource template, compiling its URI
// pattern.
func (r *Registry) AddResourceTemplate(rt *ResourceTemplate) error {
	if rt == nil || rt.Name == "" {
		return fmt.Errorf("%w: resource template name is required", ErrInvalidHandler)
	}
	if rt.Handler == nil {
		return fmt.Errorf("%w: resource template %q has no handler", ErrInvalidHandler, rt.Name)
	}
	compiled, err := uritemplate.Compile(rt.Name, rt.URITemplate)
	if err != nil {
		return fmt.Errorf("%w: resource template %q: %v", ErrInvalidHandler, rt.Name, err)
	}
	rt.compiled = compiled

	r.mu.Lock()
	if _, exists := r.resources[rt.Name]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: resource template %q", ErrDuplicateName, rt.Name)
	}
	r.resources[rt.Name] = rt
	r.resOrder = append(r.resOrder, rt.Name)
	r.resRouter.Add(compiled)
	r.mu.Unlock()

	r.notify(ChangeEvent{Kind: KindResourceTemplate, Name: rt.Name, Op: "add"})
	return nil
}

// MatchResource finds the resource template (if any) whose compiled URI
// template matches uri.
func (r *Registry) MatchResource(uri string) (*ResourceTemplate, map[string]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tmpl, params, ok := r.resRouter.Match(uri)
	if !ok {
		return nil, nil, false
	}
	return r.resources[tmpl.Name], params, true
}

// ReverseResource fills a named resource template from a parameter map.
func (r *Registry) ReverseResource(name string, params map[string]string) (string, error) {
	r.mu.RLock()
	rt, ok := r.resources[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("resource template %q not found", name)
	}
	return rt.compiled.Expand(params)
}

// ListTools returns the tool list filtered by allowList (nil means all).
func (r *Registry) ListTools(allowList []string) []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tool, 0, len(r.toolOrder))
	for _, name := range r.toolOrder {
		if allowed(allowList, name) {
			out = append(out, r.tools[name])
		}
	}
	return out
}

// ListPrompts returns the prompt list filtered by allowList.
func (r *Registry) ListPrompts(allowList []string) []*Prompt {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Prompt, 0, len(r.promptOrder))
	for _, name := range r.promptOrder {
		if allowed(allowList, name) {
			out = append(out, r.prompts[name])
		}
	}
	return out
}

// ListResourceTemplates returns the resource-template list filtered by
// allowList.
func (r *Registry) ListResourceTemplates(allowList []string) []*ResourceTemplate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ResourceTemplate, 0, len(r.resOrder))
	for _, name := range r.resOrder {
		if allowed(allowList, name) {
			out = append(out, r.resources[name])
		}
	}
	return out
}

// GetTool looks up a single tool, honoring the allow-list.
func (r *Registry) GetTool(name string, allowList []string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !allowed(allowList, name) {
		return nil, false
	}
	t, ok := r.tools[name]
	return t, ok
}

// GetPrompt looks up a single prompt, honoring the allow-list.
func (r *Registry) GetPrompt(name string, allowList []string) (*Prompt, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !allowed(allowList, name) {
		return nil, false
	}
	p, ok := r.prompts[name]
	return p, ok
}

func (r *Registry) notify(ev ChangeEvent) {
	if r.OnChange != nil {
		r.OnChange(ev)
	}
}

func allowed(allowList []string, name string) bool {
	if allowList == nil {
		return true
	}
	for _, n := range allowList {
		if n == name {
			return true
		}
	}
	return false
}

func removeName(order []string, name string) []string {
	for i, n := range order {
		if n == name {
			return append(order[:i], order[i+1:]...)
		}
	}
	return order
}
