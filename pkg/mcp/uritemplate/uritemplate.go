// Package uritemplate compiles and matches the colon-segment resource URI
// templates MCP resource templates use ("scheme:///a/:b/c"), and fills a
// template back in from a parameter map for handlers that need to embed
// resource links in their responses.
//
// The wire syntax (`:var` path segments) is not RFC6570, so forward
// matching is a small hand-rolled segment matcher grounded on the
// teacher's scheme-first, path-segment resource dispatch in
// pkg/mcp/discovery.go. Reverse construction reuses
// github.com/yosida95/uritemplate/v3 (already in the teacher's transitive
// graph) by converting compiled `:var` segments to RFC6570 `{var}` form at
// registration time and delegating Expand to it — curly-brace semantics
// are a fine fit for that direction even though they don't model the wire
// syntax for forward matching.
package uritemplate

import (
	"fmt"
	"net/url"
	"strings"

	rfc6570 "github.com/yosida95/uritemplate/v3"
)

// Template is a compiled colon-segment resource URI template.
type Template struct {
	Name     string
	Raw      string
	Scheme   string
	segments []segment
	expand   *rfc6570.Template
}

type segment struct {
	literal string
	isVar   bool
}

// Compile parses a pattern like "test:///text/:id" into a Template.
// The scheme is the text before "://"; one further "/" (as in ":///") is
// kept for Expand but ignored by Match. The remainder is split on "/"
// into literal and `:var` segments.
func Compile(name, pattern string) (*Template, error) {
	idx := strings.Index(pattern, "://")
	if idx < 0 {
		return nil, fmt.Errorf("uritemplate: pattern %q has no scheme separator", pattern)
	}
	scheme := pattern[:idx]
	sep := "://"
	if strings.HasPrefix(pattern[idx+3:], "/") {
		sep = ":///"
	}
	rest := strings.TrimPrefix(pattern[idx+3:], "/")

	var segs []segment
	var rfcParts []string
	for _, part := range strings.Split(rest, "/") {
		if part == "" {
			continue
		}
		if strings.HasPrefix(part, ":") {
			varName := part[1:]
			segs = append(segs, segment{literal: varName, isVar: true})
			rfcParts = append(rfcParts, "{"+varName+"}")
		} else {
			segs = append(segs, segment{literal: part})
			rfcParts = append(rfcParts, part)
		}
	}

	rfcRaw := scheme + sep + strings.Join(rfcParts, "/")
	expand, err := rfc6570.New(rfcRaw)
	if err != nil {
		return nil, fmt.Errorf("uritemplate: reverse template compile failed for %q: %w", pattern, err)
	}

	return &Template{Name: name, Raw: pattern, Scheme: scheme, segments: segs, expand: expand}, nil
}

// Match attempts to match uri against this template, returning the
// decoded path-parameter map on success.
func (t *Template) Match(uri string) (map[string]string, bool) {
	idx := strings.Index(uri, "://")
	if idx < 0 || uri[:idx] != t.Scheme {
		return nil, false
	}
	rest := strings.TrimPrefix(uri[idx+3:], "/")

	var parts []string
	for _, p := range strings.Split(rest, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) != len(t.segments) {
		return nil, false
	}

	params := make(map[string]string)
	for i, seg := range t.segments {
		if seg.isVar {
			decoded, err := url.PathUnescape(parts[i])
			if err != nil {
				decoded = parts[i]
			}
			params[seg.literal] = decoded
		} else if seg.literal != parts[i] {
			return nil, false
		}
	}
	return params, true
}

// Expand fills the template with the given parameter map, returning the
// resulting URI. Missing keys are reported as an error.
func (t *Template) Expand(params map[string]string) (string, error) {
	values := rfc6570.Values{}
	for k, v := range params {
		values[k] = rfc6570.String(v)
	}
	for _, seg := range t.segments {
		if seg.isVar {
			if _, ok := params[seg.literal]; !ok {
				return "", fmt.Errorf("uritemplate: missing key %q for template %q", seg.literal, t.Name)
			}
		}
	}
	return t.expand.Expand(values)
}

// Router matches an inbound resource URI against a set of compiled
// templates sharing possibly-different schemes.
type Router struct {
	templates []*Template
}

// NewRouter constructs an empty Router.
func NewRouter() *Router {
	return &Router{}
}

// Add registers a compiled template. Errors from Compile should be
// surfaced by the caller (the Registry) before reaching here.
func (r *Router) Add(t *Template) {
	r.templates = append(r.templates, t)
}

// Match tries every registered template in registration order and returns
// the first one that matches, along with its extracted parameters.
func (r *Router) Match(uri string) (*Template, map[string]string, bool) {
	for _, t := range r.templates {
		if params, ok := t.Match(uri); ok {
			return t, params, true
		}
	}
	return nil, nil, false
}

// ByName looks up a registered template by its registration name, for
// reverse construction.
func (r *Router) ByName(name string) (*Template, bool) {
	for _, t := range r.templates {
		if t.Name == name {
			return t, true
		}
	}
	return nil, false
}
