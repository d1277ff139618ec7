// Package http implements spec.md §4.8's Streamable HTTP transport: a
// single path accepting POST (JSON-RPC intake), GET (long-lived SSE
// stream), DELETE (terminate), and OPTIONS (CORS preflight), backed by
// one pkg/mcp/session.Session per mcp-session-id.
//
// Grounded on the teacher's pkg/server/server.go (echo.New, middleware
// stack, graceful Start/Shutdown) and pkg/mcp/sse.go (SSE header set,
// fmt.Fprintf event/data framing, c.Response().Flush()). CORS is wired
// through echo's own middleware.CORSWithConfig, already a transitive
// dependency of the teacher via echo, rather than hand-rolled header
// logic.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/fyrsmithlabs/mcpkit/pkg/mcp/codec"
	"github.com/fyrsmithlabs/mcpkit/pkg/mcp/session"
	"github.com/fyrsmithlabs/mcpkit/pkg/mcp/tracker"
)

// SessionHeader is the header carrying the session identity on every
// request after the first (spec.md §4.8).
const SessionHeader = "mcp-session-id"

const defaultMaxRequestSize = 4 << 20

// OriginPolicy decides whether an Origin header is acceptable.
type OriginPolicy struct {
	All       bool
	List      []string
	Predicate func(origin string) bool
}

// AllOrigins accepts every origin.
func AllOrigins() OriginPolicy { return OriginPolicy{All: true} }

// AllowOrigins accepts only the listed exact origin strings.
func AllowOrigins(list ...string) OriginPolicy { return OriginPolicy{List: list} }

func (p OriginPolicy) allowed(origin string) bool {
	if p.All {
		return true
	}
	if p.Predicate != nil {
		return p.Predicate(origin)
	}
	for _, o := range p.List {
		if o == origin {
			return true
		}
	}
	return false
}

// AuthChallenge is a connect-time rejection carrying an RFC 9728
// WWW-Authenticate header spec.
type AuthChallenge struct {
	Method string
	Fields map[string]string
}

func (c *AuthChallenge) String() string {
	parts := make([]string, 0, len(c.Fields))
	for k, v := range c.Fields {
		parts = append(parts, fmt.Sprintf("%s=%q", k, v))
	}
	sort.Strings(parts)
	return fmt.Sprintf("%s %s", c.Method, strings.Join(parts, ", "))
}

// ConnectResult is what a Connect callback returns for a new session: the
// allow-lists to apply, or a challenge rejecting the connection.
type ConnectResult struct {
	AllowTools     []string
	AllowPrompts   []string
	AllowResources []string
	Unauthorized   *AuthChallenge
}

// ConnectFunc authorizes a new session before it is created. A nil
// Connect in Options always accepts with no allow-list restriction.
type ConnectFunc func(ctx context.Context, r *http.Request) (*ConnectResult, error)

// TerminateFunc runs the embedding application's cleanup for an explicit
// DELETE; a non-nil error downgrades the response from 200 to 204.
type TerminateFunc func(ctx context.Context, sessionID string) error

// Options configures a Transport.
type Options struct {
	Origins        OriginPolicy
	ValidateOrigin bool
	MaxRequestSize int64
	SessionConfig  session.Config
	Dispatch       session.DispatchFunc
	Tracker        *tracker.Tracker
	Connect        ConnectFunc
	Terminate      TerminateFunc
	OnSessionStart func(*session.Session)
	OnSessionEnd   func(sessionID string)
}

// entry is the Transport's bookkeeping for one live session: the Session
// itself, plus whichever HTTP response is currently its attached writer.
type entry struct {
	sess *session.Session

	mu    sync.Mutex
	write func(session.Frame) error
}

func (e *entry) attach(w func(session.Frame) error) {
	e.mu.Lock()
	e.write = w
	e.mu.Unlock()
}

func (e *entry) detach() {
	e.mu.Lock()
	e.write = nil
	e.mu.Unlock()
}

func (e *entry) stream(f session.Frame) error {
	e.mu.Lock()
	w := e.write
	e.mu.Unlock()
	if w == nil {
		return fmt.Errorf("mcpkit: session %s has no attached stream", e.sess.ID)
	}
	return w(f)
}

// Transport is the Streamable HTTP binding for one Router.
type Transport struct {
	opts     Options
	sessions sync.Map // string -> *entry
}

// New constructs a Transport. Dispatch is required; it is typically a
// Dispatcher's Handle method.
func New(opts Options) *Transport {
	if opts.MaxRequestSize <= 0 {
		opts.MaxRequestSize = defaultMaxRequestSize
	}
	return &Transport{opts: opts}
}

// Register mounts the transport's four methods on path, with origin
// validation and CORS ahead of them.
func (t *Transport) Register(e *echo.Echo, path string) {
	e.Use(t.validateOrigin)
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOriginFunc: func(origin string) (bool, error) {
			if !t.opts.ValidateOrigin {
				return true, nil
			}
			return t.opts.Origins.allowed(origin), nil
		},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Content-Type", "Accept", SessionHeader, "Authorization"},
		MaxAge:       86400,
	}))

	e.POST(path, t.handlePost)
	e.GET(path, t.handleGet)
	e.DELETE(path, t.handleDelete)
	e.OPTIONS(path, t.handleOptions)
}

func (t *Transport) validateOrigin(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !t.opts.ValidateOrigin {
			return next(c)
		}
		origin := c.Request().Header.Get("Origin")
		if origin != "" && !t.opts.Origins.allowed(origin) {
			return writeIntakeError(c, http.StatusForbidden, codec.NewError(codec.InvalidRequest, "origin not allowed", map[string]any{"origin": origin}))
		}
		return next(c)
	}
}

func (t *Transport) handleOptions(c echo.Context) error {
	return c.NoContent(http.StatusNoContent)
}

// handlePost implements spec.md §6's `POST /`: decode one or a batch of
// JSON-RPC requests, create or look up the addressed session, and stream
// the per-request replies back on this same HTTP response, ending with a
// `closed` event.
func (t *Transport) handlePost(c echo.Context) error {
	req := c.Request()

	if ct := req.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		return writeIntakeError(c, http.StatusBadRequest, codec.NewError(codec.InvalidRequest, "content-type must be application/json", nil))
	}
	if req.ContentLength > t.opts.MaxRequestSize {
		return writeIntakeError(c, http.StatusRequestEntityTooLarge, codec.NewError(codec.InvalidRequest, "request body too large", nil))
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, t.opts.MaxRequestSize+1))
	if err != nil {
		return writeIntakeError(c, http.StatusBadRequest, codec.NewError(codec.ParseError, err.Error(), nil))
	}
	if int64(len(body)) > t.opts.MaxRequestSize {
		return writeIntakeError(c, http.StatusRequestEntityTooLarge, codec.NewError(codec.InvalidRequest, "request body too large", nil))
	}

	reqs, err := codec.DecodeBatch(body)
	if err != nil {
		if ce, ok := err.(*codec.CodecError); ok {
			return writeIntakeError(c, http.StatusBadRequest, ce)
		}
		return writeIntakeError(c, http.StatusBadRequest, codec.NewError(codec.ParseError, err.Error(), nil))
	}

	sessionID := req.Header.Get(SessionHeader)
	ent, isNew, challenge, err := t.connectOrLookup(c, sessionID)
	if err != nil {
		return writeIntakeError(c, http.StatusNotFound, codec.NewError(codec.ConnectionError, err.Error(), nil))
	}
	if challenge != nil {
		c.Response().Header().Set("WWW-Authenticate", challenge.String())
		return c.NoContent(http.StatusUnauthorized)
	}
	if isNew {
		ent.sess.SetCloseAfterComplete(true)
	}

	t.streamBatch(c, ent, reqs, http.StatusOK)
	return nil
}

// handleGet implements `GET /`: opens the long-lived SSE stream a
// session's server-initiated traffic (progress, log, elicitation,
// resource updates) flows over.
func (t *Transport) handleGet(c echo.Context) error {
	if t.opts.Tracker == nil || !t.opts.Tracker.Available() {
		return writeIntakeError(c, http.StatusMethodNotAllowed, codec.NewError(codec.ConnectionError, "streaming requires a pub/sub substrate", nil))
	}

	sessionID := c.Request().Header.Get(SessionHeader)
	ent, _, challenge, err := t.connectOrLookup(c, sessionID)
	if err != nil {
		return writeIntakeError(c, http.StatusNotFound, codec.NewError(codec.ConnectionError, err.Error(), nil))
	}
	if challenge != nil {
		c.Response().Header().Set("WWW-Authenticate", challenge.String())
		return c.NoContent(http.StatusUnauthorized)
	}

	if _, owned := t.opts.Tracker.Get(tracker.TopicSessions, ent.sess.ID, nil); owned {
		return writeIntakeError(c, http.StatusConflict, codec.NewError(codec.ConnectionError, "Only one SSE stream is allowed per session", nil))
	}
	if err := t.opts.Tracker.Track(tracker.TopicSessions, ent.sess.ID, ent.sess, nil); err != nil {
		return writeIntakeError(c, http.StatusInternalServerError, codec.NewError(codec.InternalError, err.Error(), nil))
	}
	defer func() { _ = t.opts.Tracker.Untrack(tracker.TopicSessions, ent.sess.ID) }()

	w := c.Response()
	writeSSEHeaders(w, ent.sess.ID)
	w.WriteHeader(http.StatusAccepted)

	doneCh := make(chan struct{})
	var closeOnce sync.Once
	ent.attach(func(f session.Frame) error {
		if err := writeSSEFrame(w, f); err != nil {
			return err
		}
		if f.Event == "closed" {
			closeOnce.Do(func() { close(doneCh) })
		}
		return nil
	})
	defer ent.detach()

	select {
	case <-doneCh:
	case <-ent.sess.Done():
	case <-c.Request().Context().Done():
	}
	return nil
}

// handleDelete implements `DELETE /`: runs the embedding application's
// terminate callback and tears down the session.
func (t *Transport) handleDelete(c echo.Context) error {
	sessionID := c.Request().Header.Get(SessionHeader)
	if sessionID == "" {
		return writeIntakeError(c, http.StatusBadRequest, codec.NewError(codec.InvalidRequest, "mcp-session-id header required", nil))
	}

	v, ok := t.sessions.Load(sessionID)
	if !ok {
		return c.NoContent(http.StatusNoContent)
	}
	ent := v.(*entry)

	status := http.StatusOK
	if t.opts.Terminate != nil {
		if err := t.opts.Terminate(c.Request().Context(), sessionID); err != nil {
			status = http.StatusNoContent
		}
	}
	ent.sess.Finish()
	c.Response().Header().Set(SessionHeader, sessionID)
	return c.NoContent(status)
}

// streamBatch writes an SSE response carrying the dispatch of reqs,
// ending either once every non-notification id in the batch has been
// answered or once the session emits `closed`.
func (t *Transport) streamBatch(c echo.Context, ent *entry, reqs []*codec.Request, status int) {
	w := c.Response()
	writeSSEHeaders(w, ent.sess.ID)
	w.WriteHeader(status)

	pending := make(map[string]bool)
	for _, r := range reqs {
		if !r.IsNotification() {
			pending[frameKey(r.ID)] = true
		}
	}

	doneCh := make(chan struct{})
	var closeOnce sync.Once
	finish := func() { closeOnce.Do(func() { close(doneCh) }) }

	ent.attach(func(f session.Frame) error {
		if err := writeSSEFrame(w, f); err != nil {
			return err
		}
		if f.Event == "closed" {
			finish()
			return nil
		}
		if f.ID != nil {
			key := frameKey(f.ID)
			if pending[key] {
				delete(pending, key)
				if len(pending) == 0 {
					finish()
				}
			}
		}
		return nil
	})
	defer ent.detach()

	ent.sess.PostDispatch(c.Request().Context(), reqs)

	select {
	case <-doneCh:
	case <-ent.sess.Done():
	case <-c.Request().Context().Done():
	}
}

func (t *Transport) connectOrLookup(c echo.Context, sessionID string) (ent *entry, isNew bool, challenge *AuthChallenge, err error) {
	if sessionID != "" {
		v, ok := t.sessions.Load(sessionID)
		if !ok {
			return nil, false, nil, codec.ErrSessionNotFound
		}
		return v.(*entry), false, nil, nil
	}

	var allowTools, allowPrompts, allowResources []string
	if t.opts.Connect != nil {
		result, cerr := t.opts.Connect(c.Request().Context(), c.Request())
		if cerr != nil {
			return nil, false, nil, cerr
		}
		if result != nil {
			if result.Unauthorized != nil {
				return nil, false, result.Unauthorized, nil
			}
			allowTools, allowPrompts, allowResources = result.AllowTools, result.AllowPrompts, result.AllowResources
		}
	}

	ent = &entry{}
	sess := session.New("", ent.stream, t.opts.Dispatch, t.opts.SessionConfig)
	sess.AllowTools = allowTools
	sess.AllowPrompts = allowPrompts
	sess.AllowResources = allowResources
	ent.sess = sess

	sess.OnTerminate = func(s *session.Session) {
		t.sessions.Delete(s.ID)
		if t.opts.OnSessionEnd != nil {
			t.opts.OnSessionEnd(s.ID)
		}
	}

	t.sessions.Store(sess.ID, ent)
	sess.Start(context.Background())
	if t.opts.OnSessionStart != nil {
		t.opts.OnSessionStart(sess)
	}
	return ent, true, nil, nil
}

func frameKey(id any) string {
	return fmt.Sprintf("%v", id)
}

func writeSSEHeaders(w *echo.Response, sessionID string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set(SessionHeader, sessionID)
}

// writeSSEFrame renders one session.Frame as spec.md §4.8's
// `id: <id>\nevent: <event>\ndata: <json>\n\n` wire format; a nil
// payload is written as the JSON empty string `""`.
func writeSSEFrame(w *echo.Response, f session.Frame) error {
	idStr := ""
	if f.ID != nil {
		idStr = fmt.Sprintf("%v", f.ID)
	}
	var data []byte
	if f.Payload == nil {
		data = []byte(`""`)
	} else {
		b, err := json.Marshal(f.Payload)
		if err != nil {
			return err
		}
		data = b
	}
	if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", idStr, f.Event, data); err != nil {
		return err
	}
	w.Flush()
	return nil
}

func writeIntakeError(c echo.Context, status int, err *codec.CodecError) error {
	return c.JSON(status, err.ToEnvelope(nil))
}
