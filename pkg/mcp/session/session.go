// Package session implements the per-session mailbox process: a single
// long-lived goroutine that serializes every outbound frame to one client
// stream and multiplexes the mixed event stream spec.md §4.6 describes —
// inbound request batches, async replies from background handler tasks,
// log/progress/ping notifications, Tracker broadcasts, server-initiated
// elicitation, and the inactivity timer.
//
// Grounded on HyphaGroup-oubliette/internal/session/active.go for the
// ActiveStatus-style lifecycle naming (idle/running/finishing/terminated)
// and LastActivity bookkeeping, adapted from that teacher's mutex-guarded
// fields to a single-goroutine channel-select loop: spec.md §5 requires
// "race-free without locks" mutation of session state, which a mailbox
// gives for free. Heartbeat pacing is grounded on the teacher
// fyrsmithlabs-contextd's pkg/mcp/sse.go 30-second time.Ticker.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/mcpkit/pkg/mcp/codec"
)

// State is the session process's lifecycle state (spec.md §4.6's table).
type State int

const (
	StateConnecting State = iota
	StateLive
	StateFinishing
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateLive:
		return "live"
	case StateFinishing:
		return "finishing"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Frame is one outbound unit the Session writes through its StreamFunc:
// a JSON-RPC reply/error envelope, a notification, or a terminal "closed"
// signal.
type Frame struct {
	// ID is the originating request id, or nil for notifications and
	// server-initiated frames with no correlating request.
	ID any
	// Event is the SSE/stdio event tag: "message" for replies and
	// notifications alike (MCP has no distinct SSE event name for them),
	// "ping" for keep-alive pings, and "closed" for the terminal frame.
	Event string
	// Payload is the JSON-RPC envelope (already encoded shape, e.g.
	// *codec.Response, *codec.ErrorResponse, *codec.Notification) or, for
	// a "closed" frame, a map with a "reason" key.
	Payload any
}

// StreamFunc writes one outbound frame to the client. Transports supply
// this; it must be safe to call only from the session's own goroutine
// (the mailbox loop is the sole caller).
type StreamFunc func(Frame) error

// DispatchFunc invokes the Dispatcher for one decoded request, returning
// the outcome. The session does not know about JSON-RPC method names; it
// only knows how to turn an Outcome into a Frame.
type DispatchFunc func(ctx context.Context, sess *Session, req *codec.Request) Outcome

// OutcomeKind tags what a dispatched request produced (spec.md §4.6
// point 1's reply/noreply/error/elicitation_required variants).
type OutcomeKind int

const (
	OutcomeReply OutcomeKind = iota
	OutcomeNoReply
	OutcomeError
	OutcomeElicitationRequired
)

// Outcome is what DispatchFunc returns for one request.
type Outcome struct {
	Kind   OutcomeKind
	ID     any
	Result any
	Err    error // used for OutcomeError and OutcomeElicitationRequired
}

// Elicitation is a pending server->client prompt awaiting a client reply.
type Elicitation struct {
	ID     any // the JSON-RPC id the server minted for elicitation/create
	Mode   string // "form" or "url"
	Caller chan ElicitationReply
}

// ElicitationReply is what the blocked handler call eventually receives.
type ElicitationReply struct {
	Content map[string]any
	Err     error
}

// Config tunes a Session's pacing.
type Config struct {
	// PingInterval paces the keep-alive/inactivity-probe ticker.
	PingInterval time.Duration
	// InactivityTimeout is the idle budget after which a
	// close-after-complete session with an empty pending map terminates.
	InactivityTimeout time.Duration
	// ElicitationTimeout bounds a single server-initiated elicitation call.
	ElicitationTimeout time.Duration
	// MailboxSize is the buffered channel depth for the event loop.
	MailboxSize int
}

// DefaultConfig matches spec.md §5's stated defaults.
func DefaultConfig() Config {
	return Config{
		PingInterval:       30 * time.Second,
		InactivityTimeout:  5 * time.Minute,
		ElicitationTimeout: 5 * time.Minute,
		MailboxSize:        64,
	}
}

// pendingRequest is a reply placeholder awaiting an async handler result.
type pendingRequest struct{}

// Session is the focal entity of spec.md §3: the stateful loop owning one
// client stream. All fields below State are mutated only from the
// mailbox goroutine (run); external callers communicate through the
// exported Post* methods, Finish, ReaderClosed and SetCloseAfterComplete,
// which enqueue onto mailbox.
type Session struct {
	ID string

	cfg    Config
	stream StreamFunc

	// AllowTools/AllowPrompts/AllowResources are nil for "all allowed"
	// (spec.md §3's allow-list fields), or an explicit subset.
	AllowTools     []string
	AllowPrompts   []string
	AllowResources []string

	// Assigns holds user-defined per-session key/value state, mirroring
	// the teacher's session assigns map.
	assignsMu sync.RWMutex
	assigns   map[string]any

	// ClientCapabilities/ClientInfo are recorded at initialize time.
	ClientCapabilities map[string]any
	ClientInfo         map[string]any

	mailbox chan event
	done    chan struct{}

	// closeAfterComplete marks a POST-only session: finish once pending
	// empties. GET-opened SSE streams and stdio sessions never set this.
	closeAfterComplete bool

	// state, logLevel, pending, and elicitations are mailbox-goroutine-
	// owned; they are exposed read-only to tests via accessor methods
	// that are only safe to call after Done is closed or from within a handler
	// running synchronously on this goroutine.
	state        State
	logLevel     LogLevel
	lastActivity time.Time
	pending      map[string]*pendingRequest
	elicitations map[string]*Elicitation

	// dispatch is supplied by the Router; it is read-only after New.
	dispatch DispatchFunc

	// OnTerminate is invoked (outside the mailbox, best-effort) once the
	// session reaches StateTerminated, so the Router/Tracker can untrack it.
	OnTerminate func(*Session)

	// OnUnhandledError surfaces a batch dispatch failure to the host for
	// logging/telemetry (see reportBatchErrors).
	OnUnhandledError func(error)

	// streamDead marks that the last write through stream failed; no
	// further frames are attempted (spec.md §5: async replies after
	// disconnect are silently dropped with a warning).
	streamDead bool

	stopOnce sync.Once

	// snapState/snapMu back StateSnapshot: a best-effort, lock-guarded
	// mirror of state, set to live by Start and to terminated when the
	// mailbox loop exits, so
	// callers outside the mailbox goroutine (HTTP handlers deciding
	// whether to open a second stream) can read it without round-tripping
	// through the channel.
	snapMu    sync.RWMutex
	snapState State
}

// New constructs a Session. dispatch is typically the Dispatcher's
// Handle method. An empty id is replaced by a fresh UUID v7.
func New(id string, stream StreamFunc, dispatch DispatchFunc, cfg Config) *Session {
	if id == "" {
		id = uuid.Must(uuid.NewV7()).String()
	}
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = DefaultConfig().MailboxSize
	}
	return &Session{
		ID:           id,
		cfg:          cfg,
		stream:       stream,
		dispatch:     dispatch,
		mailbox:      make(chan event, cfg.MailboxSize),
		done:         make(chan struct{}),
		pending:      make(map[string]*pendingRequest),
		elicitations: make(map[string]*Elicitation),
		lastActivity: time.Now(),
		logLevel:     LogLevelInfo,
		assigns:      make(map[string]any),
	}
}

// SetCloseAfterComplete marks whether this session should finish once its
// pending map empties (spec.md §4.8's POST-only close-after-complete).
func (s *Session) SetCloseAfterComplete(v bool) {
	s.enqueue(event{kind: eventSetCloseAfterComplete, boolVal: v})
}

// StateSnapshot reports the session's lifecycle state without
// round-tripping the mailbox. Safe to call concurrently; it only tracks
// the live and terminated transitions made by Start and the loop's exit.
func (s *Session) StateSnapshot() State {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.snapState
}

// Assign stores a user-defined key/value pair visible to this session's
// handlers (spec.md §3's "user-defined assigns").
func (s *Session) Assign(key string, value any) {
	s.assignsMu.Lock()
	defer s.assignsMu.Unlock()
	s.assigns[key] = value
}

// Assigns returns a snapshot copy of the session's user-defined state.
func (s *Session) Assigns() map[string]any {
	s.assignsMu.RLock()
	defer s.assignsMu.RUnlock()
	out := make(map[string]any, len(s.assigns))
	for k, v := range s.assigns {
		out[k] = v
	}
	return out
}

// AllowedTool reports whether name is visible given the session's
// tool allow-list.
func (s *Session) AllowedTool(name string) bool { return allowed(s.AllowTools, name) }

// AllowedPrompt reports whether name is visible given the session's
// prompt allow-list.
func (s *Session) AllowedPrompt(name string) bool { return allowed(s.AllowPrompts, name) }

// AllowedResource reports whether name is visible given the session's
// resource-template allow-list.
func (s *Session) AllowedResource(name string) bool { return allowed(s.AllowResources, name) }

// LogLevel returns the session's current symbolic log-level threshold.
func (s *Session) LogLevel() LogLevel { return s.logLevel }

// SetLogLevelNow adopts a new log-level threshold immediately. It must
// only be called synchronously from within a DispatchFunc invocation
// (i.e. from the session's own goroutine while processing eventDispatch);
// calling it from any other goroutine is a data race. logging/setLevel's
// handler uses this instead of round-tripping through the mailbox,
// because the mailbox is the very thing blocked running this handler.
func (s *Session) SetLogLevelNow(level LogLevel) { s.logLevel = level }

func allowed(list []string, name string) bool {
	if list == nil {
		return true
	}
	for _, n := range list {
		if n == name {
			return true
		}
	}
	return false
}
