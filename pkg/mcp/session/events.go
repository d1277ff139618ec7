package session

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/mcpkit/pkg/mcp/codec"
)

// eventKind tags one mailbox message. This is the typed variant spec.md
// §9's design notes call for in place of macro-generated dispatch:
// {Dispatch, AsyncReply, Log, Progress, Ping, ResourceUpdated, ListChanged,
// SetLogLevel, ElicitResponse, Inactivity, ReaderClosed, Finish,
// SetCloseAfterComplete}. Elicit is not a mailbox event: it runs on the
// mailbox goroutine inside the calling handler.
type eventKind int

const (
	eventDispatch eventKind = iota
	eventAsyncReply
	eventLog
	eventProgress
	eventPing
	eventResourceUpdated
	eventListChanged
	eventSetLogLevel
	eventElicitResponse
	eventInactivity
	eventReaderClosed
	eventFinish
	eventSetCloseAfterComplete
)

type event struct {
	kind eventKind

	ctx      context.Context
	requests []*codec.Request // eventDispatch

	asyncID     any // eventAsyncReply
	asyncResult any
	asyncErr    error

	logLevel   LogLevel // eventLog
	logMessage string
	logLogger  string

	progressToken any // eventProgress
	progress      float64
	progressTotal float64

	resourceURI string // eventResourceUpdated

	listChangedKind string // eventListChanged: "tools"/"prompts"/"resources"

	setLevel LogLevel // eventSetLogLevel
	setLevelID any
	ackCh      chan error

	elicitReplyID      any // eventElicitResponse
	elicitReplyContent map[string]any
	elicitReplyErr     error

	boolVal bool // eventSetCloseAfterComplete
}

func (s *Session) enqueue(ev event) {
	select {
	case s.mailbox <- ev:
	case <-s.done:
	}
}

// PostDispatch delivers a decoded batch of inbound requests (POST body or
// a stdio line) to the session for processing (spec.md §4.6 point 1).
func (s *Session) PostDispatch(ctx context.Context, reqs []*codec.Request) {
	s.enqueue(event{kind: eventDispatch, ctx: ctx, requests: reqs})
}

// PostAsyncReply delivers a background task's result for a request that
// was answered `noreply` (spec.md §4.6 point 2).
func (s *Session) PostAsyncReply(id any, result any, err error) {
	s.enqueue(event{kind: eventAsyncReply, asyncID: id, asyncResult: result, asyncErr: err})
}

// PostLog delivers a `notifications/message` candidate; dropped unless
// level is loud enough for the session's current log level.
func (s *Session) PostLog(level LogLevel, loggerName, message string) {
	s.enqueue(event{kind: eventLog, logLevel: level, logLogger: loggerName, logMessage: message})
}

// PostProgress delivers a `notifications/progress` candidate for token.
func (s *Session) PostProgress(token any, progress, total float64) {
	s.enqueue(event{kind: eventProgress, progressToken: token, progress: progress, progressTotal: total})
}

// PostPing requests an immediate keep-alive ping frame.
func (s *Session) PostPing() {
	s.enqueue(event{kind: eventPing})
}

// PostResourceUpdated notifies the session that uri changed, for emission
// only if the session is subscribed to it (subscription state is tracked
// by the Dispatcher via the Tracker, not here; the caller is expected to
// have already filtered by subscription — see handleResourcesSubscribe in
// package dispatch).
func (s *Session) PostResourceUpdated(uri string) {
	s.enqueue(event{kind: eventResourceUpdated, resourceURI: uri})
}

// PostListChanged notifies the session that kind's catalog changed; the
// session only emits the notification if its allow-list for kind is nil
// (spec.md §4.6 point 7).
func (s *Session) PostListChanged(kind string) {
	s.enqueue(event{kind: eventListChanged, listChangedKind: kind})
}

// PostSetLogLevel asks the session to adopt a new symbolic log level,
// acking on ackCh (logging/setLevel's empty-result reply).
func (s *Session) PostSetLogLevel(id any, level LogLevel, ackCh chan error) {
	s.enqueue(event{kind: eventSetLogLevel, setLevelID: id, setLevel: level, ackCh: ackCh})
}

// PostElicitResponse delivers the client's JSON-RPC reply to a pending
// elicitation/create request, correlated strictly by id (spec.md §9's
// open-question resolution).
func (s *Session) PostElicitResponse(id any, content map[string]any, err error) {
	s.enqueue(event{kind: eventElicitResponse, elicitReplyID: id, elicitReplyContent: content, elicitReplyErr: err})
}

// ReaderClosed signals stdio EOF (or any transport read error): run
// disconnect/terminate callbacks and exit (spec.md §4.6 point 12).
func (s *Session) ReaderClosed() {
	s.enqueue(event{kind: eventReaderClosed})
}

// Finish requests a graceful, immediate close (spec.md §4.6 point 11 —
// distinct from inactivity, used by HTTP DELETE terminate).
func (s *Session) Finish() {
	s.enqueue(event{kind: eventFinish})
}

// Done is closed once the session's mailbox loop has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// elicitationIDKey renders an elicitation id consistently for the
// elicitations map, since JSON-RPC ids may be string or number.
func elicitationIDKey(id any) string {
	return fmt.Sprintf("%v", id)
}
