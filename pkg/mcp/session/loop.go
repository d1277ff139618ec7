package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/mcpkit/pkg/mcp/codec"
)

// ErrElicitationTimeout is returned to a handler blocked in Elicit when
// the client does not reply within the configured timeout.
var ErrElicitationTimeout = errors.New("session: elicitation timed out")

// ErrSessionClosed is returned to a handler blocked in Elicit when the
// session terminates before the client replies.
var ErrSessionClosed = errors.New("session: closed")

// Start transitions the session from connecting to live and begins its
// mailbox loop. The Router is expected to have already run its connect
// callback and only call Start on success; a rejected connect never gets
// a Session at all, matching the "reject (401/403)" transition of
// spec.md §4.6's state table at the transport layer instead of inside
// this type.
func (s *Session) Start(ctx context.Context) {
	s.setSnapState(StateLive)
	s.state = StateLive
	go s.run(ctx)
}

func (s *Session) setSnapState(st State) {
	s.snapMu.Lock()
	s.snapState = st
	s.snapMu.Unlock()
}

func (s *Session) run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	defer close(s.done)
	defer s.setSnapState(StateTerminated)

	for {
		select {
		case ev := <-s.mailbox:
			if terminal := s.handleEvent(ev); terminal {
				return
			}
		case <-ticker.C:
			s.handleTick()
		case <-ctx.Done():
			s.emitClosed("context canceled")
			return
		}
		if s.state == StateTerminated || s.streamDead {
			return
		}
	}
}

// handleEvent processes one mailbox event and returns true if the session
// should terminate immediately after. It is also called recursively from
// Elicit's nested pump, so it must never block except on s.stream I/O.
func (s *Session) handleEvent(ev event) (terminal bool) {
	s.lastActivity = time.Now()

	switch ev.kind {
	case eventDispatch:
		s.handleDispatch(ev.ctx, ev.requests)
	case eventAsyncReply:
		s.handleAsyncReply(ev.asyncID, ev.asyncResult, ev.asyncErr)
	case eventLog:
		s.handleLog(ev.logLevel, ev.logLogger, ev.logMessage)
	case eventProgress:
		s.handleProgress(ev.progressToken, ev.progress, ev.progressTotal)
	case eventPing:
		s.emit(Frame{Event: "ping", Payload: codec.NewNotification("ping", nil)})
	case eventResourceUpdated:
		s.emit(Frame{Event: "message", Payload: codec.NewNotification("notifications/resources/updated", map[string]any{"uri": ev.resourceURI})})
	case eventListChanged:
		s.handleListChanged(ev.listChangedKind)
	case eventSetLogLevel:
		s.logLevel = ev.setLevel
		if ev.ackCh != nil {
			ev.ackCh <- nil
		}
		s.emit(Frame{ID: ev.setLevelID, Event: "message", Payload: codec.NewReply(ev.setLevelID, map[string]any{})})
	case eventElicitResponse:
		s.handleElicitResponse(ev.elicitReplyID, ev.elicitReplyContent, ev.elicitReplyErr)
	case eventInactivity:
		return s.handleInactivity()
	case eventReaderClosed:
		s.emitClosed("disconnected")
		return true
	case eventFinish:
		s.emitClosed("finished")
		return true
	case eventSetCloseAfterComplete:
		s.closeAfterComplete = ev.boolVal
	}

	if s.closeAfterComplete && len(s.pending) == 0 && ev.kind == eventDispatch {
		s.emitClosed("finished")
		return true
	}
	return false
}

func (s *Session) handleTick() {
	idle := time.Since(s.lastActivity)
	if s.closeAfterComplete && len(s.pending) == 0 && idle >= s.cfg.InactivityTimeout {
		s.handleEvent(event{kind: eventInactivity})
		return
	}
	s.emit(Frame{Event: "ping", Payload: codec.NewNotification("ping", nil)})
}

func (s *Session) handleInactivity() bool {
	s.emitClosed("inactivity")
	return true
}

func (s *Session) handleDispatch(ctx context.Context, reqs []*codec.Request) {
	if ctx == nil {
		ctx = context.Background()
	}
	var errs []error
	for _, req := range reqs {
		if req.IsNotification() {
			if s.dispatch != nil {
				s.safeDispatch(ctx, req)
			}
			continue
		}
		outcome := s.safeDispatch(ctx, req)
		if err := s.applyOutcome(req.ID, outcome); err != nil {
			errs = append(errs, err)
		}
	}
	s.reportBatchErrors(len(reqs), errs)
}

// safeDispatch invokes the Dispatcher for one request, recovering from a
// panic a tool/prompt/resource-template handler raises. spec.md §7's
// "unhandled handler exception" tier is a Go panic here, not just a
// returned error, and an unrecovered panic in a session's own long-lived
// goroutine would crash the whole process, not just the one request —
// converting it to the same internal_error outcome a returned error
// produces keeps one buggy handler from taking down every other session.
func (s *Session) safeDispatch(ctx context.Context, req *codec.Request) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			outcome = Outcome{Kind: OutcomeError, Err: codec.NewError(codec.InternalError, fmt.Sprintf("panic: %v", r), nil)}
		}
	}()
	return s.dispatch(ctx, s, req)
}

// applyOutcome renders one Outcome into zero or one outbound frame and
// updates the pending map, per spec.md §4.6 point 1's reply/noreply/
// error/elicitation_required variants.
func (s *Session) applyOutcome(id any, outcome Outcome) error {
	switch outcome.Kind {
	case OutcomeReply:
		s.emit(Frame{ID: id, Event: "message", Payload: codec.NewReply(id, outcome.Result)})
	case OutcomeNoReply:
		s.pending[elicitationIDKey(id)] = &pendingRequest{}
	case OutcomeError:
		s.emitError(id, outcome.Err)
		return outcome.Err
	case OutcomeElicitationRequired:
		s.emitError(id, outcome.Err)
	}
	return nil
}

func (s *Session) emitError(id any, err error) {
	var ce *codec.CodecError
	if errors.As(err, &ce) {
		s.emit(Frame{ID: id, Event: "message", Payload: ce.ToEnvelope(id)})
		return
	}
	wrapped := codec.NewError(codec.InternalError, err.Error(), nil)
	s.emit(Frame{ID: id, Event: "message", Payload: wrapped.ToEnvelope(id)})
}

// reportBatchErrors mirrors spec.md §7's propagation rule: each request's
// error is independent within the batch; once the batch completes, exactly
// one failure (regardless of how many other requests were in the batch)
// is re-raised to the host via OnUnhandledError unwrapped, and more than
// one failure is wrapped into one aggregate call. mcpkit cannot literally
// "re-raise after flush" the way a
// supervised host process can without killing the session goroutine
// (which would drop the client's already-written JSON-RPC error replies
// mid-stream); surfacing through a callback preserves the same
// observability contract without that side effect.
func (s *Session) reportBatchErrors(batchSize int, errs []error) {
	if len(errs) == 0 || s.OnUnhandledError == nil {
		return
	}
	if len(errs) == 1 {
		s.OnUnhandledError(errs[0])
		return
	}
	s.OnUnhandledError(fmt.Errorf("session: %d of %d batch requests failed: %w", len(errs), batchSize, errors.Join(errs...)))
}

func (s *Session) handleAsyncReply(id any, result any, err error) {
	key := elicitationIDKey(id)
	if _, ok := s.pending[key]; !ok {
		return
	}
	delete(s.pending, key)
	if err != nil {
		s.emitError(id, err)
		return
	}
	s.emit(Frame{ID: id, Event: "message", Payload: codec.NewReply(id, result)})
	if s.closeAfterComplete && len(s.pending) == 0 {
		s.emitClosed("finished")
		s.state = StateTerminated
	}
}

func (s *Session) handleLog(level LogLevel, logger, message string) {
	if level < s.logLevel {
		return
	}
	s.emit(Frame{Event: "message", Payload: codec.NewNotification("notifications/message", map[string]any{
		"level":  level,
		"logger": logger,
		"data":   message,
	})})
}

func (s *Session) handleProgress(token any, progress, total float64) {
	if token == nil {
		s.emit(Frame{Event: "ping", Payload: codec.NewNotification("ping", nil)})
		return
	}
	s.emit(Frame{Event: "message", Payload: codec.NewNotification("notifications/progress", map[string]any{
		"progressToken": token,
		"progress":      progress,
		"total":         total,
	})})
}

func (s *Session) handleListChanged(kind string) {
	var allowList []string
	switch kind {
	case "tools":
		allowList = s.AllowTools
	case "prompts":
		allowList = s.AllowPrompts
	case "resources":
		allowList = s.AllowResources
	}
	if allowList != nil {
		return
	}
	s.emit(Frame{Event: "message", Payload: codec.NewNotification("notifications/" + kind + "/list_changed", nil)})
}

func (s *Session) handleElicitResponse(id any, content map[string]any, err error) {
	key := elicitationIDKey(id)
	el, ok := s.elicitations[key]
	if !ok {
		return
	}
	delete(s.elicitations, key)
	select {
	case el.Caller <- ElicitationReply{Content: content, Err: err}:
	default:
	}
}

func (s *Session) emit(f Frame) {
	if s.streamDead {
		return
	}
	if err := s.stream(f); err != nil {
		// The stream is gone; further frames (including async replies the
		// handler layer produces later) are dropped silently (spec.md §5).
		s.streamDead = true
	}
}

func (s *Session) emitClosed(reason string) {
	s.state = StateFinishing
	s.emit(Frame{Event: "closed", Payload: map[string]any{"reason": reason}})
	s.state = StateTerminated
	if s.OnTerminate != nil {
		s.OnTerminate(s)
	}
}

// Elicit constructs a server-initiated `elicitation/create` request,
// writes it to the client, and blocks the calling handler until the
// correlated PostElicitResponse arrives, the configured timeout elapses,
// or ctx is canceled. It must be called from within a handler running on
// this session's own goroutine (i.e. from inside DispatchFunc during
// eventDispatch processing) — it pumps the mailbox itself while waiting,
// which is only safe because nothing else runs concurrently on a Session.
func (s *Session) Elicit(ctx context.Context, mode string, params map[string]any) (map[string]any, error) {
	id := uuid.New().String()
	key := elicitationIDKey(id)
	replyCh := make(chan ElicitationReply, 1)
	s.elicitations[key] = &Elicitation{ID: id, Mode: mode, Caller: replyCh}

	s.emit(Frame{ID: id, Event: "message", Payload: map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  "elicitation/create",
		"params":  params,
	}})

	timeout := s.cfg.ElicitationTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().ElicitationTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case r := <-replyCh:
			return r.Content, r.Err
		case <-timer.C:
			delete(s.elicitations, key)
			return nil, ErrElicitationTimeout
		case <-ctx.Done():
			delete(s.elicitations, key)
			return nil, ctx.Err()
		case ev := <-s.mailbox:
			if terminal := s.handleEvent(ev); terminal {
				delete(s.elicitations, key)
				return nil, ErrSessionClosed
			}
		case <-s.done:
			return nil, ErrSessionClosed
		}
	}
}
