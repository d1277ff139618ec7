package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/mcpkit/pkg/mcp/codec"
)

type frameRecorder struct {
	mu     sync.Mutex
	frames []Frame
}

func (r *frameRecorder) stream(f Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
	return nil
}

func (r *frameRecorder) snapshot() []Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Frame, len(r.frames))
	copy(out, r.frames)
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func echoDispatch(ctx context.Context, sess *Session, req *codec.Request) Outcome {
	return Outcome{Kind: OutcomeReply, Result: map[string]any{"echo": true}}
}

func newTestSession(t *testing.T, dispatch DispatchFunc) (*Session, *frameRecorder) {
	t.Helper()
	rec := &frameRecorder{}
	cfg := DefaultConfig()
	cfg.PingInterval = 50 * time.Millisecond
	s := New("sess-1", rec.stream, dispatch, cfg)
	s.Start(context.Background())
	t.Cleanup(func() { s.Finish(); <-s.Done() })
	return s, rec
}

func TestSession_ReplyFrameCarriesRequestID(t *testing.T) {
	s, rec := newTestSession(t, echoDispatch)
	s.PostDispatch(context.Background(), []*codec.Request{
		{JSONRPC: "2.0", ID: float64(1), Method: "ping"},
	})

	waitFor(t, func() bool { return len(rec.snapshot()) > 0 })
	frames := rec.snapshot()
	require.Len(t, frames, 1)
	assert.Equal(t, float64(1), frames[0].ID)
	resp, ok := frames[0].Payload.(*codec.Response)
	require.True(t, ok)
	assert.Equal(t, float64(1), resp.ID)
}

func TestSession_NotificationProducesNoFrame(t *testing.T) {
	called := false
	s, rec := newTestSession(t, func(ctx context.Context, sess *Session, req *codec.Request) Outcome {
		called = true
		return Outcome{Kind: OutcomeReply, Result: "ignored"}
	})
	s.PostDispatch(context.Background(), []*codec.Request{
		{JSONRPC: "2.0", Method: "notifications/initialized"},
	})
	time.Sleep(50 * time.Millisecond)
	assert.True(t, called)
	assert.Empty(t, rec.snapshot())
}

func TestSession_NoReplyThenAsyncReply(t *testing.T) {
	s, rec := newTestSession(t, func(ctx context.Context, sess *Session, req *codec.Request) Outcome {
		return Outcome{Kind: OutcomeNoReply}
	})
	s.PostDispatch(context.Background(), []*codec.Request{
		{JSONRPC: "2.0", ID: "abc", Method: "tools/call"},
	})
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, rec.snapshot())

	s.PostAsyncReply("abc", map[string]any{"done": true}, nil)
	waitFor(t, func() bool { return len(rec.snapshot()) > 0 })
	frames := rec.snapshot()
	require.Len(t, frames, 1)
	assert.Equal(t, "abc", frames[0].ID)
}

func TestSession_ErrorOutcomeCarriesCodecError(t *testing.T) {
	s, rec := newTestSession(t, func(ctx context.Context, sess *Session, req *codec.Request) Outcome {
		return Outcome{Kind: OutcomeError, Err: codec.NewError(codec.MethodNotFound, "unknown method", nil)}
	})
	s.PostDispatch(context.Background(), []*codec.Request{
		{JSONRPC: "2.0", ID: float64(9), Method: "bogus"},
	})
	waitFor(t, func() bool { return len(rec.snapshot()) > 0 })
	errResp, ok := rec.snapshot()[0].Payload.(*codec.ErrorResponse)
	require.True(t, ok)
	assert.Equal(t, codec.MethodNotFound, errResp.Error.Code)
}

func TestSession_LogLevelFiltering(t *testing.T) {
	s, rec := newTestSession(t, echoDispatch)
	ack := make(chan error, 1)
	s.PostSetLogLevel(float64(1), LogLevelWarning, ack)
	require.NoError(t, <-ack)

	s.PostLog(LogLevelDebug, "test", "should be dropped")
	s.PostLog(LogLevelError, "test", "should pass")

	waitFor(t, func() bool { return len(rec.snapshot()) >= 2 }) // setLevel ack + error log
	frames := rec.snapshot()
	var messages int
	for _, f := range frames {
		if n, ok := f.Payload.(*codec.Notification); ok && n.Method == "notifications/message" {
			messages++
		}
	}
	assert.Equal(t, 1, messages)
}

func TestSession_ListChangedSuppressedWhenAllowListed(t *testing.T) {
	s, rec := newTestSession(t, echoDispatch)
	s.AllowTools = []string{"only_this"}
	s.PostListChanged("tools")
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, rec.snapshot())
}

func TestSession_ListChangedEmittedWhenUnrestricted(t *testing.T) {
	s, rec := newTestSession(t, echoDispatch)
	s.PostListChanged("tools")
	waitFor(t, func() bool { return len(rec.snapshot()) > 0 })
}

func TestSession_ProgressWithoutTokenDegradesToPing(t *testing.T) {
	s, rec := newTestSession(t, echoDispatch)
	s.PostProgress(nil, 50, 100)
	waitFor(t, func() bool { return len(rec.snapshot()) > 0 })
	assert.Equal(t, "ping", rec.snapshot()[0].Event)
}

func TestSession_ElicitBlocksUntilResponse(t *testing.T) {
	var elicitResult map[string]any
	var elicitErr error
	gotResponse := make(chan struct{})

	dispatch := func(ctx context.Context, sess *Session, req *codec.Request) Outcome {
		elicitResult, elicitErr = sess.Elicit(context.Background(), "form", map[string]any{"q": "name?"})
		close(gotResponse)
		return Outcome{Kind: OutcomeReply, Result: "done"}
	}
	s, rec := newTestSession(t, dispatch)
	s.PostDispatch(context.Background(), []*codec.Request{
		{JSONRPC: "2.0", ID: float64(1), Method: "tools/call"},
	})

	waitFor(t, func() bool { return len(rec.snapshot()) > 0 })
	elicitFrame := rec.snapshot()[0]
	raw, err := json.Marshal(elicitFrame.Payload)
	require.NoError(t, err)
	var decoded struct {
		ID     string `json:"id"`
		Method string `json:"method"`
	}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "elicitation/create", decoded.Method)

	s.PostElicitResponse(decoded.ID, map[string]any{"name": "ada"}, nil)

	select {
	case <-gotResponse:
	case <-time.After(2 * time.Second):
		t.Fatal("elicit never unblocked")
	}
	require.NoError(t, elicitErr)
	assert.Equal(t, "ada", elicitResult["name"])
}

func TestSession_ElicitTimesOut(t *testing.T) {
	var elicitErr error
	done := make(chan struct{})
	dispatch := func(ctx context.Context, sess *Session, req *codec.Request) Outcome {
		_, elicitErr = sess.Elicit(context.Background(), "form", nil)
		close(done)
		return Outcome{Kind: OutcomeReply}
	}
	rec := &frameRecorder{}
	cfg := DefaultConfig()
	cfg.ElicitationTimeout = 30 * time.Millisecond
	cfg.PingInterval = time.Hour
	s := New("sess-timeout", rec.stream, dispatch, cfg)
	s.Start(context.Background())
	t.Cleanup(func() { s.Finish(); <-s.Done() })

	s.PostDispatch(context.Background(), []*codec.Request{{JSONRPC: "2.0", ID: float64(1), Method: "tools/call"}})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("elicit never timed out")
	}
	assert.ErrorIs(t, elicitErr, ErrElicitationTimeout)
}

func TestSession_CloseAfterCompleteFinishesWhenPendingEmpties(t *testing.T) {
	rec := &frameRecorder{}
	cfg := DefaultConfig()
	cfg.PingInterval = time.Hour
	s := New("sess-close", rec.stream, func(ctx context.Context, sess *Session, req *codec.Request) Outcome {
		return Outcome{Kind: OutcomeReply, Result: "ok"}
	}, cfg)
	s.Start(context.Background())
	s.SetCloseAfterComplete(true)
	s.PostDispatch(context.Background(), []*codec.Request{{JSONRPC: "2.0", ID: float64(1), Method: "ping"}})

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session never finished")
	}
	frames := rec.snapshot()
	require.Len(t, frames, 2)
	assert.Equal(t, "closed", frames[1].Event)
}

func TestSession_AllowListFiltering(t *testing.T) {
	s, _ := newTestSession(t, echoDispatch)
	assert.True(t, s.AllowedTool("anything"))
	s.AllowTools = []string{"a", "b"}
	assert.True(t, s.AllowedTool("a"))
	assert.False(t, s.AllowedTool("c"))
}

func TestSession_PanicInDispatchRecoversToInternalError(t *testing.T) {
	var hostErr error
	s, rec := newTestSession(t, func(ctx context.Context, sess *Session, req *codec.Request) Outcome {
		panic("boom")
	})
	s.OnUnhandledError = func(err error) { hostErr = err }

	s.PostDispatch(context.Background(), []*codec.Request{
		{JSONRPC: "2.0", ID: float64(1), Method: "tools/call"},
	})

	waitFor(t, func() bool { return len(rec.snapshot()) > 0 })
	errResp, ok := rec.snapshot()[0].Payload.(*codec.ErrorResponse)
	require.True(t, ok)
	assert.Equal(t, codec.InternalError, errResp.Error.Code)

	waitFor(t, func() bool { return hostErr != nil })
	assert.Contains(t, hostErr.Error(), "boom")
}

func TestSession_BatchTwoRaisingToolsProducesTwoErrorFramesAndAggregateException(t *testing.T) {
	var hostErr error
	s, rec := newTestSession(t, func(ctx context.Context, sess *Session, req *codec.Request) Outcome {
		panic("boom")
	})
	s.OnUnhandledError = func(err error) { hostErr = err }

	s.PostDispatch(context.Background(), []*codec.Request{
		{JSONRPC: "2.0", ID: float64(1), Method: "tools/call"},
		{JSONRPC: "2.0", ID: float64(2), Method: "tools/call"},
	})

	waitFor(t, func() bool { return len(rec.snapshot()) >= 2 })
	frames := rec.snapshot()
	require.Len(t, frames, 2)
	for _, f := range frames {
		errResp, ok := f.Payload.(*codec.ErrorResponse)
		require.True(t, ok)
		assert.Equal(t, codec.InternalError, errResp.Error.Code)
	}

	waitFor(t, func() bool { return hostErr != nil })
	assert.Contains(t, hostErr.Error(), "2 of 2 batch requests failed")
}

func TestSession_SingleFailureInLargerBatchReRaisesUnwrapped(t *testing.T) {
	var hostErr error
	s, rec := newTestSession(t, func(ctx context.Context, sess *Session, req *codec.Request) Outcome {
		if req.ID == float64(2) {
			return Outcome{Kind: OutcomeError, Err: codec.NewError(codec.InternalError, "only this one fails", nil)}
		}
		return Outcome{Kind: OutcomeReply, Result: "ok"}
	})
	s.OnUnhandledError = func(err error) { hostErr = err }

	s.PostDispatch(context.Background(), []*codec.Request{
		{JSONRPC: "2.0", ID: float64(1), Method: "ping"},
		{JSONRPC: "2.0", ID: float64(2), Method: "tools/call"},
		{JSONRPC: "2.0", ID: float64(3), Method: "ping"},
	})

	waitFor(t, func() bool { return len(rec.snapshot()) >= 3 })
	waitFor(t, func() bool { return hostErr != nil })

	// spec.md §7: "if exactly one exception, it is re-raised to the
	// host" regardless of how many other requests were in the batch —
	// the host sees the original error, not a wrapped aggregate.
	ce, ok := hostErr.(*codec.CodecError)
	require.True(t, ok)
	assert.Equal(t, "only this one fails", ce.Message)
}

func TestSession_Assigns(t *testing.T) {
	s, _ := newTestSession(t, echoDispatch)
	s.Assign("user_id", "u-1")
	assert.Equal(t, "u-1", s.Assigns()["user_id"])
}
