// Package stdio implements spec.md §4.9's line-delimited transport: one
// JSON-RPC object or array per line read from a byte stream, with
// replies and notifications written back one JSON-encoded line at a
// time, and a clean session termination on EOF.
//
// The teacher delegates its own stdio binary to the official
// modelcontextprotocol/go-sdk rather than implementing framing itself;
// since mcpkit is a from-scratch reimplementation of that SDK's server
// half, depending on it here would be circular (see DESIGN.md). Framing
// is instead grounded on the teacher's general "construct once, Run(ctx)
// blocks" daemon shape and bufio.Scanner line reading, the same idiom
// the teacher's config loader uses for line-oriented input.
package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/fyrsmithlabs/mcpkit/pkg/mcp/codec"
	"github.com/fyrsmithlabs/mcpkit/pkg/mcp/session"
)

// defaultMaxLineSize bounds a single line so a runaway client can't grow
// the scanner's buffer without limit.
const defaultMaxLineSize = 4 << 20

// Options configures a Transport. Reader and Writer are required (Run
// returns an error when either is nil); they may be os.Stdin/os.Stdout or
// any other byte stream framed the same way (a test, or a socket).
type Options struct {
	Reader io.Reader
	Writer io.Writer

	SessionID      string
	SessionConfig  session.Config
	Dispatch       session.DispatchFunc
	AllowTools     []string
	AllowPrompts   []string
	AllowResources []string

	MaxLineSize int

	OnSessionStart func(*session.Session)
	OnSessionEnd   func(sessionID string)
}

// Transport owns exactly one session for the lifetime of its underlying
// byte stream (spec.md §4.9: stdio always has one session per process).
type Transport struct {
	opts Options

	writer  io.Writer
	writeMu sync.Mutex

	sess *session.Session
}

// New constructs a Transport. Call Run to start reading.
func New(opts Options) *Transport {
	if opts.MaxLineSize <= 0 {
		opts.MaxLineSize = defaultMaxLineSize
	}
	return &Transport{opts: opts}
}

// Session returns the transport's session once Run has started it (nil
// beforehand).
func (t *Transport) Session() *session.Session {
	return t.sess
}

// Run creates the session, starts its mailbox loop, and blocks reading
// line-delimited requests until the reader hits EOF or a read error
// occurs. Canceling ctx closes the session, but reading continues until
// the reader itself ends. It returns the terminating read error, or nil
// on a clean EOF.
func (t *Transport) Run(ctx context.Context) error {
	reader := t.opts.Reader
	writer := t.opts.Writer
	if reader == nil || writer == nil {
		return fmt.Errorf("mcpkit/stdio: Reader and Writer must be supplied")
	}
	t.writer = writer

	t.sess = session.New(t.opts.SessionID, t.stream, t.opts.Dispatch, t.opts.SessionConfig)
	t.sess.AllowTools = t.opts.AllowTools
	t.sess.AllowPrompts = t.opts.AllowPrompts
	t.sess.AllowResources = t.opts.AllowResources

	onEnd := t.opts.OnSessionEnd
	t.sess.OnTerminate = func(s *session.Session) {
		if onEnd != nil {
			onEnd(s.ID)
		}
	}

	t.sess.Start(ctx)
	if t.opts.OnSessionStart != nil {
		t.opts.OnSessionStart(t.sess)
	}

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), t.opts.MaxLineSize)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		reqs, err := codec.DecodeBatch(line)
		if err != nil {
			t.writeParseError(err)
			continue
		}
		t.sess.PostDispatch(ctx, reqs)
	}

	t.sess.ReaderClosed()
	select {
	case <-t.sess.Done():
	case <-ctx.Done():
	}
	return scanner.Err()
}

// stream implements session.StreamFunc: one JSON-encoded line per frame.
// A "closed" frame carries no wire representation in line-delimited
// mode — EOF on the reader is the transport-level signal — so it is
// dropped rather than written.
func (t *Transport) stream(f session.Frame) error {
	if f.Event == "closed" {
		return nil
	}

	data, err := json.Marshal(f.Payload)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err = t.writer.Write(data)
	if err == nil {
		if flusher, ok := t.writer.(interface{ Flush() error }); ok {
			err = flusher.Flush()
		}
	}
	return err
}

func (t *Transport) writeParseError(err error) {
	var ce *codec.CodecError
	if asCE, ok := err.(*codec.CodecError); ok {
		ce = asCE
	} else {
		ce = codec.NewError(codec.ParseError, err.Error(), nil)
	}
	_ = t.stream(session.Frame{Event: "message", Payload: ce.ToEnvelope(nil)})
}
