// Package control implements the typed message protocol between the
// supervisor and the agent child process.
//
// The wire format is newline-delimited JSON, one type-tagged frame per
// line. Exactly three shapes exist:
//
//	{"type": "planned_restart", "checkpoint": "<path>"}   child → supervisor
//	{"type": "restart_ack"}                               supervisor → child
//	{"type": "error", "message": "<reason>"}              either direction
//
// Conn abstracts the transport so the same supervisor logic runs over the
// real child pipes, an in-process pair in tests, or anything else that can
// carry frames. One malformed frame surfaces as a *BadFrameError from Recv
// and does not tear the connection down — transient garbage must never
// kill supervision.
package control

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Message types.
const (
	TypePlannedRestart = "planned_restart"
	TypeRestartAck     = "restart_ack"
	TypeError          = "error"
)

// Message is the discriminated union carried by the channel. Type selects
// the shape; only the fields belonging to that shape are meaningful.
type Message struct {
	Type string `json:"type"`

	// Checkpoint is the resume-document path (planned_restart only).
	Checkpoint string `json:"checkpoint,omitempty"`

	// Message is the failure description (error only).
	Message string `json:"message,omitempty"`
}

// PlannedRestart builds a child-side restart request.
func PlannedRestart(checkpointPath string) Message {
	return Message{Type: TypePlannedRestart, Checkpoint: checkpointPath}
}

// RestartAck builds the supervisor's acknowledgement.
func RestartAck() Message {
	return Message{Type: TypeRestartAck}
}

// Error builds a protocol-level failure message.
func Error(reason string) Message {
	return Message{Type: TypeError, Message: reason}
}

// BadFrameError reports a frame that does not match any of the three
// message shapes. The connection it came from remains usable.
type BadFrameError struct {
	// Frame is the offending raw line, truncated for logging.
	Frame string

	// Reason explains why the frame was rejected.
	Reason string
}

func (e *BadFrameError) Error() string {
	return fmt.Sprintf("bad control frame (%s): %q", e.Reason, e.Frame)
}

const maxFrameExcerpt = 256

// decode parses and shape-checks one raw frame.
func decode(line []byte) (Message, error) {
	excerpt := string(line)
	if len(excerpt) > maxFrameExcerpt {
		excerpt = excerpt[:maxFrameExcerpt] + "..."
	}

	var m Message
	if err := json.Unmarshal(line, &m); err != nil {
		return Message{}, &BadFrameError{Frame: excerpt, Reason: "not JSON: " + err.Error()}
	}

	switch m.Type {
	case TypePlannedRestart, TypeRestartAck:
		return m, nil
	case TypeError:
		if m.Message == "" {
			return Message{}, &BadFrameError{Frame: excerpt, Reason: "error message empty"}
		}
		return m, nil
	case "":
		return Message{}, &BadFrameError{Frame: excerpt, Reason: "missing type tag"}
	default:
		return Message{}, &BadFrameError{Frame: excerpt, Reason: "unknown type " + m.Type}
	}
}

// Conn is a bidirectional typed-message channel. Recv blocks until a frame
// arrives, the peer closes (io.EOF), or the connection is closed locally.
// A *BadFrameError from Recv is recoverable; any other error is terminal.
type Conn interface {
	Recv() (Message, error)
	Send(Message) error
	Close() error
}

// pipeConn frames messages as NDJSON over a byte stream.
type pipeConn struct {
	scanner *bufio.Scanner

	sendMu sync.Mutex
	enc    *json.Encoder

	r io.Reader
	w io.Writer
}

// NewPipeConn wraps a byte-stream pair as a Conn. This is the transport
// used over the child's control pipes; io.Pipe works for tests.
func NewPipeConn(r io.Reader, w io.Writer) Conn {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	return &pipeConn{scanner: sc, enc: json.NewEncoder(w), r: r, w: w}
}

func (c *pipeConn) Recv() (Message, error) {
	for {
		if !c.scanner.Scan() {
			if err := c.scanner.Err(); err != nil {
				return Message{}, err
			}
			return Message{}, io.EOF
		}
		line := c.scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue // tolerate blank lines between frames
		}
		return decode(line)
	}
}

func (c *pipeConn) Send(m Message) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.enc.Encode(m)
}

func (c *pipeConn) Close() error {
	var firstErr error
	if cl, ok := c.w.(io.Closer); ok {
		firstErr = cl.Close()
	}
	if cl, ok := c.r.(io.Closer); ok {
		if err := cl.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ErrClosed is returned by chanConn operations after Close.
var ErrClosed = errors.New("control: connection closed")

// chanConn is an in-process Conn half backed by Go channels.
type chanConn struct {
	in  <-chan Message
	out chan<- Message

	closeOnce  sync.Once
	closed     chan struct{} // this side
	peerClosed chan struct{} // other side
}

// Pipe returns two connected in-process Conns: frames sent on one side
// arrive at the other, and closing one side surfaces as io.EOF on the
// peer. Used to exercise the supervisor without a real child process.
func Pipe() (Conn, Conn) {
	a := make(chan Message, 16)
	b := make(chan Message, 16)
	lc := make(chan struct{})
	rc := make(chan struct{})
	left := &chanConn{in: a, out: b, closed: lc, peerClosed: rc}
	right := &chanConn{in: b, out: a, closed: rc, peerClosed: lc}
	return left, right
}

func (c *chanConn) Recv() (Message, error) {
	// Drain buffered frames before honoring a close.
	select {
	case m := <-c.in:
		return m, nil
	default:
	}
	select {
	case m := <-c.in:
		return m, nil
	case <-c.closed:
		return Message{}, io.EOF
	case <-c.peerClosed:
		return Message{}, io.EOF
	}
}

func (c *chanConn) Send(m Message) error {
	select {
	case <-c.closed:
		return ErrClosed
	case <-c.peerClosed:
		return ErrClosed
	default:
	}
	select {
	case c.out <- m:
		return nil
	case <-c.closed:
		return ErrClosed
	case <-c.peerClosed:
		return ErrClosed
	}
}

func (c *chanConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}
