package rpc

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/keboola/osiris/internal/failure"
)

// Conn is one end of a session. Send is safe for concurrent use; Receive
// must be called from a single goroutine.
type Conn struct {
	r      *bufio.Reader
	w      io.Writer
	closer io.Closer

	wmu  sync.Mutex
	sent uint64

	mu        sync.Mutex
	sessionID string
	received  uint64
}

// NewConn wraps a reader and writer. closer may be nil.
func NewConn(r io.Reader, w io.Writer, closer io.Closer) *Conn {
	return &Conn{r: bufio.NewReader(r), w: w, closer: closer}
}

// SetSession fixes the session id. The host sets it before the first
// Send; the worker adopts the id of the first message it receives.
func (c *Conn) SetSession(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = id
}

// Session returns the session id.
func (c *Conn) Session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Send encodes payload and writes one message.
func (c *Conn) Send(typ Type, payload any) error {
	var raw RawMessage
	if payload != nil {
		b, err := Marshal(payload)
		if err != nil {
			return TransportError(fmt.Sprintf("encode %s payload", typ), err)
		}
		raw = b
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.sent++
	frame, err := Marshal(Message{Type: typ, SessionID: c.Session(), Seq: c.sent, Payload: raw})
	if err != nil {
		return TransportError("encode message", err)
	}
	if err := WriteFrame(c.w, frame); err != nil {
		return TransportError(fmt.Sprintf("send %s", typ), err)
	}
	return nil
}

// Receive reads the next message and checks its session id and sequence
// number. A gap or a foreign session is a transport error. A clean end of
// stream returns an error matching io.EOF.
func (c *Conn) Receive() (*Message, error) {
	frame, err := ReadFrame(c.r)
	if err != nil {
		return nil, TransportError("receive", err)
	}
	var msg Message
	if err := Unmarshal(frame, &msg); err != nil {
		return nil, TransportError("decode message", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionID == "" {
		c.sessionID = msg.SessionID
	}
	if msg.SessionID != c.sessionID {
		return nil, TransportError(fmt.Sprintf("message for session %q on session %q", msg.SessionID, c.sessionID), nil)
	}
	if msg.Seq != c.received+1 {
		return nil, TransportError(fmt.Sprintf("sequence gap: got %d, want %d", msg.Seq, c.received+1), nil)
	}
	c.received = msg.Seq
	return &msg, nil
}

// Close closes the underlying stream.
func (c *Conn) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return TransportError(fmt.Sprintf("%s without payload", m.Type), nil)
	}
	if err := Unmarshal(m.Payload, v); err != nil {
		return TransportError(fmt.Sprintf("decode %s payload", m.Type), err)
	}
	return nil
}

// Expect checks the message type.
func (m *Message) Expect(typ Type) error {
	if m.Type != typ {
		return TransportError(fmt.Sprintf("unexpected %s, want %s", m.Type, typ), nil)
	}
	return nil
}

// TransportError builds a remote.transport_error.
func TransportError(msg string, err error) *failure.Error {
	return failure.Wrap(failure.KindRemoteTransport, failure.CodeRemoteTransport, msg, err).WithSource(failure.SourceRemote)
}

// IsClosed reports whether err is the peer closing the stream.
func IsClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe)
}
