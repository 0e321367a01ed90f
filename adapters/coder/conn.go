// This package enables the use of the github.com/coder/websocket package with
// ws-session. It provides an adapter between a Conn from the
// github.com/coder/websocket package and a session.Stream.
package coder

import (
	"context"
	"errors"
	"sync"

	"github.com/coder/websocket"

	session "github.com/bminer/ws-session-go"
)

var (
	errNotConnected = errors.New("websocket is not connected")
	errConnected    = errors.New("websocket is already connected")
)

// Stream implements session.Stream for a websocket.Conn. Messages are
// written as binary messages.
type Stream struct {
	acceptOpts *websocket.AcceptOptions
	readLimit  int64

	mu   sync.Mutex
	conn *websocket.Conn
}

var _ session.Stream = (*Stream)(nil)

// Upgrader returns a Stream that is connected by Handshake, which calls
// websocket.Accept with opts.
func Upgrader(opts *websocket.AcceptOptions) *Stream {
	return &Stream{acceptOpts: opts}
}

// Wrap wraps an established websocket.Conn.
func Wrap(c *websocket.Conn) *Stream {
	return &Stream{conn: c}
}

// Dial connects to a WebSocket server and wraps the connection.
func Dial(ctx context.Context, url string, opts *websocket.DialOptions) (*Stream, error) {
	c, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return nil, err
	}
	return Wrap(c), nil
}

// SetReadLimit sets the maximum message size read from the peer. It applies
// to the current connection and to one established later by Handshake.
func (s *Stream) SetReadLimit(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readLimit = n
	if s.conn != nil && n > 0 {
		s.conn.SetReadLimit(n)
	}
}

func (s *Stream) current() (*websocket.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil, errNotConnected
	}
	return s.conn, nil
}

// Handshake upgrades the HTTP request. websocket.Accept writes the HTTP
// error response itself when the upgrade fails. websocket.Accept takes no
// deadline, so ctx is only checked before the upgrade starts.
func (s *Stream) Handshake(ctx context.Context, req *session.HandshakeRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return errConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c, err := websocket.Accept(req.Writer, req.Request, s.acceptOpts)
	if err != nil {
		return err
	}
	if s.readLimit > 0 {
		c.SetReadLimit(s.readLimit)
	}
	s.conn = c
	return nil
}

// Read reads a single message from the connection
func (s *Stream) Read(ctx context.Context) ([]byte, error) {
	c, err := s.current()
	if err != nil {
		return nil, err
	}
	_, data, err := c.Read(ctx)
	return data, err
}

// Write writes a single binary message to the connection
func (s *Stream) Write(ctx context.Context, frame []byte) error {
	c, err := s.current()
	if err != nil {
		return err
	}
	return c.Write(ctx, websocket.MessageBinary, frame)
}

// Ping sends a ping and waits for the pong. A Read must be in progress for
// the pong to be seen; the session's read loop provides it.
func (s *Stream) Ping(ctx context.Context) error {
	c, err := s.current()
	if err != nil {
		return err
	}
	return c.Ping(ctx)
}

// Pong is a no-op: github.com/coder/websocket answers pings itself and does
// not expose unsolicited pongs.
func (s *Stream) Pong(context.Context) error {
	_, err := s.current()
	return err
}

// Close closes the WebSocket connection without attempting a close handshake
func (s *Stream) Close() error {
	c, err := s.current()
	if err != nil {
		return nil
	}
	return c.CloseNow()
}
