// This package enables the use of the github.com/gorilla/websocket package
// with ws-session. It provides an adapter between a Conn from the
// github.com/gorilla/websocket package and a session.Stream.
package gorilla

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	session "github.com/bminer/ws-session-go"
)

// controlWait bounds control frames when the context has no deadline.
const controlWait = 10 * time.Second

var (
	errNotConnected = errors.New("websocket is not connected")
	errConnected    = errors.New("websocket is already connected")
)

// Stream implements session.Stream for a websocket.Conn. gorilla/websocket
// methods take no context; a context deadline becomes the connection
// deadline, and cancellation happens through Close.
type Stream struct {
	upgrader       websocket.Upgrader
	responseHeader http.Header
	readLimit      int64

	mu   sync.Mutex
	conn *websocket.Conn
}

var _ session.Stream = (*Stream)(nil)

// Upgrader returns a Stream that is connected by Handshake using u.
// responseHeader may be nil.
func Upgrader(u websocket.Upgrader, responseHeader http.Header) *Stream {
	return &Stream{upgrader: u, responseHeader: responseHeader}
}

// Wrap wraps an established websocket.Conn.
func Wrap(c *websocket.Conn) *Stream {
	return &Stream{conn: c}
}

// Dial connects to a WebSocket server with d, or websocket.DefaultDialer if
// d is nil, and wraps the connection.
func Dial(ctx context.Context, url string, d *websocket.Dialer, header http.Header) (*Stream, error) {
	if d == nil {
		d = websocket.DefaultDialer
	}
	c, resp, err := d.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return Wrap(c), nil
}

// SetReadLimit sets the maximum message size read from the peer.
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

// Handshake upgrades the HTTP request. The upgrader replies with an HTTP
// error when the upgrade fails. A context deadline bounds the upgrade unless
// the Upgrader sets a shorter HandshakeTimeout of its own.
func (s *Stream) Handshake(ctx context.Context, req *session.HandshakeRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return errConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	u := upgraderFor(ctx, s.upgrader)
	c, err := u.Upgrade(req.Writer, req.Request, s.responseHeader)
	if err != nil {
		return err
	}
	if s.readLimit > 0 {
		c.SetReadLimit(s.readLimit)
	}
	s.conn = c
	return nil
}

// upgraderFor returns u with HandshakeTimeout lowered to the time left
// before ctx's deadline.
func upgraderFor(ctx context.Context, u websocket.Upgrader) websocket.Upgrader {
	dl, ok := ctx.Deadline()
	if !ok {
		return u
	}
	left := time.Until(dl)
	if left <= 0 {
		left = time.Millisecond
	}
	if u.HandshakeTimeout <= 0 || left < u.HandshakeTimeout {
		u.HandshakeTimeout = left
	}
	return u
}

// Read reads a single message from the connection
func (s *Stream) Read(ctx context.Context) ([]byte, error) {
	c, err := s.current()
	if err != nil {
		return nil, err
	}
	dl, _ := ctx.Deadline()
	if err := c.SetReadDeadline(dl); err != nil {
		return nil, err
	}
	_, data, err := c.ReadMessage()
	return data, err
}

// Write writes a single binary message to the connection
func (s *Stream) Write(ctx context.Context, frame []byte) error {
	c, err := s.current()
	if err != nil {
		return err
	}
	dl, _ := ctx.Deadline()
	if err := c.SetWriteDeadline(dl); err != nil {
		return err
	}
	return c.WriteMessage(websocket.BinaryMessage, frame)
}

// Ping writes a ping control frame. gorilla/websocket allows control frames
// concurrently with Write.
func (s *Stream) Ping(ctx context.Context) error {
	return s.control(ctx, websocket.PingMessage)
}

// Pong writes an unsolicited pong control frame.
func (s *Stream) Pong(ctx context.Context) error {
	return s.control(ctx, websocket.PongMessage)
}

func (s *Stream) control(ctx context.Context, messageType int) error {
	c, err := s.current()
	if err != nil {
		return err
	}
	dl, ok := ctx.Deadline()
	if !ok {
		dl = time.Now().Add(controlWait)
	}
	return c.WriteControl(messageType, nil, dl)
}

// Close closes the underlying network connection without a close handshake.
func (s *Stream) Close() error {
	c, err := s.current()
	if err != nil {
		return nil
	}
	return c.Close()
}
