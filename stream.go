package session

import (
	"context"
	"net/http"
)

// Stream represents one full-duplex WebSocket connection. The Session never
// issues more than one Read or more than one Write at a time, but Ping, Pong
// and Close may be called concurrently with either. Adapters for common
// WebSocket libraries live in the adapters subdirectory.
type Stream interface {
	// Handshake performs the server side of the WebSocket upgrade.
	Handshake(ctx context.Context, req *HandshakeRequest) error
	// Read blocks until one complete message is available. The context is
	// cancelled when the session drops.
	Read(ctx context.Context) ([]byte, error)
	// Write writes one complete message.
	Write(ctx context.Context, frame []byte) error
	// Ping sends a ping control frame.
	Ping(ctx context.Context) error
	// Pong sends an unsolicited pong control frame.
	Pong(ctx context.Context) error
	// Close closes the connection immediately. Pending Read and Write calls
	// must return an error.
	Close() error
}

// HandshakeRequest is the HTTP upgrade request a server-side session
// completes in StartAsServer.
type HandshakeRequest struct {
	Writer  http.ResponseWriter
	Request *http.Request
}

// Context returns the request context, or context.Background when there is
// no request.
func (r *HandshakeRequest) Context() context.Context {
	if r == nil || r.Request == nil {
		return context.Background()
	}
	return r.Request.Context()
}

// Message is a decoded frame. Seq is the correlation key matching a response
// to the request that produced it.
type Message interface {
	Seq() string
	Encode() ([]byte, error)
	Decode(data []byte) error
}

// MessageFactory builds empty messages for the read loop to decode into.
type MessageFactory interface {
	NewMessage() Message
}

// MessageFactoryFunc adapts a function to MessageFactory.
type MessageFactoryFunc func() Message

func (f MessageFactoryFunc) NewMessage() Message { return f() }
