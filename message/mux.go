package message

import (
	"context"
	"io"
	"log/slog"
	"sync"

	session "github.com/bminer/ws-session-go"
)

// HandlerFunc handles an inbound request frame. A non-nil response or error
// is sent back to the peer with the request's type and seq; returning
// (nil, nil) sends nothing, which suits one-way events.
type HandlerFunc func(ctx context.Context, req *Frame) (resp []byte, err error)

// HandlerContextFunc wraps the context passed to a handler, e.g. to add a
// deadline.
type HandlerContextFunc func(ctx context.Context, typ uint16) (context.Context, context.CancelFunc)

// Mux routes uncorrelated inbound frames to handlers by frame type. Its
// ServeMessage method is a session.RecvMessageHandler.
type Mux struct {
	log            *slog.Logger
	handlersMu     sync.Mutex
	handlers       map[uint16]HandlerFunc
	handlersOnce   map[uint16]HandlerFunc
	handlerCtxFunc HandlerContextFunc
}

// NewMux returns an empty Mux. A nil logger discards output.
func NewMux(logger *slog.Logger) *Mux {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Mux{
		log:          logger.With("component", "mux"),
		handlers:     make(map[uint16]HandlerFunc),
		handlersOnce: make(map[uint16]HandlerFunc),
	}
}

// Handle registers h for frames of type typ, which must be below ReplyFlag.
func (m *Mux) Handle(typ uint16, h HandlerFunc) *Mux {
	m.handlersMu.Lock()
	m.handlers[typ] = h
	m.handlersMu.Unlock()
	return m
}

// HandleOnce registers h for the next frame of type typ only. Once handlers
// take precedence over handlers added with Handle.
func (m *Mux) HandleOnce(typ uint16, h HandlerFunc) *Mux {
	m.handlersMu.Lock()
	m.handlersOnce[typ] = h
	m.handlersMu.Unlock()
	return m
}

// SetHandlerContext sets a function wrapping each handler's context.
func (m *Mux) SetHandlerContext(f HandlerContextFunc) {
	m.handlersMu.Lock()
	m.handlerCtxFunc = f
	m.handlersMu.Unlock()
}

func (m *Mux) lookup(typ uint16) (HandlerFunc, HandlerContextFunc) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	h, ok := m.handlersOnce[typ]
	if ok {
		delete(m.handlersOnce, typ)
	} else {
		h = m.handlers[typ]
	}
	return h, m.handlerCtxFunc
}

// ServeMessage dispatches msg. Replies reaching it matched no pending
// request (late, overwritten or sent without a callback) and are never
// answered.
func (m *Mux) ServeMessage(msg session.Message, s *session.Session) {
	req, ok := msg.(*Frame)
	if !ok {
		m.log.Warn("ignoring message of unexpected type", "session", s.ID())
		return
	}
	if req.IsReply() {
		m.log.Debug("ignoring uncorrelated reply", "session", s.ID(), "frame", req)
		return
	}

	h, ctxFunc := m.lookup(req.Type)
	if h == nil {
		m.log.Warn("no handler for frame type", "session", s.ID(), "frame", req)
		return
	}

	ctx := s.Context()
	if ctxFunc != nil {
		var cancel context.CancelFunc
		ctx, cancel = ctxFunc(ctx, req.Type)
		defer cancel()
	}

	resp, err := h(ctx, req)
	var reply *Frame
	switch {
	case err != nil:
		reply = req.Reply(StatusHandlerError, []byte(err.Error()))
	case resp != nil:
		reply = req.Reply(StatusOK, resp)
	default:
		return
	}
	if err := s.Send(reply, session.SendOptions{}, nil); err != nil {
		m.log.Warn("sending reply", "session", s.ID(), "seq", req.Sequence, "error", err)
	}
}
