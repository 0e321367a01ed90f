package session

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/google/uuid"
)

// State is a session lifecycle state. Transitions only move forward:
// StateHandshaking -> StateActive -> StateDropped, or straight from
// StateHandshaking to StateDropped.
type State int32

const (
	StateHandshaking State = iota
	StateActive
	StateDropped
)

func (st State) String() string {
	switch st {
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	case StateDropped:
		return "dropped"
	}
	return fmt.Sprintf("state(%d)", int32(st))
}

// maxLoggedPacket bounds the bytes hex-dumped for an undecodable packet.
const maxLoggedPacket = 1024

var errStreamClosed = errors.New("stream is closed")

// SendOptions controls a single Send.
type SendOptions struct {
	// Timeout for the response. If not positive the session's default
	// timeout applies; if that is not positive either, the request waits
	// until a response arrives or the session drops.
	Timeout time.Duration
}

// Session is the engine of one WebSocket connection. It runs a read loop
// that dispatches inbound messages, serializes outbound messages through a
// FIFO queue with at most one write in flight, and matches responses to
// requests by sequence id.
//
// A Session is owned by whoever created it (usually a Server). It drops
// exactly once, on the first I/O or protocol error or on an explicit Drop,
// and is never restarted.
type Session struct {
	id        string
	endpoint  string
	opts      Options
	log       *slog.Logger
	factory   MessageFactory
	exec      Executor
	afterFunc afterFunc

	// cancelled when the session drops; blocks in Stream.Read/Write observe
	// it
	ctx       context.Context
	ctxCancel context.CancelCauseFunc

	// held while activating; see activate
	startMu sync.Mutex
	state   atomic.Int32
	dropped atomic.Bool
	reason  atomic.Int32

	streamMu sync.RWMutex
	stream   Stream // set to nil by disconnect

	queueMu sync.Mutex
	queue   *queue.Queue // of []byte; guarded by queueMu

	callbacks callbackTable

	handlersMu         sync.Mutex
	connectHandler     ConnectHandler
	disconnectHandler  DisconnectHandler
	recvMessageHandler RecvMessageHandler

	dataMu sync.Mutex
	data   map[string]any
}

// New creates a session over stream. endpoint describes the remote peer for
// logs. The session does nothing until StartAsClient or StartAsServer.
func New(stream Stream, endpoint string, opts Options) (*Session, error) {
	if stream == nil {
		return nil, errors.New("stream is required")
	}
	if opts.Factory == nil {
		return nil, errors.New("message factory is required")
	}
	opts = opts.withDefaults()
	s := &Session{
		id:        uuid.NewString(),
		endpoint:  endpoint,
		opts:      opts,
		factory:   opts.Factory,
		exec:      opts.Executor,
		afterFunc: timeAfterFunc,
		stream:    stream,
		queue:     queue.New(),
		callbacks: newCallbackTable(),
		data:      make(map[string]any),
	}
	s.log = opts.Logger.With("session", s.id, "endpoint", endpoint)

	ctx, cancel := context.WithCancelCause(context.Background())
	s.ctx = context.WithValue(ctx, SessionKey, s)
	s.ctxCancel = cancel
	return s, nil
}

// ID returns the session's debug identifier.
func (s *Session) ID() string { return s.id }

// Endpoint returns the remote endpoint description.
func (s *Session) Endpoint() string { return s.endpoint }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// IsDropped reports whether the session has dropped.
func (s *Session) IsDropped() bool { return s.dropped.Load() }

// DropReason returns the reason passed to the first Drop, or NoReason.
func (s *Session) DropReason() Reason { return Reason(s.reason.Load()) }

// Context returns a context that is cancelled when the session drops. The
// session is retrievable from it with FromContext.
func (s *Session) Context() context.Context { return s.ctx }

// Get returns the data for the session at the specified key
func (s *Session) Get(key string) any {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	return s.data[key]
}

// Set sets the data for the session at the specified key
func (s *Session) Set(key string, value any) {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	s.data[key] = value
}

func (s *Session) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", s.id),
		slog.String("endpoint", s.endpoint),
		slog.String("state", s.State().String()),
	)
}

// StartAsClient activates a session whose handshake has already completed,
// calls the connect handler and starts reading.
func (s *Session) StartAsClient() {
	if !s.activate() {
		s.log.Warn("startAsClient ignored", "state", s.State())
		return
	}
	go s.readLoop()
	s.log.Info("websocket session started as client")
}

// StartAsServer completes the WebSocket handshake for req, then activates
// the session like StartAsClient. The handshake runs on the calling
// goroutine because the HTTP response writer is only valid until the HTTP
// handler returns. On failure the session drops with AcceptError.
func (s *Session) StartAsServer(req *HandshakeRequest) error {
	if s.IsDropped() {
		return ErrDropped
	}
	if s.State() != StateHandshaking {
		return fmt.Errorf("start as server: session is %s", s.State())
	}
	stream := s.currentStream()
	if stream == nil {
		return ErrDropped
	}
	s.log.Info("start websocket handshake")

	ctx := req.Context()
	if s.opts.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.HandshakeTimeout)
		defer cancel()
	}
	if err := stream.Handshake(ctx, req); err != nil {
		s.log.Error("websocket handshake failed", "error", err)
		s.Drop(AcceptError)
		return fmt.Errorf("handshake: %w", err)
	}
	if !s.activate() {
		// dropped while handshaking
		return ErrDropped
	}
	go s.readLoop()
	s.log.Info("websocket handshake successful")
	return nil
}

// activate moves the session to StateActive and calls the connect handler.
// It returns false if the session was not handshaking or dropped meanwhile,
// in which case the connect handler is not called. The disconnect handler
// takes startMu too, so it never runs before a connect handler returns.
func (s *Session) activate() bool {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if !s.state.CompareAndSwap(int32(StateHandshaking), int32(StateActive)) {
		return false
	}
	if s.IsDropped() {
		return false
	}
	if h := s.ConnectHandler(); h != nil {
		h(nil, s)
	}
	return true
}

// Drop tears the session down: it closes the stream, discards queued
// frames, fails outstanding requests with ErrDropped and schedules the
// disconnect handler on the executor. Only the first call has any effect.
func (s *Session) Drop(reason Reason) {
	if !s.dropped.CompareAndSwap(false, true) {
		return
	}
	s.reason.Store(int32(reason))
	s.state.Store(int32(StateDropped))
	s.log.Info("drop", "reason", reason)

	s.ctxCancel(&Error{Code: reason})
	s.disconnect()

	s.queueMu.Lock()
	s.queue = queue.New()
	s.queueMu.Unlock()

	s.failPending(ErrDropped)

	s.exec.Enqueue(func() {
		s.startMu.Lock()
		h := s.DisconnectHandler()
		s.startMu.Unlock()
		if h != nil {
			h(nil, s)
		}
	})
}

// disconnect closes the stream if it is still open and releases it.
func (s *Session) disconnect() {
	s.streamMu.Lock()
	stream := s.stream
	s.stream = nil
	s.streamMu.Unlock()
	if stream == nil {
		return
	}
	if err := stream.Close(); err != nil {
		s.log.Debug("closing stream", "error", err)
	}
	s.log.Info("disconnect the session")
}

func (s *Session) currentStream() Stream {
	s.streamMu.RLock()
	defer s.streamMu.RUnlock()
	return s.stream
}

// readLoop reads one message at a time until the session drops.
func (s *Session) readLoop() {
	for !s.IsDropped() {
		data, err := s.read()
		if err != nil {
			if !s.IsDropped() {
				s.log.Error("read failed", "error", err)
			}
			s.Drop(ReadError)
			return
		}
		if !s.onReadPacket(data) {
			return
		}
	}
}

func (s *Session) read() ([]byte, error) {
	stream := s.currentStream()
	if stream == nil {
		return nil, errStreamClosed
	}
	return stream.Read(s.ctx)
}

// onReadPacket decodes and dispatches one inbound packet. It returns false
// if the packet was fatal to the session.
func (s *Session) onReadPacket(data []byte) bool {
	msg := s.factory.NewMessage()
	if err := msg.Decode(data); err != nil {
		dump := data
		if len(dump) > maxLoggedPacket {
			dump = dump[:maxLoggedPacket]
		}
		s.log.Error("decode packet error",
			"error", err, "size", len(data), "data", hex.EncodeToString(dump))
		s.Drop(PacketError)
		return false
	}

	seq := msg.Seq()
	if pc := s.getAndRemoveRespCallback(seq, true); pc != nil {
		pc.stopTimer()
		cb := pc.callback
		s.exec.Enqueue(func() { cb(nil, msg, s) })
		return true
	}

	h := s.RecvMessageHandler()
	if h == nil {
		s.log.Debug("no receive handler; message discarded", "seq", seq)
		return true
	}
	s.exec.Enqueue(func() { h(msg, s) })
	return true
}

// Send encodes msg and queues it for transmission. If cb is not nil it is
// registered under msg.Seq() before the frame is queued and is called
// exactly once with the response, ErrTimeout or ErrDropped.
//
// Send returns ErrDropped on a dropped session and never reports I/O
// errors, which drop the session instead. If the session drops while Send
// is running, the failure is reported either by the return value or through
// cb, never both.
func (s *Session) Send(msg Message, opts SendOptions, cb RespCallback) error {
	if s.IsDropped() {
		return ErrDropped
	}
	frame, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	seq := msg.Seq()
	if cb != nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = s.opts.DefaultTimeout
		}
		if !s.addRespCallback(seq, cb, timeout) {
			return ErrDropped
		}
	}

	if err := s.enqueue(frame); err != nil {
		if cb == nil {
			return err
		}
		pc := s.getAndRemoveRespCallback(seq, true)
		if pc == nil {
			// Drop already claimed the callback and reports through it.
			return nil
		}
		pc.stopTimer()
		return err
	}
	return nil
}

// enqueue appends frame to the outbound queue. The caller that finds the
// queue empty starts the write loop; otherwise the running loop reaches the
// frame in order.
func (s *Session) enqueue(frame []byte) error {
	s.queueMu.Lock()
	if s.IsDropped() {
		s.queueMu.Unlock()
		return ErrDropped
	}
	idle := s.queue.Length() == 0
	s.queue.Add(frame)
	s.queueMu.Unlock()

	if idle {
		go s.writeLoop()
	}
	return nil
}

// writeLoop writes the head of the queue until the queue is empty.
func (s *Session) writeLoop() {
	for {
		s.queueMu.Lock()
		if s.IsDropped() || s.queue.Length() == 0 {
			s.queueMu.Unlock()
			return
		}
		frame := s.queue.Peek().([]byte)
		s.queueMu.Unlock()

		if !s.onWrite(s.write(frame)) {
			return
		}
	}
}

func (s *Session) write(frame []byte) error {
	stream := s.currentStream()
	if stream == nil {
		return errStreamClosed
	}
	return stream.Write(s.ctx, frame)
}

// onWrite pops the frame just written. It reports whether more frames are
// waiting.
func (s *Session) onWrite(err error) bool {
	if err != nil {
		if !s.IsDropped() {
			s.log.Error("write failed", "error", err)
		}
		s.Drop(WriteError)
		return false
	}
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	if s.IsDropped() || s.queue.Length() == 0 {
		return false
	}
	s.queue.Remove()
	return s.queue.Length() > 0
}

// Ping sends a ping control frame. A failure drops the session with
// PingError and is also returned.
func (s *Session) Ping() error {
	return s.control("ping", PingError, func(ctx context.Context, st Stream) error {
		return st.Ping(ctx)
	})
}

// Pong sends an unsolicited pong control frame. A failure drops the session
// with PongError and is also returned.
func (s *Session) Pong() error {
	return s.control("pong", PongError, func(ctx context.Context, st Stream) error {
		return st.Pong(ctx)
	})
}

func (s *Session) control(
	name string, reason Reason, f func(context.Context, Stream) error,
) error {
	stream := s.currentStream()
	if stream == nil {
		return nil
	}
	ctx := s.ctx
	if s.opts.PingTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.PingTimeout)
		defer cancel()
	}
	if err := f(ctx, stream); err != nil {
		if !s.IsDropped() {
			s.log.Error(name+" failed", "error", err)
		}
		s.Drop(reason)
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// Pending returns the number of requests waiting for a response.
func (s *Session) Pending() int {
	return s.callbacks.len()
}
