package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// ErrServerClosed is returned by Accept and Connect after Close.
var ErrServerClosed = errors.New("server is closed")

// Server owns a set of sessions. It creates sessions for accepted and dialed
// streams, wires its handlers into each of them and forgets a session once
// it has dropped. Rather than listening for connections itself, Accept
// takes any Stream; adapters for common WebSocket libraries are available in
// the adapters subdirectory.
type Server struct {
	opts       Options
	sessionsMu sync.Mutex
	sessions   map[*Session]struct{} // set to nil when server is closed

	handlersMu   sync.Mutex
	onConnect    ConnectHandler
	onDisconnect DisconnectHandler
	onMessage    RecvMessageHandler
}

// NewServer creates a new server. opts applies to every session it creates.
func NewServer(opts Options) *Server {
	return &Server{
		opts:     opts.withDefaults(),
		sessions: make(map[*Session]struct{}),
	}
}

// OnConnect sets the handler called when a session becomes active.
func (s *Server) OnConnect(h ConnectHandler) *Server {
	s.handlersMu.Lock()
	s.onConnect = h
	s.handlersMu.Unlock()
	return s
}

// OnDisconnect sets the handler called after a session drops. The session
// has already been removed from the server when it runs.
func (s *Server) OnDisconnect(h DisconnectHandler) *Server {
	s.handlersMu.Lock()
	s.onDisconnect = h
	s.handlersMu.Unlock()
	return s
}

// OnMessage sets the handler for uncorrelated inbound messages on every
// session.
func (s *Server) OnMessage(h RecvMessageHandler) *Server {
	s.handlersMu.Lock()
	s.onMessage = h
	s.handlersMu.Unlock()
	return s
}

// Accept creates a session for an inbound connection and completes its
// handshake. The session is registered before the handshake and removed
// again if the handshake fails.
func (s *Server) Accept(stream Stream, req *HandshakeRequest) (*Session, error) {
	endpoint := ""
	if req != nil && req.Request != nil {
		endpoint = req.Request.RemoteAddr
	}
	sess, err := s.newSession(stream, endpoint)
	if err != nil {
		return nil, err
	}
	if err := sess.StartAsServer(req); err != nil {
		return nil, err
	}
	return sess, nil
}

// Connect creates a session for an outbound connection whose handshake has
// already completed and starts it.
func (s *Server) Connect(stream Stream, endpoint string) (*Session, error) {
	sess, err := s.newSession(stream, endpoint)
	if err != nil {
		return nil, err
	}
	sess.StartAsClient()
	return sess, nil
}

func (s *Server) newSession(stream Stream, endpoint string) (*Session, error) {
	sess, err := New(stream, endpoint, s.opts)
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	sess.SetConnectHandler(func(err error, sess *Session) {
		s.handlersMu.Lock()
		h := s.onConnect
		s.handlersMu.Unlock()
		if h != nil {
			h(err, sess)
		}
	})
	sess.SetDisconnectHandler(func(err error, sess *Session) {
		s.remove(sess)
		s.handlersMu.Lock()
		h := s.onDisconnect
		s.handlersMu.Unlock()
		if h != nil {
			h(err, sess)
		}
	})
	sess.SetRecvMessageHandler(func(msg Message, sess *Session) {
		s.handlersMu.Lock()
		h := s.onMessage
		s.handlersMu.Unlock()
		if h != nil {
			h(msg, sess)
		}
	})

	s.sessionsMu.Lock()
	if s.sessions == nil {
		s.sessionsMu.Unlock()
		// nothing was started; only the stream needs releasing
		_ = stream.Close()
		return nil, ErrServerClosed
	}
	s.sessions[sess] = struct{}{}
	s.sessionsMu.Unlock()
	return sess, nil
}

func (s *Server) remove(sess *Session) {
	s.sessionsMu.Lock()
	delete(s.sessions, sess)
	s.sessionsMu.Unlock()
}

// Sessions returns the registered sessions.
func (s *Server) Sessions() []*Session {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	out := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// Len returns the number of registered sessions.
func (s *Server) Len() int {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	return len(s.sessions)
}

// Broadcast queues msg on every active session without waiting for
// responses. Returns a SessionError for each session that refused it.
func (s *Server) Broadcast(msg Message) (errs []SessionError) {
	for _, sess := range s.Sessions() {
		if sess.State() != StateActive {
			continue
		}
		if err := sess.Send(msg, SendOptions{}, nil); err != nil {
			errs = append(errs, SessionError{Session: sess, Err: err})
		}
	}
	return errs
}

// KeepAlive pings every active session each interval until ctx is done.
// Sessions whose ping fails drop with PingError.
func (s *Server) KeepAlive(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		var wg sync.WaitGroup
		for _, sess := range s.Sessions() {
			if sess.State() != StateActive {
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = sess.Ping()
			}()
		}
		wg.Wait()
	}
}

// Handler returns an http.Handler that upgrades each request with a stream
// from newStream and accepts it.
func (s *Server) Handler(newStream func() Stream) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, err := s.Accept(newStream(), &HandshakeRequest{Writer: w, Request: r})
		if errors.Is(err, ErrServerClosed) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		if err != nil {
			// the stream has already written the handshake failure
			s.opts.Logger.Warn("websocket accept failed",
				"remote", r.RemoteAddr, "error", err)
		}
	})
}

// Close drops every session with reason Closed and stops accepting new
// ones.
func (s *Server) Close() {
	s.sessionsMu.Lock()
	sessions := s.sessions
	s.sessions = nil // stop accepting new connections
	s.sessionsMu.Unlock()

	for sess := range sessions {
		sess.Drop(Closed)
	}
}
