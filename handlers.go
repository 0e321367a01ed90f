package session

// ConnectHandler is called once a session becomes active. err is always nil
// for a successful start.
type ConnectHandler func(err error, s *Session)

// DisconnectHandler is called exactly once after a session drops. err is
// nil; the reason is available from s.DropReason().
type DisconnectHandler func(err error, s *Session)

// RecvMessageHandler receives inbound messages that do not answer a pending
// request: pushes, or requests when this end is the responder.
type RecvMessageHandler func(msg Message, s *Session)

// RespCallback receives the response to a request sent with Send. It is
// called exactly once with either the response message and its session, or
// an error (ErrTimeout, ErrDropped) and nil values.
type RespCallback func(err error, msg Message, s *Session)

// SetConnectHandler sets the handler called when the session becomes
// active. It must be set before the session is started.
func (s *Session) SetConnectHandler(h ConnectHandler) {
	s.handlersMu.Lock()
	s.connectHandler = h
	s.handlersMu.Unlock()
}

// ConnectHandler returns the connect handler, or nil.
func (s *Session) ConnectHandler() ConnectHandler {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	return s.connectHandler
}

// SetDisconnectHandler sets the handler called after the session drops.
func (s *Session) SetDisconnectHandler(h DisconnectHandler) {
	s.handlersMu.Lock()
	s.disconnectHandler = h
	s.handlersMu.Unlock()
}

// DisconnectHandler returns the disconnect handler, or nil.
func (s *Session) DisconnectHandler() DisconnectHandler {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	return s.disconnectHandler
}

// SetRecvMessageHandler sets the handler for uncorrelated inbound messages.
func (s *Session) SetRecvMessageHandler(h RecvMessageHandler) {
	s.handlersMu.Lock()
	s.recvMessageHandler = h
	s.handlersMu.Unlock()
}

// RecvMessageHandler returns the receive handler, or nil.
func (s *Session) RecvMessageHandler() RecvMessageHandler {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	return s.recvMessageHandler
}
