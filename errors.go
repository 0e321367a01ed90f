package session

import (
	"errors"
	"fmt"
)

// Reason identifies why a session was dropped or why a request failed.
type Reason int

const (
	// NoReason is the zero value reported by a session that has not dropped.
	NoReason Reason = iota
	AcceptError
	PacketError
	ReadError
	WriteError
	PingError
	PongError
	// TimeOut is delivered to a single response callback; it never drops the
	// session.
	TimeOut
	// Dropped is delivered to response callbacks still pending when their
	// session drops.
	Dropped
	// Closed is the reason used when the owning Server shuts down.
	Closed
)

func (r Reason) String() string {
	switch r {
	case NoReason:
		return "none"
	case AcceptError:
		return "accept error"
	case PacketError:
		return "packet error"
	case ReadError:
		return "read error"
	case WriteError:
		return "write error"
	case PingError:
		return "ping error"
	case PongError:
		return "pong error"
	case TimeOut:
		return "timeout"
	case Dropped:
		return "session dropped"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

// Error is an error carrying a Reason code
type Error struct {
	Code    Reason
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	return e.Message
}

// Is reports whether target is an *Error with the same code, so
// errors.Is(err, ErrTimeout) matches any timeout error.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

var (
	// ErrTimeout matches errors delivered when a response did not arrive in
	// time.
	ErrTimeout = &Error{Code: TimeOut, Message: "waiting for message response timed out"}
	// ErrDropped is returned by Send on a dropped session and delivered to
	// callbacks that were still waiting when the session dropped.
	ErrDropped = &Error{Code: Dropped, Message: "session dropped"}
)

// SessionError is an error for a specific session
type SessionError struct {
	Session *Session
	Err     error
}

func (se SessionError) Error() string {
	return fmt.Sprintf("session %s: %v", se.Session.ID(), se.Err)
}

func (se SessionError) Unwrap() error {
	return se.Err
}
