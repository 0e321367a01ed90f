package session

import "context"

type contextKey string

// SessionKey is the value to be passed to the context's Value method to
// return the *Session whose context it is.
const SessionKey = contextKey("session")

// FromContext returns the session stored in ctx by Session.Context. Returns
// nil if not available.
func FromContext(ctx context.Context) *Session {
	s, ok := ctx.Value(SessionKey).(*Session)
	if !ok {
		return nil
	}
	return s
}
