package session

import (
	"sync"
	"time"
)

// timer is the subset of *time.Timer a pending call needs.
type timer interface {
	Stop() bool
}

type afterFunc func(d time.Duration, f func()) timer

func timeAfterFunc(d time.Duration, f func()) timer {
	return time.AfterFunc(d, f)
}

// pendingCall is one request waiting for its response.
type pendingCall struct {
	seq      string
	callback RespCallback
	timer    timer // nil when the request waits forever
}

// stopTimer cancels the deadline timer. It reports whether the timer was
// stopped before it fired.
func (pc *pendingCall) stopTimer() bool {
	if pc.timer == nil {
		return false
	}
	return pc.timer.Stop()
}

// callbackTable maps sequence ids to pending calls. Removing an entry is the
// ownership transfer: whoever removes it invokes the callback.
type callbackTable struct {
	mu     sync.RWMutex
	calls  map[string]*pendingCall
	closed bool // set by drain; no further entries are accepted
}

func newCallbackTable() callbackTable {
	return callbackTable{calls: make(map[string]*pendingCall)}
}

// add inserts pc, replacing any entry with the same seq. arm, if not nil, is
// called while the lock is still held so the timer is attached before either
// the read loop or the timer itself can look the entry up.
func (t *callbackTable) add(pc *pendingCall, arm func() timer) (replaced *pendingCall, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, false
	}
	replaced = t.calls[pc.seq]
	if arm != nil {
		pc.timer = arm()
	}
	t.calls[pc.seq] = pc
	return replaced, true
}

// get looks up seq. With remove set, lookup and erase happen in one
// critical section, so exactly one caller can obtain a given entry.
func (t *callbackTable) get(seq string, remove bool) *pendingCall {
	if !remove {
		t.mu.RLock()
		defer t.mu.RUnlock()
		return t.calls[seq]
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	pc, ok := t.calls[seq]
	if ok {
		delete(t.calls, seq)
	}
	return pc
}

// removeIf removes seq only if it still maps to pc. A timer belonging to an
// overwritten entry must not claim its replacement.
func (t *callbackTable) removeIf(seq string, pc *pendingCall) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.calls[seq] != pc {
		return false
	}
	delete(t.calls, seq)
	return true
}

// drain closes the table and returns every remaining entry.
func (t *callbackTable) drain() []*pendingCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	out := make([]*pendingCall, 0, len(t.calls))
	for seq, pc := range t.calls {
		out = append(out, pc)
		delete(t.calls, seq)
	}
	return out
}

func (t *callbackTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.calls)
}

// addRespCallback registers cb under seq and arms its deadline timer when
// timeout is positive.
func (s *Session) addRespCallback(seq string, cb RespCallback, timeout time.Duration) bool {
	pc := &pendingCall{seq: seq, callback: cb}
	var arm func() timer
	if timeout > 0 {
		arm = func() timer {
			return s.afterFunc(timeout, func() { s.onRespTimeout(seq, pc) })
		}
	}
	replaced, ok := s.callbacks.add(pc, arm)
	if !ok {
		return false
	}
	if replaced != nil {
		replaced.stopTimer()
		s.log.Warn("pending request overwritten by a new request with the same seq",
			"seq", seq)
	}
	return true
}

// getAndRemoveRespCallback returns the pending call for seq, removing it
// when remove is set. Returns nil when there is none.
func (s *Session) getAndRemoveRespCallback(seq string, remove bool) *pendingCall {
	return s.callbacks.get(seq, remove)
}

// onRespTimeout fires when pc's deadline passes. If the response already
// claimed the entry there is nothing to do.
func (s *Session) onRespTimeout(seq string, pc *pendingCall) {
	if !s.callbacks.removeIf(seq, pc) {
		return
	}
	s.log.Warn("response timed out", "seq", seq)
	cb := pc.callback
	s.exec.Enqueue(func() { cb(ErrTimeout, nil, nil) })
}

// failPending claims every outstanding call and reports err to each.
func (s *Session) failPending(err error) {
	for _, pc := range s.callbacks.drain() {
		pc.stopTimer()
		cb := pc.callback
		s.exec.Enqueue(func() { cb(err, nil, nil) })
	}
}
