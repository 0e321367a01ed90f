package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bminer/ws-session-go/workpool"
)

var errFakeClosed = errors.New("fake stream closed")

type readResult struct {
	data []byte
	err  error
}

// fakeStream is a scripted Stream. Inbound packets are pushed with deliver;
// outbound frames are recorded and published on written.
type fakeStream struct {
	reads     chan readResult
	written   chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	writeDelay   time.Duration
	writeErr     error
	pingErr      error
	pongErr      error
	handshakeErr error

	mu     sync.Mutex
	writes [][]byte

	writing    atomic.Int32
	overlapped atomic.Bool
	readCalls  atomic.Int32
	closeCalls atomic.Int32
	pings      atomic.Int32
	pongs      atomic.Int32
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		reads:   make(chan readResult, 64),
		written: make(chan []byte, 4096),
		closed:  make(chan struct{}),
	}
}

func (f *fakeStream) deliver(data string) {
	f.reads <- readResult{data: []byte(data)}
}

func (f *fakeStream) fail(err error) {
	f.reads <- readResult{err: err}
}

func (f *fakeStream) Handshake(context.Context, *HandshakeRequest) error {
	return f.handshakeErr
}

func (f *fakeStream) Read(ctx context.Context) ([]byte, error) {
	f.readCalls.Add(1)
	select {
	case r := <-f.reads:
		return r.data, r.err
	case <-f.closed:
		return nil, errFakeClosed
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

func (f *fakeStream) Write(_ context.Context, frame []byte) error {
	if f.writing.Add(1) > 1 {
		f.overlapped.Store(true)
	}
	defer f.writing.Add(-1)
	if f.writeDelay > 0 {
		time.Sleep(f.writeDelay)
	}
	if f.writeErr != nil {
		return f.writeErr
	}
	select {
	case <-f.closed:
		return errFakeClosed
	default:
	}
	cp := append([]byte(nil), frame...)
	f.mu.Lock()
	f.writes = append(f.writes, cp)
	f.mu.Unlock()
	f.written <- cp
	return nil
}

func (f *fakeStream) Ping(context.Context) error {
	f.pings.Add(1)
	return f.pingErr
}

func (f *fakeStream) Pong(context.Context) error {
	f.pongs.Add(1)
	return f.pongErr
}

func (f *fakeStream) Close() error {
	f.closeCalls.Add(1)
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeStream) writtenStrings() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.writes))
	for i, w := range f.writes {
		out[i] = string(w)
	}
	return out
}

// testMessage encodes as "seq|body".
type testMessage struct {
	seq  string
	body string
}

func (m *testMessage) Seq() string { return m.seq }

func (m *testMessage) Encode() ([]byte, error) {
	if strings.Contains(m.seq, "|") {
		return nil, fmt.Errorf("seq %q contains separator", m.seq)
	}
	return []byte(m.seq + "|" + m.body), nil
}

func (m *testMessage) Decode(data []byte) error {
	seq, body, ok := strings.Cut(string(data), "|")
	if !ok {
		return errors.New("missing separator")
	}
	m.seq, m.body = seq, body
	return nil
}

var testFactory = MessageFactoryFunc(func() Message { return &testMessage{} })

// fakeTimer fires only when the test calls fire.
type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped atomic.Bool
	fired   atomic.Bool
}

func (t *fakeTimer) Stop() bool {
	if t.fired.Load() {
		return false
	}
	return t.stopped.CompareAndSwap(false, true)
}

func (t *fakeTimer) fire() {
	if t.stopped.Load() || !t.fired.CompareAndSwap(false, true) {
		return
	}
	t.f()
}

type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) afterFunc(d time.Duration, f func()) timer {
	t := &fakeTimer{d: d, f: f}
	c.mu.Lock()
	c.timers = append(c.timers, t)
	c.mu.Unlock()
	return t
}

func (c *fakeClock) last() *fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.timers) == 0 {
		return nil
	}
	return c.timers[len(c.timers)-1]
}

// recorder collects handler and callback invocations.
type recorder struct {
	mu          sync.Mutex
	connects    int
	disconnects int
	received    []Message
}

func (r *recorder) counts() (connects, disconnects, received int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connects, r.disconnects, len(r.received)
}

type respResult struct {
	err error
	msg Message
	s   *Session
}

func newTestSession(t *testing.T, opts Options) (*Session, *fakeStream, *recorder) {
	t.Helper()
	stream := newFakeStream()
	if opts.Factory == nil {
		opts.Factory = testFactory
	}
	if opts.Executor == nil {
		pool := workpool.New(4, nil)
		t.Cleanup(pool.Close)
		opts.Executor = pool
	}
	s, err := New(stream, "test-endpoint", opts)
	require.NoError(t, err)

	rec := &recorder{}
	s.SetConnectHandler(func(err error, _ *Session) {
		rec.mu.Lock()
		rec.connects++
		rec.mu.Unlock()
	})
	s.SetDisconnectHandler(func(err error, _ *Session) {
		rec.mu.Lock()
		rec.disconnects++
		rec.mu.Unlock()
	})
	s.SetRecvMessageHandler(func(msg Message, _ *Session) {
		rec.mu.Lock()
		rec.received = append(rec.received, msg)
		rec.mu.Unlock()
	})
	t.Cleanup(func() { s.Drop(Closed) })
	return s, stream, rec
}

func waitFrame(t *testing.T, stream *fakeStream) string {
	t.Helper()
	select {
	case w := <-stream.written:
		return string(w)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a write")
		return ""
	}
}
