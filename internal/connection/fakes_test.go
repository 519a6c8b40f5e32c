// ABOUTME: In-memory Dialer, Transport, Scheduler and Listener doubles for manager tests
// ABOUTME: The scheduler runs on virtual time; callbacks fire only when a test says so

package connection

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/2389/replica-console/internal/notice"
)

type fakeTransport struct {
	inbound chan []byte
	closeCh chan struct{}

	mu          sync.Mutex
	written     [][]byte
	closed      bool
	closeCode   int
	closeReason string
	peerErr     error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan []byte, 16),
		closeCh: make(chan struct{}),
	}
}

func (t *fakeTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-t.inbound:
		return frame, nil
	case <-t.closeCh:
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.peerErr != nil {
			return nil, t.peerErr
		}
		return nil, &CloseError{Code: t.closeCode, Reason: t.closeReason}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *fakeTransport) Write(_ context.Context, frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("write on closed transport")
	}
	t.written = append(t.written, frame)
	return nil
}

func (t *fakeTransport) Close(code int, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.closeCode = code
	t.closeReason = reason
	close(t.closeCh)
	return nil
}

// peerClose simulates the server closing with code.
func (t *fakeTransport) peerClose(code int) {
	_ = t.Close(code, "peer")
}

// drop simulates the network failing without a close frame.
func (t *fakeTransport) drop() {
	t.mu.Lock()
	t.peerErr = errors.New("connection reset by peer")
	t.mu.Unlock()
	_ = t.Close(0, "")
}

func (t *fakeTransport) isClosed() (bool, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed, t.closeCode
}

func (t *fakeTransport) frames() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]byte(nil), t.written...)
}

type fakeDialer struct {
	mu         sync.Mutex
	transports []*fakeTransport
	fail       error
	dials      int
}

func (d *fakeDialer) Dial(_ context.Context, _ string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.fail != nil {
		return nil, d.fail
	}
	t := newFakeTransport()
	d.transports = append(d.transports, t)
	return t, nil
}

func (d *fakeDialer) setFail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = err
}

func (d *fakeDialer) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}

func (d *fakeDialer) all() []*fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*fakeTransport(nil), d.transports...)
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type fakeTimer struct {
	sched   *fakeScheduler
	delay   time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.sched.mu.Lock()
	defer t.sched.mu.Unlock()
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{sched: s, delay: d, f: f}
	s.timers = append(s.timers, t)
	return t
}

func (s *fakeScheduler) delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, len(s.timers))
	for i, t := range s.timers {
		out[i] = t.delay
	}
	return out
}

// pending returns timers that have neither fired nor been stopped.
func (s *fakeScheduler) pending() []*fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*fakeTimer
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

// fireNext runs the oldest pending timer. It reports false if none was pending.
func (s *fakeScheduler) fireNext() bool {
	s.mu.Lock()
	var next *fakeTimer
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			next = t
			break
		}
	}
	if next == nil {
		s.mu.Unlock()
		return false
	}
	next.fired = true
	s.mu.Unlock()

	next.f()
	return true
}

type stateEvent struct {
	sessionID string
	state     State
}

type recordingListener struct {
	mu     sync.Mutex
	states []stateEvent
	frames map[string][]string
	held   chan Frame // when set, delivered frames are also sent here
}

func newRecordingListener() *recordingListener {
	return &recordingListener{frames: make(map[string][]string)}
}

func (l *recordingListener) StateChanged(sessionID string, state State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, stateEvent{sessionID, state})
}

func (l *recordingListener) FrameReceived(sessionID string, frame Frame) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frames[sessionID] = append(l.frames[sessionID], string(frame.Data))
	if l.held != nil {
		l.held <- frame
	}
}

func (l *recordingListener) stateLog() []stateEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]stateEvent(nil), l.states...)
}

func (l *recordingListener) framesFor(sessionID string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.frames[sessionID]...)
}

type recordingNotifier struct {
	mu    sync.Mutex
	texts []string
}

func (n *recordingNotifier) Raise(_ string, _ notice.Level, text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.texts = append(n.texts, text)
}

func (n *recordingNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.texts...)
}
