// ABOUTME: Manager owns one realtime connection per session with backoff reconnection
// ABOUTME: Graceful closes (code 1000) end a session; anything else schedules a retry

package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/replica-console/internal/dispatch"
	"github.com/2389/replica-console/internal/notice"
)

var (
	// ErrNotConnected is returned by Send when the session has no open transport.
	ErrNotConnected = errors.New("not connected")

	// ErrTransportConstruction wraps failures to open a transport.
	ErrTransportConstruction = errors.New("transport construction failed")

	// ErrManagerClosed is returned by Connect after Close.
	ErrManagerClosed = errors.New("connection manager closed")
)

// NotConnectedText is the notice raised when a send finds no connection.
const NotConnectedText = "Connection lost, please retry"

// State is a session's connection state.
type State string

const (
	Disconnected State = "disconnected"
	Connecting   State = "connecting"
	Connected    State = "connected"
)

// Listener receives a session's state changes and inbound frames.
// StateChanged is called with the manager locked and FrameReceived from the
// session's read goroutine; neither may call back into the Manager.
type Listener interface {
	StateChanged(sessionID string, state State)
	FrameReceived(sessionID string, frame Frame)
}

// Frame is one inbound payload.
type Frame struct {
	Data []byte

	current func() bool
}

// Current reports whether the transport that read the frame is still the
// session's live transport. It takes no locks, so a listener can check it
// under its own lock right before applying the frame. A teardown invalidates
// the frame before StateChanged reports it.
func (f Frame) Current() bool {
	return f.current == nil || f.current()
}

// Notifier raises user-visible notices.
type Notifier interface {
	Raise(sessionID string, level notice.Level, text string)
}

// Options configures a Manager. Zero values select defaults.
type Options struct {
	Policy    Policy
	Scheduler Scheduler
	Notices   Notifier
	Logger    *slog.Logger
}

type session struct {
	id      string
	state   State
	attempt int
	gen     atomic.Uint64 // bumped under mu on every dial and teardown; read lock-free by frames

	transport Transport
	cancel    context.CancelFunc
	done      chan struct{} // closed when the read loop exits
	timer     Timer
}

// detached is a transport taken out of a session, waiting to be shut down.
type detached struct {
	transport Transport
	cancel    context.CancelFunc
	done      chan struct{}
}

func (d detached) shutdown(reason string) {
	if d.transport != nil {
		_ = d.transport.Close(CodeNormal, reason)
	}
	if d.cancel != nil {
		d.cancel()
	}
	if d.done != nil {
		<-d.done
	}
}

// Manager maintains connections for any number of sessions.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*session
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc

	dialer    Dialer
	listener  Listener
	notices   Notifier
	scheduler Scheduler
	policy    Policy
	logger    *slog.Logger
}

// NewManager creates a Manager that opens transports with dialer and reports
// to listener.
func NewManager(dialer Dialer, listener Listener, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Scheduler == nil {
		opts.Scheduler = SystemScheduler
	}
	if opts.Notices == nil {
		opts.Notices = nopNotifier{}
	}
	if opts.Policy == (Policy{}) {
		opts.Policy = DefaultPolicy()
	}
	if opts.Policy.DialTimeout <= 0 {
		opts.Policy.DialTimeout = DefaultPolicy().DialTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		sessions:  make(map[string]*session),
		ctx:       ctx,
		cancel:    cancel,
		dialer:    dialer,
		listener:  listener,
		notices:   opts.Notices,
		scheduler: opts.Scheduler,
		policy:    opts.Policy,
		logger:    opts.Logger.With("component", "connection"),
	}
}

// Connect opens the session's connection, replacing any existing transport or
// pending reconnect. The attempt counter starts over. Dial failures are not
// returned; they schedule a reconnect like any abnormal closure.
func (m *Manager) Connect(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	s, ok := m.sessions[sessionID]
	if !ok {
		s = &session{id: sessionID, state: Disconnected}
		m.sessions[sessionID] = s
	}
	old := m.detachLocked(s)
	s.attempt = 0
	m.mu.Unlock()

	old.shutdown("reconnecting")
	m.dial(ctx, s)
	return nil
}

// Send writes a frame on the session's connection.
func (m *Manager) Send(ctx context.Context, sessionID string, frame []byte) error {
	m.mu.Lock()
	var t Transport
	if s, ok := m.sessions[sessionID]; ok && s.state == Connected {
		t = s.transport
	}
	m.mu.Unlock()

	if t == nil {
		m.notices.Raise(sessionID, notice.LevelWarning, NotConnectedText)
		return ErrNotConnected
	}
	if err := t.Write(ctx, frame); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// Disconnect closes the session's connection with code 1000 and cancels any
// pending reconnect. It never schedules a reconnect.
func (m *Manager) Disconnect(sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	old := m.detachLocked(s)
	s.attempt = 0
	m.setStateLocked(s, Disconnected)
	m.mu.Unlock()

	old.shutdown("client disconnect")
	m.logger.Info("session disconnected", "session_id", sessionID)
}

// Close disconnects every session. Later Connect calls fail with ErrManagerClosed.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	var olds []detached
	for _, s := range m.sessions {
		olds = append(olds, m.detachLocked(s))
		m.setStateLocked(s, Disconnected)
	}
	m.mu.Unlock()

	for _, old := range olds {
		old.shutdown("client disconnect")
	}
	m.cancel()
}

// State returns the session's connection state.
func (m *Manager) State(sessionID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		return s.state
	}
	return Disconnected
}

// Attempt returns how many reconnects have been scheduled since the last
// successful connect.
func (m *Manager) Attempt(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		return s.attempt
	}
	return 0
}

// dial makes one connection attempt for s.
func (m *Manager) dial(ctx context.Context, s *session) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	gen := s.gen.Add(1)
	m.setStateLocked(s, Connecting)
	m.mu.Unlock()

	dctx, cancel := context.WithTimeout(ctx, m.policy.DialTimeout)
	t, err := m.dialer.Dial(dctx, s.id)
	cancel()

	m.mu.Lock()
	if s.gen.Load() != gen || m.closed {
		m.mu.Unlock()
		if t != nil {
			_ = t.Close(CodeNormal, "superseded")
		}
		return
	}
	if err != nil {
		if !errors.Is(err, ErrTransportConstruction) {
			err = fmt.Errorf("%w: %w", ErrTransportConstruction, err)
		}
		m.logger.Warn("connect failed", "session_id", s.id, "error", err)
		m.scheduleLocked(s)
		m.mu.Unlock()
		return
	}

	rctx, rcancel := context.WithCancel(m.ctx)
	done := make(chan struct{})
	s.transport = t
	s.cancel = rcancel
	s.done = done
	s.attempt = 0
	m.setStateLocked(s, Connected)
	m.mu.Unlock()

	m.logger.Info("session connected", "session_id", s.id)
	go m.readLoop(rctx, s, gen, t, done)

	if err := t.Write(rctx, dispatch.PingFrame(time.Now())); err != nil {
		m.logger.Debug("initial ping failed", "session_id", s.id, "error", err)
	}
}

// readLoop delivers frames from t until it fails.
func (m *Manager) readLoop(ctx context.Context, s *session, gen uint64, t Transport, done chan struct{}) {
	defer close(done)

	current := func() bool { return s.gen.Load() == gen }
	for {
		data, err := t.Read(ctx)
		if err != nil {
			m.transportClosed(s, gen, err)
			return
		}
		if !current() {
			return
		}
		m.listener.FrameReceived(s.id, Frame{Data: data, current: current})
	}
}

// transportClosed handles the end of the transport created by generation gen.
func (m *Manager) transportClosed(s *session, gen uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.gen.Load() != gen || m.closed {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.transport = nil
	s.cancel = nil
	s.done = nil

	code := CloseCode(err)
	if code == CodeNormal {
		m.logger.Info("connection closed by server", "session_id", s.id)
		m.setStateLocked(s, Disconnected)
		return
	}

	m.logger.Warn("connection lost", "session_id", s.id, "code", code, "error", err)
	m.scheduleLocked(s)
}

// scheduleLocked marks s disconnected and schedules the next reconnect, or
// gives up once the attempt ceiling is reached. Must be called with mu held.
func (m *Manager) scheduleLocked(s *session) {
	m.setStateLocked(s, Disconnected)

	if s.attempt >= m.policy.MaxAttempts {
		m.logger.Warn("giving up reconnecting", "session_id", s.id, "attempts", s.attempt)
		m.notices.Raise(s.id, notice.LevelWarning,
			fmt.Sprintf("Unable to reconnect after %d attempts", s.attempt))
		return
	}

	delay := m.policy.Delay(s.attempt)
	s.attempt++
	gen := s.gen.Load()
	m.logger.Info("scheduling reconnect", "session_id", s.id, "attempt", s.attempt, "delay", delay)
	s.timer = m.scheduler.AfterFunc(delay, func() { m.reconnect(s, gen) })
}

func (m *Manager) reconnect(s *session, gen uint64) {
	m.mu.Lock()
	if m.closed || s.gen.Load() != gen {
		m.mu.Unlock()
		return
	}
	s.timer = nil
	m.mu.Unlock()

	m.dial(m.ctx, s)
}

// detachLocked invalidates the session's current generation, stops its timer
// and hands back its transport for shutdown. Must be called with mu held.
func (m *Manager) detachLocked(s *session) detached {
	s.gen.Add(1)
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	d := detached{transport: s.transport, cancel: s.cancel, done: s.done}
	s.transport = nil
	s.cancel = nil
	s.done = nil
	return d
}

// setStateLocked records and reports a state change. Must be called with mu held.
func (m *Manager) setStateLocked(s *session, state State) {
	if s.state == state {
		return
	}
	s.state = state
	m.listener.StateChanged(s.id, state)
}

type nopNotifier struct{}

func (nopNotifier) Raise(string, notice.Level, string) {}
