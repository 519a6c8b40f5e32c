// ABOUTME: Service composes connection, dispatcher, activity machine, accumulator and store per session
// ABOUTME: Outbound user messages are recorded in the store before they are sent

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/2389/replica-console/internal/activity"
	"github.com/2389/replica-console/internal/connection"
	"github.com/2389/replica-console/internal/dispatch"
	"github.com/2389/replica-console/internal/notice"
	"github.com/2389/replica-console/internal/store"
	"github.com/2389/replica-console/internal/stream"
)

// ErrEmptyMessage is returned by SendMessage for blank content.
var ErrEmptyMessage = errors.New("message content is empty")

// ErrSessionNotOpen is returned for operations on a session that was never opened.
var ErrSessionNotOpen = errors.New("session not open")

// ConversationStore defines what the service needs from the state store
type ConversationStore interface {
	dispatch.ConversationStore

	PutSession(sess store.Session) error
	Session(id string) (store.Session, error)
	SetStreaming(sessionID string, v store.Streaming)
	SetConnectionState(sessionID string, cs store.ConnectionState)
	SetActivity(sessionID, activity string)
	WithdrawMessage(conversationID, messageID string) error
}

// Options configures a Service. Zero values select defaults.
type Options struct {
	Policy    connection.Policy
	Scheduler connection.Scheduler
	Notices   dispatch.Notifier
	Logger    *slog.Logger
}

// runtime is the live machinery of one open session.
type runtime struct {
	machine    *activity.Machine
	acc        *stream.Accumulator
	dispatcher *dispatch.Dispatcher
}

// Service runs the realtime side of any number of sessions.
type Service struct {
	mu       sync.Mutex
	sessions map[string]*runtime

	store   ConversationStore
	conns   *connection.Manager
	notices dispatch.Notifier
	logger  *slog.Logger
}

// New creates a Service that dials sessions with dialer.
func New(st ConversationStore, dialer connection.Dialer, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Notices == nil {
		opts.Notices = notice.New(0, opts.Logger)
	}
	s := &Service{
		sessions: make(map[string]*runtime),
		store:    st,
		notices:  opts.Notices,
		logger:   opts.Logger.With("component", "conversation"),
	}
	s.conns = connection.NewManager(dialer, s, connection.Options{
		Policy:    opts.Policy,
		Scheduler: opts.Scheduler,
		Notices:   opts.Notices,
		Logger:    opts.Logger,
	})
	return s
}

// Open connects a session, registering it in the store if it is unknown.
// Opening an open session reconnects it.
func (s *Service) Open(ctx context.Context, sessionID string) error {
	if _, err := s.store.Session(sessionID); errors.Is(err, store.ErrNotFound) {
		if err := s.store.PutSession(store.Session{ID: sessionID}); err != nil {
			return fmt.Errorf("registering session: %w", err)
		}
	} else if err != nil {
		return err
	}

	s.runtimeFor(sessionID)
	if err := s.conns.Connect(ctx, sessionID); err != nil {
		return fmt.Errorf("connecting session: %w", err)
	}
	return nil
}

// Close gracefully disconnects a session. Its state stays in the store.
func (s *Service) Close(sessionID string) {
	s.conns.Disconnect(sessionID)
}

// Shutdown disconnects every session.
func (s *Service) Shutdown() {
	s.conns.Close()
}

// ConnectionState returns the manager's view of a session's connection.
func (s *Service) ConnectionState(sessionID string) connection.State {
	return s.conns.State(sessionID)
}

// Activity returns the session's agent activity state.
func (s *Service) Activity(sessionID string) activity.State {
	s.mu.Lock()
	rt, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return activity.Idle
	}
	return rt.machine.State()
}

// SendMessage records a user message in the session's current conversation
// and sends it to the agent. If the send fails the message is withdrawn again
// and returned with the error, so the caller can retry without duplicating it.
func (s *Service) SendMessage(ctx context.Context, sessionID, content string) (store.Message, error) {
	if strings.TrimSpace(content) == "" {
		return store.Message{}, ErrEmptyMessage
	}

	s.mu.Lock()
	rt, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return store.Message{}, ErrSessionNotOpen
	}

	// 1. Record first
	conv, err := s.store.EnsureConversation(sessionID, "")
	if err != nil {
		return store.Message{}, fmt.Errorf("resolving conversation: %w", err)
	}
	msg, err := s.store.AppendMessage(store.Message{
		ConversationID: conv.ID,
		Role:           store.RoleUser,
		Content:        content,
	})
	if err != nil {
		return store.Message{}, fmt.Errorf("recording message: %w", err)
	}

	s.logger.Debug("user message recorded",
		"session_id", sessionID,
		"conversation_id", conv.ID,
		"message_id", msg.ID)

	// 2. Then send. Replies can arrive before Send returns, so thinking is set first.
	frame, err := dispatch.MessageFrame(content, conv.ID)
	if err != nil {
		return msg, err
	}
	if err := rt.dispatcher.Inject(dispatch.KindAgentThinking); err != nil {
		s.logger.Debug("thinking transition rejected", "session_id", sessionID, "error", err)
	}
	if err := s.conns.Send(ctx, sessionID, frame); err != nil {
		rt.dispatcher.SendFailed()
		if werr := s.store.WithdrawMessage(conv.ID, msg.ID); werr != nil {
			s.logger.Warn("withdrawing unsent message", "session_id", sessionID, "message_id", msg.ID, "error", werr)
		}
		return msg, fmt.Errorf("sending message: %w", err)
	}
	return msg, nil
}

// StateChanged implements connection.Listener.
func (s *Service) StateChanged(sessionID string, state connection.State) {
	s.store.SetConnectionState(sessionID, store.ConnectionState(state))
	if state == connection.Connected {
		return
	}
	if rt := s.lookup(sessionID); rt != nil {
		rt.dispatcher.Reset()
	}
}

// FrameReceived implements connection.Listener.
func (s *Service) FrameReceived(sessionID string, frame connection.Frame) {
	rt := s.lookup(sessionID)
	if rt == nil {
		s.logger.Warn("frame for unknown session", "session_id", sessionID)
		return
	}
	// The dispatcher logs and surfaces its own errors.
	_ = rt.dispatcher.HandleCurrent(frame.Data, frame.Current)
}

func (s *Service) lookup(sessionID string) *runtime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[sessionID]
}

// runtimeFor returns the session's runtime, building it on first use.
func (s *Service) runtimeFor(sessionID string) *runtime {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rt, ok := s.sessions[sessionID]; ok {
		return rt
	}

	machine := activity.New(s.logger)
	machine.OnTransition(func(_, to activity.State) {
		s.store.SetActivity(sessionID, string(to))
	})
	s.store.SetActivity(sessionID, string(machine.State()))

	acc := stream.New(func(snap stream.Snapshot) {
		s.store.SetStreaming(sessionID, store.Streaming{Active: snap.Active, Content: snap.Content})
	})

	rt := &runtime{
		machine:    machine,
		acc:        acc,
		dispatcher: dispatch.New(sessionID, machine, acc, s.store, s.notices, s.logger),
	}
	s.sessions[sessionID] = rt
	return rt
}
