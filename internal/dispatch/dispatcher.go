// ABOUTME: Dispatcher routes inbound frames to the activity machine, accumulator, store and notices
// ABOUTME: One Dispatcher per session; Handle calls are serialized so frames apply in arrival order

package dispatch

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/2389/replica-console/internal/activity"
	"github.com/2389/replica-console/internal/notice"
	"github.com/2389/replica-console/internal/store"
	"github.com/2389/replica-console/internal/stream"
)

var (
	// ErrMalformedFrame is returned for payloads that are not JSON objects with a type.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrUnrecognizedEvent is returned for frames whose type is not in the protocol.
	ErrUnrecognizedEvent = errors.New("unrecognized event kind")

	// ErrAgentSignaled is returned for agent_error and error frames after the
	// notice has been raised.
	ErrAgentSignaled = errors.New("agent signaled error")

	// ErrStaleFrame is returned for frames read by a connection that was torn
	// down before the frame could be applied.
	ErrStaleFrame = errors.New("stale frame")
)

// ConversationStore is what the dispatcher needs to commit finished responses.
type ConversationStore interface {
	EnsureConversation(sessionID, conversationID string) (store.Conversation, error)
	AppendMessage(msg store.Message) (store.Message, error)
}

// Notifier raises user-visible notices.
type Notifier interface {
	Raise(sessionID string, level notice.Level, text string)
}

// Dispatcher applies one session's inbound events.
type Dispatcher struct {
	mu        sync.Mutex
	sessionID string
	machine   *activity.Machine
	acc       *stream.Accumulator
	store     ConversationStore
	notices   Notifier
	now       func() time.Time
	logger    *slog.Logger
}

// New creates a Dispatcher for sessionID.
func New(sessionID string, machine *activity.Machine, acc *stream.Accumulator, st ConversationStore, notices Notifier, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		sessionID: sessionID,
		machine:   machine,
		acc:       acc,
		store:     st,
		notices:   notices,
		now:       time.Now,
		logger:    logger.With("component", "dispatch", "session_id", sessionID),
	}
}

// Handle decodes and applies a single inbound frame. Malformed and
// unrecognized frames are logged and dropped; the returned error lets the
// caller observe what happened but nothing needs to be done about it.
func (d *Dispatcher) Handle(frame []byte) error {
	return d.HandleCurrent(frame, nil)
}

// HandleCurrent is Handle for frames that may outlive their connection.
// current is checked under the dispatcher lock, after any concurrent Reset
// has finished, and the frame is dropped with ErrStaleFrame if it reports
// false. A nil current always applies.
func (d *Dispatcher) HandleCurrent(frame []byte, current func() bool) error {
	if !gjson.ValidBytes(frame) {
		d.logger.Warn("dropping malformed frame", "size", len(frame))
		return fmt.Errorf("%w: invalid JSON", ErrMalformedFrame)
	}
	root := gjson.ParseBytes(frame)
	typ := root.Get("type")
	if !root.IsObject() || typ.Type != gjson.String || typ.Str == "" {
		d.logger.Warn("dropping frame without type", "frame", truncate(root.Raw, 200))
		return fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if current != nil && !current() {
		d.logger.Debug("dropping frame from closed connection", "type", typ.Str)
		return fmt.Errorf("%w: %s", ErrStaleFrame, typ.Str)
	}
	return d.apply(Kind(typ.Str), root)
}

// Inject applies a locally originated event, such as thinking after the user
// sends a message.
func (d *Dispatcher) Inject(kind Kind) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.apply(kind, gjson.Result{})
}

// SendFailed undoes the thinking state injected for a message that never
// reached the backend. Any other state was set by a later frame and is left
// alone.
func (d *Dispatcher) SendFailed() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.machine.State() == activity.Thinking {
		_ = d.machine.Request(activity.Idle)
	}
}

// Reset abandons any in-flight response and forces the agent to idle.
// Used when the connection drops.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acc.Discard()
	d.machine.Reset()
}

// apply runs the handler for kind. Must be called with mu held.
func (d *Dispatcher) apply(kind Kind, f gjson.Result) error {
	switch kind {
	case KindPong:
		if ts := f.Get("timestamp"); ts.Type == gjson.Number {
			d.logger.Debug("pong", "rtt", d.now().Sub(time.UnixMilli(ts.Int())))
		}
		return nil

	case KindAgentThinking:
		return d.machine.Request(activity.Thinking)

	case KindAgentResponseStart:
		if err := d.machine.Request(activity.Responding); err != nil {
			return err
		}
		d.acc.Start()
		return nil

	case KindAgentResponseChunk:
		d.acc.Append(f.Get("content").String())
		return nil

	case KindAgentResponseEnd:
		return d.finishResponse(f)

	case KindCodeExecution:
		if err := d.machine.Request(activity.Executing); err != nil {
			return err
		}
		text := "Executing code"
		if lang := first(f, "language", "data.language").String(); lang != "" {
			text = fmt.Sprintf("Executing %s code", lang)
		}
		d.notices.Raise(d.sessionID, notice.LevelInfo, text)
		return nil

	case KindCodeResult:
		if err := d.machine.Request(activity.Idle); err != nil {
			return err
		}
		success := first(f, "success", "data.success")
		if !success.Exists() || success.Bool() {
			d.notices.Raise(d.sessionID, notice.LevelSuccess, "Code executed successfully")
		} else {
			d.notices.Raise(d.sessionID, notice.LevelError, "Code execution failed")
		}
		return nil

	case KindFileChange:
		action := first(f, "action", "data.action").String()
		path := first(f, "path", "filepath", "data.filepath", "data.path").String()
		d.notices.Raise(d.sessionID, notice.LevelInfo, fmt.Sprintf("%s: %s", action, path))
		return nil

	case KindAgentError:
		if err := d.machine.Request(activity.Error); err != nil {
			return err
		}
		msg := first(f, "message", "data.message", "data.error").String()
		if msg == "" {
			msg = "Agent error"
		}
		d.notices.Raise(d.sessionID, notice.LevelError, msg)
		return fmt.Errorf("%w: %s", ErrAgentSignaled, msg)

	case KindError:
		msg := first(f, "message", "data.message").String()
		if msg == "" {
			msg = "Unknown error"
		}
		d.notices.Raise(d.sessionID, notice.LevelError, msg)
		return fmt.Errorf("%w: %s", ErrAgentSignaled, msg)
	}

	d.logger.Debug("dropping unrecognized event", "type", kind)
	return fmt.Errorf("%w: %q", ErrUnrecognizedEvent, kind)
}

// finishResponse commits the accumulated (or overriding) response as an
// assistant message in the target conversation.
func (d *Dispatcher) finishResponse(f gjson.Result) error {
	if err := d.machine.Request(activity.Idle); err != nil {
		return err
	}

	var override *string
	if full := f.Get("full_response"); full.Type == gjson.String {
		s := full.Str
		override = &s
	}
	content := d.acc.Finalize(override)

	conv, err := d.store.EnsureConversation(d.sessionID, f.Get("conversation_id").String())
	if err != nil {
		return fmt.Errorf("resolving conversation: %w", err)
	}
	msg, err := d.store.AppendMessage(store.Message{
		ConversationID: conv.ID,
		Role:           store.RoleAssistant,
		Content:        content,
	})
	if err != nil {
		return fmt.Errorf("committing response: %w", err)
	}

	d.logger.Debug("response committed",
		"conversation_id", conv.ID,
		"message_id", msg.ID,
		"length", len(content))
	return nil
}

// first returns the first of paths present in f.
func first(f gjson.Result, paths ...string) gjson.Result {
	for _, p := range paths {
		if r := f.Get(p); r.Exists() {
			return r
		}
	}
	return gjson.Result{}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
