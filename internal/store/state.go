// ABOUTME: Store is the locked in-memory aggregate of sessions, conversations and messages
// ABOUTME: Every mutation is a named operation that publishes a Change and writes through to History

package store

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// historyTimeout bounds each write-through call to History.
const historyTimeout = 5 * time.Second

// sessionState is everything the store tracks for one session.
type sessionState struct {
	session       Session
	known         bool     // false for placeholders created by transient setters
	conversations []string // conversation IDs in creation order
	current       string
	connection    ConnectionState
	activity      string
	streaming     Streaming
}

// Store is the shared conversation state. It is safe for concurrent use.
type Store struct {
	mu            sync.RWMutex
	sessions      map[string]*sessionState
	conversations map[string]Conversation
	messages      map[string][]Message // conversationID -> committed messages
	lastStamp     time.Time

	now     func() time.Time
	history History
	bus     *broadcaster
	logger  *slog.Logger
}

// New creates a Store. history may be nil; pass nil logger for default.
func New(history History, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")
	return &Store{
		sessions:      make(map[string]*sessionState),
		conversations: make(map[string]Conversation),
		messages:      make(map[string][]Message),
		now:           time.Now,
		history:       history,
		bus:           newBroadcaster(logger),
		logger:        logger,
	}
}

// Subscribe registers for changes to sessionID ("" for all sessions).
// The returned channel is closed when ctx is cancelled, on Unsubscribe, or on Close.
func (s *Store) Subscribe(ctx context.Context, sessionID string) (<-chan Change, string) {
	return s.bus.subscribe(ctx, sessionID)
}

// Unsubscribe removes a subscription created by Subscribe.
func (s *Store) Unsubscribe(subID string) {
	s.bus.unsubscribe(subID)
}

// Close ends all subscriptions. The store remains readable.
func (s *Store) Close() {
	s.bus.close()
}

// stateFor returns the state for id, creating a placeholder. Must be called with mu held.
func (s *Store) stateFor(id string) *sessionState {
	st, ok := s.sessions[id]
	if !ok {
		st = &sessionState{
			session:    Session{ID: id},
			connection: ConnectionDisconnected,
		}
		s.sessions[id] = st
	}
	return st
}

// stamp returns a creation time strictly after every earlier stamp. Must be called with mu held.
func (s *Store) stamp() time.Time {
	t := s.now()
	if !t.After(s.lastStamp) {
		t = s.lastStamp.Add(time.Nanosecond)
	}
	s.lastStamp = t
	return t
}

// PutSession inserts or replaces a session's metadata.
func (s *Store) PutSession(sess Session) error {
	if sess.ID == "" {
		return fmt.Errorf("session id is required")
	}
	if sess.Status == "" {
		sess.Status = SessionStatusActive
	}
	if !sess.Status.Valid() {
		return fmt.Errorf("invalid session status %q", sess.Status)
	}

	s.mu.Lock()
	st := s.stateFor(sess.ID)
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = s.now()
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = sess.CreatedAt
	}
	st.session = sess
	st.known = true
	s.mu.Unlock()

	s.persist(func(ctx context.Context, h History) error { return h.SaveSession(ctx, &sess) },
		"session_id", sess.ID)
	s.bus.publish(Change{Kind: ChangeSession, SessionID: sess.ID})
	return nil
}

// SetSessionStatus updates the lifecycle status of a known session.
func (s *Store) SetSessionStatus(id string, status SessionStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid session status %q", status)
	}

	s.mu.Lock()
	st, ok := s.sessions[id]
	if !ok || !st.known {
		s.mu.Unlock()
		return ErrNotFound
	}
	st.session.Status = status
	st.session.UpdatedAt = s.now()
	sess := st.session
	s.mu.Unlock()

	s.persist(func(ctx context.Context, h History) error { return h.SaveSession(ctx, &sess) },
		"session_id", id)
	s.bus.publish(Change{Kind: ChangeSession, SessionID: id})
	return nil
}

// RemoveSession drops a session and everything under it from memory.
// History is left untouched.
func (s *Store) RemoveSession(id string) {
	s.mu.Lock()
	st, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	for _, convID := range st.conversations {
		delete(s.conversations, convID)
		delete(s.messages, convID)
	}
	delete(s.sessions, id)
	s.mu.Unlock()

	s.bus.publish(Change{Kind: ChangeSessionRemoved, SessionID: id})
}

// PutConversation adds a conversation to a known session. Re-putting an
// existing conversation updates its title only.
func (s *Store) PutConversation(conv Conversation) error {
	if conv.ID == "" {
		return fmt.Errorf("conversation id is required")
	}

	s.mu.Lock()
	st, ok := s.sessions[conv.SessionID]
	if !ok || !st.known {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	if existing, ok := s.conversations[conv.ID]; ok {
		if existing.SessionID != conv.SessionID {
			s.mu.Unlock()
			return fmt.Errorf("conversation %s belongs to session %s", conv.ID, existing.SessionID)
		}
		existing.Title = conv.Title
		s.conversations[conv.ID] = existing
		conv = existing
	} else {
		if conv.CreatedAt.IsZero() {
			conv.CreatedAt = s.now()
		}
		s.conversations[conv.ID] = conv
		st.conversations = append(st.conversations, conv.ID)
	}
	s.mu.Unlock()

	s.persist(func(ctx context.Context, h History) error { return h.SaveConversation(ctx, &conv) },
		"conversation_id", conv.ID)
	s.bus.publish(Change{Kind: ChangeConversation, SessionID: conv.SessionID, ConversationID: conv.ID})
	return nil
}

// SetCurrentConversation points the session at one of its conversations.
// An empty conversationID clears the pointer.
func (s *Store) SetCurrentConversation(sessionID, conversationID string) error {
	s.mu.Lock()
	st, ok := s.sessions[sessionID]
	if !ok || !st.known {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	if conversationID != "" {
		conv, ok := s.conversations[conversationID]
		if !ok || conv.SessionID != sessionID {
			s.mu.Unlock()
			return ErrNotFound
		}
	}
	if st.current == conversationID {
		s.mu.Unlock()
		return nil
	}
	st.current = conversationID
	s.mu.Unlock()

	s.bus.publish(Change{Kind: ChangeCurrent, SessionID: sessionID, ConversationID: conversationID})
	return nil
}

// EnsureConversation resolves the conversation that messages for sessionID
// should land in. A non-empty conversationID is used as is, and created when
// unknown. An empty one resolves to the current conversation, or to a new one.
// A conversation created here becomes current if the session has none.
func (s *Store) EnsureConversation(sessionID, conversationID string) (Conversation, error) {
	s.mu.Lock()
	st, ok := s.sessions[sessionID]
	if !ok || !st.known {
		s.mu.Unlock()
		return Conversation{}, ErrSessionNotFound
	}

	if conversationID == "" {
		conversationID = st.current
	}
	if conversationID != "" {
		if conv, ok := s.conversations[conversationID]; ok {
			s.mu.Unlock()
			if conv.SessionID != sessionID {
				return Conversation{}, fmt.Errorf("conversation %s belongs to session %s", conv.ID, conv.SessionID)
			}
			return conv, nil
		}
	} else {
		conversationID = uuid.New().String()
	}

	conv := Conversation{
		ID:        conversationID,
		SessionID: sessionID,
		CreatedAt: s.now(),
	}
	s.conversations[conv.ID] = conv
	st.conversations = append(st.conversations, conv.ID)
	madeCurrent := st.current == ""
	if madeCurrent {
		st.current = conv.ID
	}
	s.mu.Unlock()

	s.logger.Debug("conversation created locally",
		"session_id", sessionID,
		"conversation_id", conv.ID)

	s.persist(func(ctx context.Context, h History) error { return h.SaveConversation(ctx, &conv) },
		"conversation_id", conv.ID)
	s.bus.publish(Change{Kind: ChangeConversation, SessionID: sessionID, ConversationID: conv.ID})
	if madeCurrent {
		s.bus.publish(Change{Kind: ChangeCurrent, SessionID: sessionID, ConversationID: conv.ID})
	}
	return conv, nil
}

// AppendMessage commits msg to the end of its conversation. The store assigns
// CreatedAt, and an ID when msg has none. The committed copy is returned.
func (s *Store) AppendMessage(msg Message) (Message, error) {
	switch msg.Role {
	case RoleUser, RoleAssistant, RoleSystem:
	default:
		return Message{}, fmt.Errorf("invalid message role %q", msg.Role)
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}

	s.mu.Lock()
	conv, ok := s.conversations[msg.ConversationID]
	if !ok {
		s.mu.Unlock()
		return Message{}, ErrNotFound
	}
	msg.CreatedAt = s.stamp()
	// Clip forces a fresh backing array so earlier readers keep their slice.
	s.messages[conv.ID] = append(slices.Clip(s.messages[conv.ID]), msg)
	s.mu.Unlock()

	s.persist(func(ctx context.Context, h History) error { return h.SaveMessage(ctx, &msg) },
		"message_id", msg.ID)
	s.bus.publish(Change{
		Kind:           ChangeMessage,
		SessionID:      conv.SessionID,
		ConversationID: conv.ID,
		MessageID:      msg.ID,
	})
	return msg, nil
}

// WithdrawMessage removes a message that was recorded but never delivered,
// such as a user message whose send failed. Returns ErrNotFound if the
// conversation has no such message.
func (s *Store) WithdrawMessage(conversationID, messageID string) error {
	s.mu.Lock()
	conv, ok := s.conversations[conversationID]
	msgs := s.messages[conversationID]
	i := slices.IndexFunc(msgs, func(m Message) bool { return m.ID == messageID })
	if !ok || i < 0 {
		s.mu.Unlock()
		return ErrNotFound
	}
	s.messages[conversationID] = slices.Delete(slices.Clone(msgs), i, i+1)
	s.mu.Unlock()

	s.persist(func(ctx context.Context, h History) error {
		return h.DeleteMessage(ctx, conversationID, messageID)
	}, "message_id", messageID)
	s.bus.publish(Change{
		Kind:           ChangeMessage,
		SessionID:      conv.SessionID,
		ConversationID: conversationID,
		MessageID:      messageID,
	})
	return nil
}

// SetStreaming records the live streaming value for a session.
func (s *Store) SetStreaming(sessionID string, v Streaming) {
	s.mu.Lock()
	st := s.stateFor(sessionID)
	if st.streaming == v {
		s.mu.Unlock()
		return
	}
	st.streaming = v
	s.mu.Unlock()

	s.bus.publish(Change{Kind: ChangeStreaming, SessionID: sessionID})
}

// SetConnectionState records a session's connection state.
func (s *Store) SetConnectionState(sessionID string, cs ConnectionState) {
	s.mu.Lock()
	st := s.stateFor(sessionID)
	if st.connection == cs {
		s.mu.Unlock()
		return
	}
	st.connection = cs
	s.mu.Unlock()

	s.bus.publish(Change{Kind: ChangeConnectionState, SessionID: sessionID})
}

// SetActivity records a session's agent activity state.
func (s *Store) SetActivity(sessionID, activity string) {
	s.mu.Lock()
	st := s.stateFor(sessionID)
	if st.activity == activity {
		s.mu.Unlock()
		return
	}
	st.activity = activity
	s.mu.Unlock()

	s.bus.publish(Change{Kind: ChangeActivity, SessionID: sessionID})
}

// Session returns a known session.
func (s *Store) Session(id string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.sessions[id]
	if !ok || !st.known {
		return Session{}, ErrNotFound
	}
	return st.session, nil
}

// Sessions returns all known sessions, most recently created first.
func (s *Store) Sessions() []Session {
	s.mu.RLock()
	out := make([]Session, 0, len(s.sessions))
	for _, st := range s.sessions {
		if st.known {
			out = append(out, st.session)
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b Session) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return out
}

// Conversation returns a conversation by ID.
func (s *Store) Conversation(id string) (Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[id]
	if !ok {
		return Conversation{}, ErrNotFound
	}
	return conv, nil
}

// Conversations returns a session's conversations in creation order.
func (s *Store) Conversations(sessionID string) []Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]Conversation, 0, len(st.conversations))
	for _, id := range st.conversations {
		out = append(out, s.conversations[id])
	}
	return out
}

// Messages returns a copy of the committed messages of a conversation in order.
func (s *Store) Messages(conversationID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.messages[conversationID])
}

// CurrentConversation returns the session's current conversation, if any.
func (s *Store) CurrentConversation(sessionID string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.sessions[sessionID]
	if !ok || st.current == "" {
		return Conversation{}, false
	}
	return s.conversations[st.current], true
}

// Streaming returns the live streaming value for a session.
func (s *Store) Streaming(sessionID string) Streaming {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if st, ok := s.sessions[sessionID]; ok {
		return st.streaming
	}
	return Streaming{}
}

// ConnectionState returns a session's connection state.
func (s *Store) ConnectionState(sessionID string) ConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if st, ok := s.sessions[sessionID]; ok {
		return st.connection
	}
	return ConnectionDisconnected
}

// Activity returns a session's agent activity state, "" if none was recorded.
func (s *Store) Activity(sessionID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if st, ok := s.sessions[sessionID]; ok {
		return st.activity
	}
	return ""
}

// Restore loads a session with its conversations and messages from history,
// replacing whatever the store held for it.
func (s *Store) Restore(ctx context.Context, sessionID string) error {
	if s.history == nil {
		return fmt.Errorf("no history configured")
	}

	sess, err := s.history.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("loading session: %w", err)
	}
	convs, err := s.history.ListConversations(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("loading conversations: %w", err)
	}
	msgs := make(map[string][]Message, len(convs))
	for _, c := range convs {
		m, err := s.history.ListMessages(ctx, c.ID)
		if err != nil {
			return fmt.Errorf("loading messages for %s: %w", c.ID, err)
		}
		msgs[c.ID] = m
	}

	s.mu.Lock()
	st := s.stateFor(sessionID)
	for _, id := range st.conversations {
		delete(s.conversations, id)
		delete(s.messages, id)
	}
	st.session = *sess
	st.known = true
	st.conversations = st.conversations[:0:0]
	st.current = ""
	for _, c := range convs {
		s.conversations[c.ID] = *c
		st.conversations = append(st.conversations, c.ID)
		s.messages[c.ID] = msgs[c.ID]
		for _, m := range msgs[c.ID] {
			if m.CreatedAt.After(s.lastStamp) {
				s.lastStamp = m.CreatedAt
			}
		}
		st.current = c.ID
	}
	current := st.current
	s.mu.Unlock()

	s.logger.Debug("session restored",
		"session_id", sessionID,
		"conversations", len(convs))

	s.bus.publish(Change{Kind: ChangeSession, SessionID: sessionID})
	if current != "" {
		s.bus.publish(Change{Kind: ChangeCurrent, SessionID: sessionID, ConversationID: current})
	}
	return nil
}

// persist runs fn against history with its own timeout. Failures are logged only.
func (s *Store) persist(fn func(context.Context, History) error, attrs ...any) {
	if s.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()

	if err := fn(ctx, s.history); err != nil {
		s.logger.Error("history write failed", append([]any{"error", err}, attrs...)...)
	}
}
