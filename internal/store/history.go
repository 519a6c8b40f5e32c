// ABOUTME: History interface for durable conversation records and an in-memory implementation
// ABOUTME: MemoryHistory backs tests and runs without a database path

package store

import (
	"context"
	"slices"
	"sync"
)

// History persists what the store commits. Implementations must be safe for concurrent use.
type History interface {
	SaveSession(ctx context.Context, sess *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context, limit int) ([]*Session, error)

	SaveConversation(ctx context.Context, conv *Conversation) error
	ListConversations(ctx context.Context, sessionID string) ([]*Conversation, error)

	SaveMessage(ctx context.Context, msg *Message) error
	DeleteMessage(ctx context.Context, conversationID, id string) error
	ListMessages(ctx context.Context, conversationID string) ([]Message, error)

	Close() error
}

// MemoryHistory is a History kept in process memory.
type MemoryHistory struct {
	mu            sync.RWMutex
	sessions      map[string]Session
	conversations map[string]Conversation
	convOrder     []string
	messages      map[string][]Message

	// Err, when set, is returned by every Save and Delete call.
	Err error
}

// NewMemoryHistory creates an empty MemoryHistory.
func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{
		sessions:      make(map[string]Session),
		conversations: make(map[string]Conversation),
		messages:      make(map[string][]Message),
	}
}

func (h *MemoryHistory) SaveSession(_ context.Context, sess *Session) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.Err != nil {
		return h.Err
	}
	h.sessions[sess.ID] = *sess
	return nil
}

func (h *MemoryHistory) GetSession(_ context.Context, id string) (*Session, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sess, ok := h.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &sess, nil
}

func (h *MemoryHistory) ListSessions(_ context.Context, limit int) ([]*Session, error) {
	h.mu.RLock()
	out := make([]*Session, 0, len(h.sessions))
	for _, sess := range h.sessions {
		out = append(out, &sess)
	}
	h.mu.RUnlock()

	slices.SortFunc(out, func(a, b *Session) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (h *MemoryHistory) SaveConversation(_ context.Context, conv *Conversation) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.Err != nil {
		return h.Err
	}
	if _, ok := h.conversations[conv.ID]; !ok {
		h.convOrder = append(h.convOrder, conv.ID)
	}
	h.conversations[conv.ID] = *conv
	return nil
}

func (h *MemoryHistory) ListConversations(_ context.Context, sessionID string) ([]*Conversation, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*Conversation
	for _, id := range h.convOrder {
		conv := h.conversations[id]
		if conv.SessionID == sessionID {
			out = append(out, &conv)
		}
	}
	return out, nil
}

func (h *MemoryHistory) SaveMessage(_ context.Context, msg *Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.Err != nil {
		return h.Err
	}
	h.messages[msg.ConversationID] = append(h.messages[msg.ConversationID], *msg)
	return nil
}

func (h *MemoryHistory) DeleteMessage(_ context.Context, conversationID, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.Err != nil {
		return h.Err
	}
	h.messages[conversationID] = slices.DeleteFunc(h.messages[conversationID], func(m Message) bool {
		return m.ID == id
	})
	return nil
}

func (h *MemoryHistory) ListMessages(_ context.Context, conversationID string) ([]Message, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return slices.Clone(h.messages[conversationID]), nil
}

func (h *MemoryHistory) Close() error { return nil }
