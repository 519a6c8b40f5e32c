// ABOUTME: Pulls a session's conversations and messages from the backend into the local store
// ABOUTME: Messages already present locally (by ID) are skipped, so syncing twice is harmless

package backend

import (
	"context"
	"fmt"

	"github.com/2389/replica-console/internal/store"
)

// SessionStore is what SyncSession writes into.
type SessionStore interface {
	PutSession(sess store.Session) error
	PutConversation(conv store.Conversation) error
	CurrentConversation(sessionID string) (store.Conversation, bool)
	SetCurrentConversation(sessionID, conversationID string) error
	Messages(conversationID string) []store.Message
	AppendMessage(msg store.Message) (store.Message, error)
}

// SyncSession copies a session, its conversations and their messages into st.
// When the session has no current conversation, the most recent one becomes current.
func (c *Client) SyncSession(ctx context.Context, st SessionStore, sessionID string) error {
	sess, err := c.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("fetching session: %w", err)
	}
	local := sess.StoreSession()
	if !local.Status.Valid() {
		local.Status = store.SessionStatusActive
	}
	if err := st.PutSession(local); err != nil {
		return fmt.Errorf("storing session: %w", err)
	}

	convs, err := c.ListConversations(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("fetching conversations: %w", err)
	}

	added := 0
	for _, conv := range convs {
		if err := st.PutConversation(conv.StoreConversation()); err != nil {
			return fmt.Errorf("storing conversation %s: %w", conv.ID, err)
		}

		msgs, err := c.ListMessages(ctx, conv.ID, 0)
		if err != nil {
			return fmt.Errorf("fetching messages for %s: %w", conv.ID, err)
		}
		known := make(map[string]bool)
		for _, m := range st.Messages(conv.ID) {
			known[m.ID] = true
		}
		for _, m := range msgs {
			if known[m.ID] {
				continue
			}
			_, err := st.AppendMessage(store.Message{
				ID:             m.ID,
				ConversationID: conv.ID,
				Role:           store.Role(m.Role),
				Content:        m.Content,
			})
			if err != nil {
				return fmt.Errorf("storing message %s: %w", m.ID, err)
			}
			added++
		}
	}

	if _, ok := st.CurrentConversation(sessionID); !ok && len(convs) > 0 {
		if err := st.SetCurrentConversation(sessionID, convs[len(convs)-1].ID); err != nil {
			return fmt.Errorf("selecting conversation: %w", err)
		}
	}

	c.logger.Debug("session synced",
		"session_id", sessionID,
		"conversations", len(convs),
		"new_messages", added)
	return nil
}
