// ABOUTME: Wire types for the backend REST API
// ABOUTME: Timestamps accept RFC 3339 with or without a zone, as the backend emits both

package backend

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/2389/replica-console/internal/store"
)

// Timestamp decodes the backend's ISO 8601 timestamps. Values without a zone are UTC.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("timestamp: unrecognized format %q", s)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// Session is a coding session as the backend reports it.
type Session struct {
	ID            string         `json:"id"`
	Title         string         `json:"title"`
	Description   string         `json:"description,omitempty"`
	Status        string         `json:"status"`
	LLMProvider   string         `json:"llm_provider"`
	LLMModel      string         `json:"llm_model"`
	WorkspacePath string         `json:"workspace_path,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     Timestamp      `json:"created_at"`
	UpdatedAt     Timestamp      `json:"updated_at"`
}

// StoreSession converts to the local store's representation.
func (s Session) StoreSession() store.Session {
	return store.Session{
		ID:            s.ID,
		Title:         s.Title,
		Status:        store.SessionStatus(s.Status),
		LLMProvider:   s.LLMProvider,
		LLMModel:      s.LLMModel,
		WorkspacePath: s.WorkspacePath,
		CreatedAt:     s.CreatedAt.Time,
		UpdatedAt:     s.UpdatedAt.Time,
	}
}

// CreateSessionRequest is the body of POST /sessions.
type CreateSessionRequest struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	LLMProvider string `json:"llm_provider,omitempty"`
	LLMModel    string `json:"llm_model,omitempty"`
}

// UpdateSessionRequest is the body of PATCH /sessions/{id}. Nil fields are left unchanged.
type UpdateSessionRequest struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Status      *string `json:"status,omitempty"`
}

// Conversation is a conversation as the backend reports it.
type Conversation struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Title     string    `json:"title"`
	Status    string    `json:"status,omitempty"`
	AgentType string    `json:"agent_type,omitempty"`
	Messages  []Message `json:"messages,omitempty"`
	CreatedAt Timestamp `json:"created_at"`
}

// StoreConversation converts to the local store's representation.
func (c Conversation) StoreConversation() store.Conversation {
	return store.Conversation{
		ID:        c.ID,
		SessionID: c.SessionID,
		Title:     c.Title,
		CreatedAt: c.CreatedAt.Time,
	}
}

// Message is a committed message as the backend reports it.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	MessageType    string    `json:"message_type,omitempty"`
	CreatedAt      Timestamp `json:"created_at"`
}

// AddMessageRequest is the body of POST /conversations/{id}/messages.
type AddMessageRequest struct {
	Role        string `json:"role"`
	Content     string `json:"content"`
	MessageType string `json:"message_type,omitempty"`
}

// FileContent is a workspace file read through the runtime API.
type FileContent struct {
	Path    string `json:"filepath"`
	Content string `json:"content"`
}

// ExecuteRequest is the body of POST /runtime/{session_id}/execute.
type ExecuteRequest struct {
	Code     string `json:"code"`
	Language string `json:"language,omitempty"`
	Timeout  int    `json:"timeout,omitempty"`
}

// ExecuteResult is the outcome of running code in a session's sandbox.
type ExecuteResult struct {
	Output        string `json:"output"`
	Success       bool   `json:"success"`
	ExitCode      int    `json:"exit_code"`
	Language      string `json:"language"`
	ExecutionTime string `json:"execution_time,omitempty"`
}
