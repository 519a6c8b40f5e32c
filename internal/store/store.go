// ABOUTME: Data types for the conversation state: sessions, conversations, messages
// ABOUTME: Also defines per-session connection and activity values and store errors

package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrSessionNotFound is returned when a conversation references an unknown session
var ErrSessionNotFound = errors.New("session not found")

// SessionStatus is the lifecycle status of a session
type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusPaused    SessionStatus = "paused"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusError     SessionStatus = "error"
)

// Valid reports whether s is one of the known statuses.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionStatusActive, SessionStatusPaused, SessionStatusCompleted, SessionStatusError:
		return true
	}
	return false
}

// Role identifies who authored a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Session is a top-level unit of interaction: one assistant configuration, one workspace
type Session struct {
	ID            string
	Title         string
	Status        SessionStatus
	LLMProvider   string
	LLMModel      string
	WorkspacePath string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Conversation is an ordered thread of messages within a session
type Conversation struct {
	ID        string
	SessionID string
	Title     string
	CreatedAt time.Time
}

// Message is a committed message. Content never changes after it is appended.
type Message struct {
	ID             string
	ConversationID string
	Role           Role
	Content        string
	CreatedAt      time.Time
}

// ConnectionState is the state of a session's realtime connection
type ConnectionState string

const (
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
)

// ChangeKind says which part of the state a Change refers to
type ChangeKind string

const (
	ChangeSession         ChangeKind = "session"
	ChangeSessionRemoved  ChangeKind = "session_removed"
	ChangeConversation    ChangeKind = "conversation"
	ChangeCurrent         ChangeKind = "current_conversation"
	ChangeMessage         ChangeKind = "message"
	ChangeStreaming       ChangeKind = "streaming"
	ChangeConnectionState ChangeKind = "connection_state"
	ChangeActivity        ChangeKind = "activity"
)

// Change is published to subscribers after every committed mutation.
// Subscribers re-read the store for the new values.
type Change struct {
	Kind           ChangeKind
	SessionID      string
	ConversationID string // set for conversation, current and message changes
	MessageID      string // set for message changes
}

// Streaming is the transient content of an in-flight assistant response.
// It is never part of a conversation's message sequence.
type Streaming struct {
	Active  bool
	Content string
}
