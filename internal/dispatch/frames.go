// ABOUTME: Wire protocol frame kinds and outbound frame encoding
// ABOUTME: Every frame is a JSON object discriminated by its "type" field

package dispatch

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind is the value of a frame's "type" field.
type Kind string

// Outbound kinds.
const (
	KindPing    Kind = "ping"
	KindMessage Kind = "message"
)

// Inbound kinds.
const (
	KindPong               Kind = "pong"
	KindAgentThinking      Kind = "agent_thinking"
	KindAgentResponseStart Kind = "agent_response_start"
	KindAgentResponseChunk Kind = "agent_response_chunk"
	KindAgentResponseEnd   Kind = "agent_response_end"
	KindCodeExecution      Kind = "code_execution"
	KindCodeResult         Kind = "code_result"
	KindFileChange         Kind = "file_change"
	KindAgentError         Kind = "agent_error"
	KindError              Kind = "error"
)

type pingFrame struct {
	Type      Kind  `json:"type"`
	Timestamp int64 `json:"timestamp"`
}

type messageFrame struct {
	Type           Kind   `json:"type"`
	Content        string `json:"content"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// PingFrame encodes a liveness ping stamped with t in Unix milliseconds.
func PingFrame(t time.Time) []byte {
	// A struct of an int64 and a constant string cannot fail to marshal.
	data, _ := json.Marshal(pingFrame{Type: KindPing, Timestamp: t.UnixMilli()})
	return data
}

// MessageFrame encodes a user message for the agent. conversationID may be empty.
func MessageFrame(content, conversationID string) ([]byte, error) {
	data, err := json.Marshal(messageFrame{
		Type:           KindMessage,
		Content:        content,
		ConversationID: conversationID,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding message frame: %w", err)
	}
	return data, nil
}
