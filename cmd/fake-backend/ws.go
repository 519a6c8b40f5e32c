// ABOUTME: Agent websocket of the fake backend: echoes each message back as a streamed response
// ABOUTME: Content prefixes /error, /run and /drop exercise the error, code execution and reconnect paths

package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/2389/replica-console/internal/backend"
)

func (b *fakeBackend) handleSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		b.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	b.mu.Lock()
	b.sockets[conn] = struct{}{}
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.sockets, conn)
		b.mu.Unlock()
	}()

	b.ensureSession(sessionID)
	b.logger.Info("agent socket connected", "session_id", sessionID)

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			b.logger.Info("agent socket closed", "session_id", sessionID, "status", websocket.CloseStatus(err))
			return
		}
		b.logger.Debug("frame received", "session_id", sessionID, "frame", string(data))

		if !gjson.ValidBytes(data) {
			_ = b.send(ctx, conn, map[string]any{"type": "error", "message": "Invalid JSON"})
			continue
		}
		frame := gjson.ParseBytes(data)

		switch kind := frame.Get("type").String(); kind {
		case "ping":
			_ = b.send(ctx, conn, map[string]any{"type": "pong", "timestamp": frame.Get("timestamp").Value()})
		case "message", "":
			content := frame.Get("content").String()
			if strings.TrimSpace(content) == "" {
				continue
			}
			if done := b.respond(ctx, conn, sessionID, frame.Get("conversation_id").String(), content); done {
				return
			}
		default:
			_ = b.send(ctx, conn, map[string]any{"type": "error", "message": "Unknown message type: " + kind})
		}
	}
}

// respond plays one agent turn. It reports true when the socket was closed.
func (b *fakeBackend) respond(ctx context.Context, conn *websocket.Conn, sessionID, conversationID, content string) bool {
	conv, err := b.createConversation(sessionID, conversationID, "")
	if err != nil {
		_ = b.send(ctx, conn, map[string]any{"type": "error", "message": err.Error()})
		return false
	}
	b.addMessage(conv.ID, "user", content)

	switch {
	case strings.HasPrefix(content, "/drop"):
		_ = conn.Close(websocket.StatusInternalError, "dropped on request")
		return true

	case strings.HasPrefix(content, "/error"):
		msg := strings.TrimSpace(strings.TrimPrefix(content, "/error"))
		if msg == "" {
			msg = "The agent failed on purpose"
		}
		_ = b.send(ctx, conn, map[string]any{"type": "agent_error", "session_id": sessionID, "message": msg})
		return false
	}

	_ = b.send(ctx, conn, map[string]any{"type": "agent_thinking", "session_id": sessionID})
	b.pause(ctx)

	if code, ok := strings.CutPrefix(content, "/run "); ok {
		_ = b.send(ctx, conn, map[string]any{"type": "code_execution", "session_id": sessionID, "language": "python", "code": code})
		b.pause(ctx)
		_ = b.send(ctx, conn, map[string]any{"type": "code_result", "session_id": sessionID, "success": true, "output": code + "\n"})
		_ = b.send(ctx, conn, map[string]any{"type": "file_change", "session_id": sessionID, "action": "modified", "path": "main.py"})
	}

	reply := echoReply(content)
	_ = b.send(ctx, conn, map[string]any{"type": "agent_response_start", "session_id": sessionID, "conversation_id": conv.ID})
	for _, chunk := range strings.SplitAfter(reply, " ") {
		b.pause(ctx)
		if err := b.send(ctx, conn, map[string]any{"type": "agent_response_chunk", "session_id": sessionID, "content": chunk}); err != nil {
			return false
		}
	}
	b.addMessage(conv.ID, "assistant", reply)
	_ = b.send(ctx, conn, map[string]any{
		"type":            "agent_response_end",
		"session_id":      sessionID,
		"conversation_id": conv.ID,
		"full_response":   reply,
	})
	return false
}

func (b *fakeBackend) send(ctx context.Context, conn *websocket.Conn, frame map[string]any) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, frame); err != nil {
		b.logger.Debug("frame write failed", "type", frame["type"], "error", err)
		return err
	}
	return nil
}

func (b *fakeBackend) pause(ctx context.Context) {
	select {
	case <-time.After(b.chunkDelay):
	case <-ctx.Done():
	}
}

// ensureSession registers a session the socket was opened for, so clients
// that never called the REST API still get conversations recorded.
func (b *fakeBackend) ensureSession(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.sessions[id]; ok {
		return
	}
	now := backend.Timestamp{Time: time.Now().UTC()}
	b.sessions[id] = &backend.Session{
		ID:            id,
		Status:        "active",
		LLMProvider:   "fake",
		LLMModel:      "echo",
		WorkspacePath: "./workspaces/" + id,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	b.sessionOrder = append(b.sessionOrder, id)
}

func (b *fakeBackend) closeSockets() {
	b.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(b.sockets))
	for c := range b.sockets {
		conns = append(conns, c)
	}
	b.mu.Unlock()
	for _, c := range conns {
		_ = c.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

func echoReply(input string) string {
	lower := strings.ToLower(input)
	if strings.Contains(lower, "markdown") || strings.Contains(lower, "list") {
		return "Here is a **markdown** response:\n\n- First item\n- Second item with `code`\n- Third item\n"
	}
	return fmt.Sprintf("Echo: %s (id %s)", input, uuid.New().String()[:8])
}
