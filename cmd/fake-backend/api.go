// ABOUTME: In-memory REST API of the fake backend under /api/v1
// ABOUTME: Sessions, conversations and messages; runtime endpoints answer with fixed results

package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/2389/replica-console/internal/backend"
)

type fakeBackend struct {
	mu            sync.Mutex
	sessions      map[string]*backend.Session
	sessionOrder  []string
	conversations map[string]*backend.Conversation
	convOrder     []string
	messages      map[string][]backend.Message
	sockets       map[*websocket.Conn]struct{}

	chunkDelay time.Duration
	logger     *slog.Logger
}

func newFakeBackend(chunkDelay time.Duration, logger *slog.Logger) *fakeBackend {
	return &fakeBackend{
		sessions:      make(map[string]*backend.Session),
		conversations: make(map[string]*backend.Conversation),
		messages:      make(map[string][]backend.Message),
		sockets:       make(map[*websocket.Conn]struct{}),
		chunkDelay:    chunkDelay,
		logger:        logger,
	}
}

func (b *fakeBackend) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/{session_id}", b.handleSocket)

	mux.HandleFunc("POST /api/v1/sessions/{$}", b.handleCreateSession)
	mux.HandleFunc("GET /api/v1/sessions/{$}", b.handleListSessions)
	mux.HandleFunc("GET /api/v1/sessions/{id}", b.handleGetSession)
	mux.HandleFunc("PATCH /api/v1/sessions/{id}", b.handleUpdateSession)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", b.handleDeleteSession)

	mux.HandleFunc("POST /api/v1/conversations/{session_id}", b.handleCreateConversation)
	mux.HandleFunc("GET /api/v1/conversations/{session_id}", b.handleListConversations)
	mux.HandleFunc("GET /api/v1/conversations/{id}/messages", b.handleListMessages)
	mux.HandleFunc("POST /api/v1/conversations/{id}/messages", b.handleAddMessage)

	mux.HandleFunc("GET /api/v1/runtime/{session_id}/files", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []string{})
	})
	mux.HandleFunc("POST /api/v1/runtime/{session_id}/execute", func(w http.ResponseWriter, r *http.Request) {
		var req backend.ExecuteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeDetail(w, http.StatusBadRequest, "invalid body")
			return
		}
		writeJSON(w, http.StatusOK, backend.ExecuteResult{
			Output:   "fake-backend does not execute code\n",
			ExitCode: 1,
			Language: req.Language,
		})
	})
	return mux
}

func (b *fakeBackend) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req backend.CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid body")
		return
	}
	now := backend.Timestamp{Time: time.Now().UTC()}
	sess := &backend.Session{
		ID:          uuid.New().String(),
		Title:       req.Title,
		Description: req.Description,
		Status:      "active",
		LLMProvider: orDefault(req.LLMProvider, "fake"),
		LLMModel:    orDefault(req.LLMModel, "echo"),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	sess.WorkspacePath = "./workspaces/" + sess.ID

	b.mu.Lock()
	b.sessions[sess.ID] = sess
	b.sessionOrder = append(b.sessionOrder, sess.ID)
	b.mu.Unlock()

	b.logger.Info("session created", "session_id", sess.ID)
	writeJSON(w, http.StatusOK, sess)
}

func (b *fakeBackend) handleListSessions(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	out := make([]backend.Session, 0, len(b.sessionOrder))
	for _, id := range b.sessionOrder {
		out = append(out, *b.sessions[id])
	}
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (b *fakeBackend) handleGetSession(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	sess, ok := b.sessions[r.PathValue("id")]
	var out backend.Session
	if ok {
		out = *sess
	}
	b.mu.Unlock()
	if !ok {
		writeDetail(w, http.StatusNotFound, "Session not found")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (b *fakeBackend) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	var req backend.UpdateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid body")
		return
	}

	b.mu.Lock()
	sess, ok := b.sessions[r.PathValue("id")]
	var out backend.Session
	if ok {
		if req.Title != nil {
			sess.Title = *req.Title
		}
		if req.Description != nil {
			sess.Description = *req.Description
		}
		if req.Status != nil {
			sess.Status = *req.Status
		}
		sess.UpdatedAt = backend.Timestamp{Time: time.Now().UTC()}
		out = *sess
	}
	b.mu.Unlock()

	if !ok {
		writeDetail(w, http.StatusNotFound, "Session not found")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (b *fakeBackend) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	b.mu.Lock()
	_, ok := b.sessions[id]
	delete(b.sessions, id)
	for i, sid := range b.sessionOrder {
		if sid == id {
			b.sessionOrder = append(b.sessionOrder[:i], b.sessionOrder[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	if !ok {
		writeDetail(w, http.StatusNotFound, "Session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (b *fakeBackend) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	conv, err := b.createConversation(r.PathValue("session_id"), "", body.Title)
	if err != nil {
		writeDetail(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (b *fakeBackend) handleListConversations(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	b.mu.Lock()
	_, ok := b.sessions[sessionID]
	out := []backend.Conversation{}
	for _, id := range b.convOrder {
		if c := b.conversations[id]; c.SessionID == sessionID {
			out = append(out, *c)
		}
	}
	b.mu.Unlock()
	if !ok {
		writeDetail(w, http.StatusNotFound, "Session not found")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (b *fakeBackend) handleListMessages(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	_, ok := b.conversations[r.PathValue("id")]
	out := append([]backend.Message{}, b.messages[r.PathValue("id")]...)
	b.mu.Unlock()
	if !ok {
		writeDetail(w, http.StatusNotFound, "Conversation not found")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (b *fakeBackend) handleAddMessage(w http.ResponseWriter, r *http.Request) {
	var req backend.AddMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid body")
		return
	}
	msg, ok := b.addMessage(r.PathValue("id"), req.Role, req.Content)
	if !ok {
		writeDetail(w, http.StatusNotFound, "Conversation not found")
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

type errUnknownSession string

func (e errUnknownSession) Error() string { return "Session not found: " + string(e) }

// createConversation registers a conversation. An empty id gets a fresh one.
func (b *fakeBackend) createConversation(sessionID, id, title string) (backend.Conversation, error) {
	if id == "" {
		id = uuid.New().String()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.sessions[sessionID]; !ok {
		return backend.Conversation{}, errUnknownSession(sessionID)
	}
	if existing, ok := b.conversations[id]; ok {
		return *existing, nil
	}
	conv := &backend.Conversation{
		ID:        id,
		SessionID: sessionID,
		Title:     title,
		Status:    "active",
		AgentType: "code",
		CreatedAt: backend.Timestamp{Time: time.Now().UTC()},
	}
	b.conversations[id] = conv
	b.convOrder = append(b.convOrder, id)
	return *conv, nil
}

func (b *fakeBackend) addMessage(conversationID, role, content string) (backend.Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.conversations[conversationID]; !ok {
		return backend.Message{}, false
	}
	msg := backend.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		MessageType:    "text",
		CreatedAt:      backend.Timestamp{Time: time.Now().UTC()},
	}
	b.messages[conversationID] = append(b.messages[conversationID], msg)
	return msg, true
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
