// ABOUTME: HTTP client for the backend's REST collaborators under /api/v1
// ABOUTME: Sessions, conversations, messages, workspace files and code execution

package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound is returned when the backend answers 404.
var ErrNotFound = errors.New("not found")

// StatusError is returned for any other non-2xx answer.
type StatusError struct {
	StatusCode int
	Detail     string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("backend returned %d", e.StatusCode)
	}
	return fmt.Sprintf("backend returned %d: %s", e.StatusCode, e.Detail)
}

const apiPrefix = "/api/v1"

// Client talks to one backend.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// New creates a Client for baseURL (scheme and host, no /api/v1).
// A nil httpClient gets a client with a 30s timeout.
func New(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    httpClient,
		logger:  logger.With("component", "backend"),
	}
}

// CreateSession creates a session and its workspace.
func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (*Session, error) {
	var out Session
	if err := c.do(ctx, http.MethodPost, "/sessions/", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListSessions returns every session.
func (c *Client) ListSessions(ctx context.Context) ([]Session, error) {
	var out []Session
	if err := c.do(ctx, http.MethodGet, "/sessions/", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetSession returns a session by ID.
func (c *Client) GetSession(ctx context.Context, id string) (*Session, error) {
	var out Session
	if err := c.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateSession applies a partial update.
func (c *Client) UpdateSession(ctx context.Context, id string, req UpdateSessionRequest) (*Session, error) {
	var out Session
	if err := c.do(ctx, http.MethodPatch, "/sessions/"+url.PathEscape(id), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteSession deletes a session.
func (c *Client) DeleteSession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/sessions/"+url.PathEscape(id), nil, nil)
}

// CreateConversation starts a conversation in a session.
func (c *Client) CreateConversation(ctx context.Context, sessionID, title string) (*Conversation, error) {
	body := map[string]string{"title": title}
	var out Conversation
	if err := c.do(ctx, http.MethodPost, "/conversations/"+url.PathEscape(sessionID), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListConversations returns a session's conversations.
func (c *Client) ListConversations(ctx context.Context, sessionID string) ([]Conversation, error) {
	var out []Conversation
	if err := c.do(ctx, http.MethodGet, "/conversations/"+url.PathEscape(sessionID), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListMessages returns up to limit messages of a conversation. limit <= 0 uses the backend default.
func (c *Client) ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []Message
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AddMessage appends a message to a conversation.
func (c *Client) AddMessage(ctx context.Context, conversationID string, req AddMessageRequest) (*Message, error) {
	var out Message
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.do(ctx, http.MethodPost, path, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListFiles lists a directory of the session's workspace. An empty dir lists the root.
func (c *Client) ListFiles(ctx context.Context, sessionID, dir string) ([]string, error) {
	path := "/runtime/" + url.PathEscape(sessionID) + "/files"
	if dir != "" {
		path += "?directory=" + url.QueryEscape(dir)
	}
	var out []string
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ReadFile reads a workspace file.
func (c *Client) ReadFile(ctx context.Context, sessionID, filePath string) (*FileContent, error) {
	var out FileContent
	path := "/runtime/" + url.PathEscape(sessionID) + "/files/" + escapePath(filePath)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Execute runs code in the session's sandbox.
func (c *Client) Execute(ctx context.Context, sessionID string, req ExecuteRequest) (*ExecuteResult, error) {
	var out ExecuteResult
	if err := c.do(ctx, http.MethodPost, "/runtime/"+url.PathEscape(sessionID)+"/execute", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do sends a JSON request and decodes a JSON response into out (if non-nil).
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+apiPrefix+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("backend request", "method", method, "path", path, "status", resp.StatusCode)

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s %s: %w", method, path, ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{StatusCode: resp.StatusCode, Detail: readDetail(resp.Body)}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// readDetail extracts FastAPI-style {"detail": "..."} error bodies, falling
// back to the raw text.
func readDetail(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return ""
	}
	var body struct {
		Detail any `json:"detail"`
	}
	if json.Unmarshal(data, &body) == nil && body.Detail != nil {
		if s, ok := body.Detail.(string); ok {
			return s
		}
		encoded, _ := json.Marshal(body.Detail)
		return string(encoded)
	}
	return strings.TrimSpace(string(data))
}

func escapePath(p string) string {
	parts := strings.Split(strings.TrimPrefix(p, "/"), "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}
