// ABOUTME: WebSocket Dialer and Transport built on github.com/coder/websocket
// ABOUTME: Maps close frames to CloseError and bounds every write with a timeout

package connection

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
)

const (
	defaultWriteTimeout = 10 * time.Second
	defaultReadLimit    = 1 << 20
)

// WebSocketDialer dials <base>/ws/<session_id>.
type WebSocketDialer struct {
	// BaseURL is the backend's HTTP(S) or WS(S) base URL.
	BaseURL string

	WriteTimeout time.Duration
	ReadLimit    int64
	HTTPClient   *http.Client
}

// Dial opens a websocket for sessionID. Failures wrap ErrTransportConstruction.
func (d *WebSocketDialer) Dial(ctx context.Context, sessionID string) (Transport, error) {
	u, err := WebSocketURL(d.BaseURL, sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransportConstruction, err)
	}

	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPClient: d.HTTPClient})
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %s: %w", ErrTransportConstruction, u, err)
	}

	limit := d.ReadLimit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	conn.SetReadLimit(limit)

	timeout := d.WriteTimeout
	if timeout <= 0 {
		timeout = defaultWriteTimeout
	}
	return &wsTransport{conn: conn, writeTimeout: timeout}, nil
}

// WebSocketURL derives the websocket endpoint for a session from a base URL:
// http becomes ws, https becomes wss, and /ws/<session_id> is appended.
func WebSocketURL(base, sessionID string) (string, error) {
	if sessionID == "" {
		return "", errors.New("session id is required")
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parsing base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported base url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/" + sessionID
	u.RawPath = ""
	return u.String(), nil
}

type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	if err != nil {
		var ce websocket.CloseError
		if errors.As(err, &ce) {
			return nil, &CloseError{Code: int(ce.Code), Reason: ce.Reason}
		}
		return nil, err
	}
	return data, nil
}

func (t *wsTransport) Write(ctx context.Context, frame []byte) error {
	ctx, cancel := context.WithTimeout(ctx, t.writeTimeout)
	defer cancel()
	return t.conn.Write(ctx, websocket.MessageText, frame)
}

func (t *wsTransport) Close(code int, reason string) error {
	return t.conn.Close(websocket.StatusCode(code), reason)
}
