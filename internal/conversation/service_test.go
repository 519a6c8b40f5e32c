// ABOUTME: Tests for the conversation Service
// ABOUTME: Drives whole sessions through a scripted transport and a real websocket backend

package conversation

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/2389/replica-console/internal/activity"
	"github.com/2389/replica-console/internal/connection"
	"github.com/2389/replica-console/internal/notice"
	"github.com/2389/replica-console/internal/store"
)

// scriptedTransport lets a test push inbound frames and inspect outbound ones.
type scriptedTransport struct {
	inbound chan []byte
	done    chan struct{}

	mu      sync.Mutex
	written []string
	closed  bool
	code    int
}

func newScriptedTransport() *scriptedTransport {
	return &scriptedTransport{inbound: make(chan []byte, 32), done: make(chan struct{})}
}

func (t *scriptedTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case f := <-t.inbound:
		return f, nil
	case <-t.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		return nil, &connection.CloseError{Code: t.code}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *scriptedTransport) Write(_ context.Context, frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.written = append(t.written, string(frame))
	return nil
}

func (t *scriptedTransport) Close(code int, _ string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		t.code = code
		close(t.done)
	}
	return nil
}

func (t *scriptedTransport) sent() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.written...)
}

type scriptedDialer struct {
	mu   sync.Mutex
	last *scriptedTransport
	fail bool
}

func (d *scriptedDialer) Dial(context.Context, string) (connection.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return nil, errors.New("connection refused")
	}
	d.last = newScriptedTransport()
	return d.last, nil
}

func (d *scriptedDialer) transport() *scriptedTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

// manualScheduler never fires on its own.
type manualScheduler struct{}

type noTimer struct{}

func (noTimer) Stop() bool { return true }

func (manualScheduler) AfterFunc(time.Duration, func()) connection.Timer { return noTimer{} }

type fixture struct {
	svc     *Service
	store   *store.Store
	dialer  *scriptedDialer
	notices *notice.Center
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.New(nil, nil)
	t.Cleanup(st.Close)
	notices := notice.New(0, nil)
	t.Cleanup(notices.Close)

	dialer := &scriptedDialer{}
	svc := New(st, dialer, Options{Scheduler: manualScheduler{}, Notices: notices})
	t.Cleanup(svc.Shutdown)

	return &fixture{svc: svc, store: st, dialer: dialer, notices: notices}
}

func (f *fixture) push(frames ...string) {
	tr := f.dialer.transport()
	for _, fr := range frames {
		tr.inbound <- []byte(fr)
	}
}

func TestOpen_RegistersSessionAndConnects(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.svc.Open(t.Context(), "sess-1"))

	_, err := f.store.Session("sess-1")
	require.NoError(t, err)
	assert.Equal(t, store.ConnectionConnected, f.store.ConnectionState("sess-1"))
	assert.Equal(t, "idle", f.store.Activity("sess-1"))

	sent := f.dialer.transport().sent()
	require.NotEmpty(t, sent)
	assert.Equal(t, "ping", gjson.Get(sent[0], "type").String())
}

func TestSendMessage_RecordsThenSends(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.Open(t.Context(), "sess-1"))

	msg, err := f.svc.SendMessage(t.Context(), "sess-1", "write a parser")
	require.NoError(t, err)

	conv, ok := f.store.CurrentConversation("sess-1")
	require.True(t, ok, "first message creates a conversation")
	assert.Equal(t, conv.ID, msg.ConversationID)

	msgs := f.store.Messages(conv.ID)
	require.Len(t, msgs, 1)
	assert.Equal(t, store.RoleUser, msgs[0].Role)

	sent := f.dialer.transport().sent()
	last := sent[len(sent)-1]
	assert.Equal(t, "message", gjson.Get(last, "type").String())
	assert.Equal(t, "write a parser", gjson.Get(last, "content").String())
	assert.Equal(t, conv.ID, gjson.Get(last, "conversation_id").String())

	assert.Equal(t, activity.Thinking, f.svc.Activity("sess-1"))
}

func TestSendMessage_Validation(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.SendMessage(t.Context(), "sess-1", "hello")
	assert.ErrorIs(t, err, ErrSessionNotOpen)

	require.NoError(t, f.svc.Open(t.Context(), "sess-1"))
	_, err = f.svc.SendMessage(t.Context(), "sess-1", "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestSendMessage_NotConnected(t *testing.T) {
	f := newFixture(t)
	notices := f.notices.Subscribe(t.Context())
	require.NoError(t, f.svc.Open(t.Context(), "sess-1"))
	f.svc.Close("sess-1")

	msg, err := f.svc.SendMessage(t.Context(), "sess-1", "are you there?")
	assert.ErrorIs(t, err, connection.ErrNotConnected)
	assert.Equal(t, "are you there?", msg.Content)
	assert.Equal(t, activity.Idle, f.svc.Activity("sess-1"))
	assert.Equal(t, "idle", f.store.Activity("sess-1"))

	conv, ok := f.store.CurrentConversation("sess-1")
	require.True(t, ok)
	assert.Empty(t, f.store.Messages(conv.ID), "unsent message is withdrawn")

	select {
	case n := <-notices:
		assert.Equal(t, connection.NotConnectedText, n.Text)
		assert.Equal(t, notice.LevelWarning, n.Level)
	case <-time.After(time.Second):
		t.Fatal("no notice raised")
	}
}

func TestSendMessage_RetryAfterReconnectRecordsOnce(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.Open(t.Context(), "sess-1"))
	f.svc.Close("sess-1")

	_, err := f.svc.SendMessage(t.Context(), "sess-1", "second try")
	require.ErrorIs(t, err, connection.ErrNotConnected)

	require.NoError(t, f.svc.Open(t.Context(), "sess-1"))
	_, err = f.svc.SendMessage(t.Context(), "sess-1", "second try")
	require.NoError(t, err)

	conv, ok := f.store.CurrentConversation("sess-1")
	require.True(t, ok)
	msgs := f.store.Messages(conv.ID)
	require.Len(t, msgs, 1)
	assert.Equal(t, "second try", msgs[0].Content)
	assert.Equal(t, activity.Thinking, f.svc.Activity("sess-1"))
}

func TestResponseCycle(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.Open(t.Context(), "sess-1"))
	_, err := f.svc.SendMessage(t.Context(), "sess-1", "greet me")
	require.NoError(t, err)
	conv, _ := f.store.CurrentConversation("sess-1")

	f.push(
		`{"type":"agent_response_start","session_id":"sess-1"}`,
		`{"type":"agent_response_chunk","content":"Hel"}`,
		`{"type":"agent_response_chunk","content":"lo"}`,
	)
	require.Eventually(t, func() bool {
		return f.store.Streaming("sess-1").Content == "Hello"
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "responding", f.store.Activity("sess-1"))
	assert.Len(t, f.store.Messages(conv.ID), 1, "streaming text is not a message")

	f.push(`{"type":"agent_response_end","full_response":"Hello, world"}`)
	require.Eventually(t, func() bool {
		return len(f.store.Messages(conv.ID)) == 2
	}, time.Second, 5*time.Millisecond)

	msgs := f.store.Messages(conv.ID)
	assert.Equal(t, store.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hello, world", msgs[1].Content)
	assert.Equal(t, "idle", f.store.Activity("sess-1"))
	assert.False(t, f.store.Streaming("sess-1").Active)
}

func TestConnectionLoss_ResetsActivityAndStream(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.Open(t.Context(), "sess-1"))

	f.push(
		`{"type":"agent_response_start"}`,
		`{"type":"agent_response_chunk","content":"partial"}`,
	)
	require.Eventually(t, func() bool {
		return f.store.Streaming("sess-1").Content == "partial"
	}, time.Second, 5*time.Millisecond)

	_ = f.dialer.transport().Close(1011, "server restarting")

	require.Eventually(t, func() bool {
		return f.store.ConnectionState("sess-1") == store.ConnectionDisconnected
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "idle", f.store.Activity("sess-1"))
	assert.Equal(t, store.Streaming{}, f.store.Streaming("sess-1"))
}

func TestOpen_DialFailureIsNotAnError(t *testing.T) {
	f := newFixture(t)
	f.dialer.fail = true

	require.NoError(t, f.svc.Open(t.Context(), "sess-1"))
	assert.Equal(t, connection.Disconnected, f.svc.ConnectionState("sess-1"))
}

// backendServer speaks the realtime protocol: ping -> pong, message -> a
// streamed echo of the content.
func backendServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/{session_id}", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			frame := gjson.ParseBytes(data)
			switch frame.Get("type").String() {
			case "ping":
				_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"pong","timestamp":`+frame.Get("timestamp").Raw+`}`))
			case "message":
				content := frame.Get("content").String()
				_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"agent_response_start"}`))
				for _, word := range []string{"echo: ", content} {
					_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"agent_response_chunk","content":"`+word+`"}`))
				}
				_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"agent_response_end"}`))
			}
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestService_EndToEndOverWebSocket(t *testing.T) {
	srv := backendServer(t)
	st := store.New(nil, nil)
	defer st.Close()

	svc := New(st, &connection.WebSocketDialer{BaseURL: srv.URL}, Options{})
	defer svc.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Open(ctx, "sess-e2e"))

	changes, _ := st.Subscribe(ctx, "sess-e2e")
	_, err := svc.SendMessage(ctx, "sess-e2e", "hi there")
	require.NoError(t, err)

	conv, ok := st.CurrentConversation("sess-e2e")
	require.True(t, ok)

	for len(st.Messages(conv.ID)) < 2 {
		select {
		case <-changes:
		case <-ctx.Done():
			t.Fatal("assistant response never committed")
		}
	}

	msgs := st.Messages(conv.ID)
	assert.Equal(t, "hi there", msgs[0].Content)
	assert.Equal(t, "echo: hi there", msgs[1].Content)

	svc.Close("sess-e2e")
	assert.Equal(t, connection.Disconnected, svc.ConnectionState("sess-e2e"))
}
