// ABOUTME: Tests for the connection manager
// ABOUTME: Covers backoff scheduling, the attempt ceiling, graceful closes, duplicate connects and sends

package connection

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	m        *Manager
	dialer   *fakeDialer
	sched    *fakeScheduler
	listener *recordingListener
	notices  *recordingNotifier
}

func newHarness(t *testing.T, policy Policy) *harness {
	t.Helper()
	h := &harness{
		dialer:   &fakeDialer{},
		sched:    &fakeScheduler{},
		listener: newRecordingListener(),
		notices:  &recordingNotifier{},
	}
	h.m = NewManager(h.dialer, h.listener, Options{
		Policy:    policy,
		Scheduler: h.sched,
		Notices:   h.notices,
	})
	t.Cleanup(h.m.Close)
	return h
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.m.State("sess-1") == want
	}, time.Second, 5*time.Millisecond, "state never became %s", want)
}

func (h *harness) waitPending(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(h.sched.pending()) == n
	}, time.Second, 5*time.Millisecond, "expected %d pending timers", n)
}

func TestConnect_ReportsStatesAndPings(t *testing.T) {
	h := newHarness(t, DefaultPolicy())

	require.NoError(t, h.m.Connect(t.Context(), "sess-1"))

	assert.Equal(t, Connected, h.m.State("sess-1"))
	assert.Equal(t, []stateEvent{
		{"sess-1", Connecting},
		{"sess-1", Connected},
	}, h.listener.stateLog())

	frames := h.dialer.last().frames()
	require.NotEmpty(t, frames)
	assert.Contains(t, string(frames[0]), `"type":"ping"`)
}

func TestConnect_DeliversFramesInOrder(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	require.NoError(t, h.m.Connect(t.Context(), "sess-1"))

	tr := h.dialer.last()
	for _, f := range []string{`{"type":"a"}`, `{"type":"b"}`, `{"type":"c"}`} {
		tr.inbound <- []byte(f)
	}

	require.Eventually(t, func() bool {
		return len(h.listener.framesFor("sess-1")) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{`{"type":"a"}`, `{"type":"b"}`, `{"type":"c"}`}, h.listener.framesFor("sess-1"))
}

func TestDisconnect_InvalidatesDeliveredFrames(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	h.listener.held = make(chan Frame, 4)
	require.NoError(t, h.m.Connect(t.Context(), "sess-1"))

	h.dialer.last().inbound <- []byte(`{"type":"agent_response_chunk"}`)
	var f Frame
	select {
	case f = <-h.listener.held:
	case <-time.After(time.Second):
		t.Fatal("frame not delivered")
	}
	assert.Equal(t, `{"type":"agent_response_chunk"}`, string(f.Data))
	assert.True(t, f.Current())

	h.m.Disconnect("sess-1")
	assert.False(t, f.Current(), "frame from the closed transport is still current")

	// A new connection does not revive it.
	require.NoError(t, h.m.Connect(t.Context(), "sess-1"))
	assert.False(t, f.Current())
}

func TestFrame_ZeroValueIsCurrent(t *testing.T) {
	assert.True(t, Frame{Data: []byte(`{}`)}.Current())
}

func TestConnect_TwiceYieldsOneTransport(t *testing.T) {
	h := newHarness(t, DefaultPolicy())

	require.NoError(t, h.m.Connect(t.Context(), "sess-1"))
	require.NoError(t, h.m.Connect(t.Context(), "sess-1"))

	transports := h.dialer.all()
	require.Len(t, transports, 2)

	closed, code := transports[0].isClosed()
	assert.True(t, closed, "first transport must be closed")
	assert.Equal(t, CodeNormal, code)
	closed, _ = transports[1].isClosed()
	assert.False(t, closed)

	transports[1].inbound <- []byte(`{"type":"pong"}`)
	require.Eventually(t, func() bool {
		return len(h.listener.framesFor("sess-1")) == 1
	}, time.Second, 5*time.Millisecond)

	// Replacing a transport is not a connection loss.
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.sched.pending())
	assert.Len(t, h.listener.framesFor("sess-1"), 1)
	assert.Equal(t, Connected, h.m.State("sess-1"))
}

func TestSend(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	require.NoError(t, h.m.Connect(t.Context(), "sess-1"))

	require.NoError(t, h.m.Send(t.Context(), "sess-1", []byte(`{"type":"message","content":"hi"}`)))

	frames := h.dialer.last().frames()
	assert.Equal(t, `{"type":"message","content":"hi"}`, string(frames[len(frames)-1]))
}

func TestSend_NotConnected(t *testing.T) {
	h := newHarness(t, DefaultPolicy())

	err := h.m.Send(context.Background(), "sess-1", []byte(`{}`))
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, []string{NotConnectedText}, h.notices.all())

	require.NoError(t, h.m.Connect(t.Context(), "sess-1"))
	h.m.Disconnect("sess-1")
	assert.ErrorIs(t, h.m.Send(context.Background(), "sess-1", []byte(`{}`)), ErrNotConnected)
}

func TestDisconnect_NeverReconnects(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	require.NoError(t, h.m.Connect(t.Context(), "sess-1"))
	tr := h.dialer.last()

	h.m.Disconnect("sess-1")

	closed, code := tr.isClosed()
	assert.True(t, closed)
	assert.Equal(t, CodeNormal, code)
	assert.Equal(t, Disconnected, h.m.State("sess-1"))

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.sched.pending())
	assert.Equal(t, 1, h.dialer.dialCount())
}

func TestDisconnect_CancelsPendingReconnect(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	h.dialer.setFail(errors.New("connection refused"))

	require.NoError(t, h.m.Connect(t.Context(), "sess-1"))
	require.Len(t, h.sched.pending(), 1)

	h.m.Disconnect("sess-1")
	assert.Empty(t, h.sched.pending())
	assert.False(t, h.sched.fireNext())
	assert.Equal(t, 1, h.dialer.dialCount())
}

func TestServerGracefulClose_NoReconnect(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	require.NoError(t, h.m.Connect(t.Context(), "sess-1"))

	h.dialer.last().peerClose(CodeNormal)

	h.waitState(t, Disconnected)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.sched.pending())
}

func TestAbnormalClose_Reconnects(t *testing.T) {
	for name, lose := range map[string]func(*fakeTransport){
		"close frame 1011": func(tr *fakeTransport) { tr.peerClose(1011) },
		"network drop":     func(tr *fakeTransport) { tr.drop() },
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, DefaultPolicy())
			require.NoError(t, h.m.Connect(t.Context(), "sess-1"))

			lose(h.dialer.last())
			h.waitPending(t, 1)
			assert.Equal(t, Disconnected, h.m.State("sess-1"))
			assert.Equal(t, []time.Duration{time.Second}, h.sched.delays())

			require.True(t, h.sched.fireNext())
			assert.Equal(t, Connected, h.m.State("sess-1"))
			assert.Equal(t, 2, h.dialer.dialCount())
			assert.Equal(t, 0, h.m.Attempt("sess-1"))
		})
	}
}

func TestBackoff_ScheduleAndCeiling(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	h.dialer.setFail(errors.New("connection refused"))

	require.NoError(t, h.m.Connect(t.Context(), "sess-1"))
	for h.sched.fireNext() {
	}

	assert.Equal(t, []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
	}, h.sched.delays())
	assert.Equal(t, 6, h.dialer.dialCount(), "initial dial plus five reconnects")
	assert.Equal(t, Disconnected, h.m.State("sess-1"))
	assert.Equal(t, []string{"Unable to reconnect after 5 attempts"}, h.notices.all())
}

func TestBackoff_CappedAtMaxDelay(t *testing.T) {
	h := newHarness(t, Policy{BaseDelay: time.Second, MaxDelay: 3 * time.Second, MaxAttempts: 4})
	h.dialer.setFail(errors.New("connection refused"))

	require.NoError(t, h.m.Connect(t.Context(), "sess-1"))
	for h.sched.fireNext() {
	}

	assert.Equal(t, []time.Duration{
		1 * time.Second,
		2 * time.Second,
		3 * time.Second,
		3 * time.Second,
	}, h.sched.delays())
}

func TestReconnect_SuccessResetsAttempts(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	h.dialer.setFail(errors.New("connection refused"))
	require.NoError(t, h.m.Connect(t.Context(), "sess-1"))
	require.True(t, h.sched.fireNext())
	require.Equal(t, 2, h.m.Attempt("sess-1"))

	h.dialer.setFail(nil)
	require.True(t, h.sched.fireNext())
	assert.Equal(t, Connected, h.m.State("sess-1"))
	assert.Equal(t, 0, h.m.Attempt("sess-1"))

	h.dialer.last().drop()
	h.waitPending(t, 1)
	delays := h.sched.delays()
	assert.Equal(t, time.Second, delays[len(delays)-1], "backoff restarts after a successful connect")
}

func TestConnect_ResetsAttemptsAndCancelsTimer(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	h.dialer.setFail(errors.New("connection refused"))
	require.NoError(t, h.m.Connect(t.Context(), "sess-1"))
	require.True(t, h.sched.fireNext())
	require.True(t, h.sched.fireNext())
	require.Len(t, h.sched.pending(), 1)

	h.dialer.setFail(nil)
	require.NoError(t, h.m.Connect(t.Context(), "sess-1"))

	assert.Empty(t, h.sched.pending())
	assert.Equal(t, Connected, h.m.State("sess-1"))
	assert.Equal(t, 0, h.m.Attempt("sess-1"))
}

func TestSessionsAreIndependent(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	require.NoError(t, h.m.Connect(t.Context(), "sess-1"))
	require.NoError(t, h.m.Connect(t.Context(), "sess-2"))

	h.m.Disconnect("sess-1")

	assert.Equal(t, Disconnected, h.m.State("sess-1"))
	assert.Equal(t, Connected, h.m.State("sess-2"))
	require.NoError(t, h.m.Send(t.Context(), "sess-2", []byte(`{}`)))
}

func TestClose(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	require.NoError(t, h.m.Connect(t.Context(), "sess-1"))
	require.NoError(t, h.m.Connect(t.Context(), "sess-2"))

	h.m.Close()
	h.m.Close()

	for _, tr := range h.dialer.all() {
		closed, code := tr.isClosed()
		assert.True(t, closed)
		assert.Equal(t, CodeNormal, code)
	}
	assert.Equal(t, Disconnected, h.m.State("sess-2"))
	assert.ErrorIs(t, h.m.Connect(context.Background(), "sess-1"), ErrManagerClosed)
	assert.Empty(t, h.sched.pending())
}

func TestCloseCode(t *testing.T) {
	assert.Equal(t, CodeNormal, CloseCode(&CloseError{Code: CodeNormal}))
	assert.Equal(t, 1011, CloseCode(fmtWrap(&CloseError{Code: 1011})))
	assert.Equal(t, CodeAbnormal, CloseCode(errors.New("EOF")))
}

func fmtWrap(err error) error {
	return errors.Join(errors.New("read failed"), err)
}
