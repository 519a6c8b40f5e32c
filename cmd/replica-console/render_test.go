// ABOUTME: Tests for terminal rendering of streaming and committed messages
// ABOUTME: Color is disabled so output can be compared as plain text

package main

import (
	"bytes"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/replica-console/internal/notice"
	"github.com/2389/replica-console/internal/store"
)

func newRenderFixture(t *testing.T) (*renderer, *store.Store, *bytes.Buffer, string) {
	t.Helper()
	color.NoColor = true

	st := store.New(nil, nil)
	t.Cleanup(st.Close)
	require.NoError(t, st.PutSession(store.Session{ID: "sess-1"}))
	conv, err := st.EnsureConversation("sess-1", "")
	require.NoError(t, err)

	var buf bytes.Buffer
	return newRenderer(st, "sess-1", &buf), st, &buf, conv.ID
}

func pushStreaming(r *renderer, st *store.Store, content string) {
	st.SetStreaming(r.sessionID, store.Streaming{Active: true, Content: content})
	r.change(store.Change{Kind: store.ChangeStreaming, SessionID: r.sessionID})
}

func commitReply(t *testing.T, r *renderer, st *store.Store, convID, content string) {
	t.Helper()
	st.SetStreaming(r.sessionID, store.Streaming{})
	msg, err := st.AppendMessage(store.Message{ConversationID: convID, Role: store.RoleAssistant, Content: content})
	require.NoError(t, err)
	r.change(store.Change{Kind: store.ChangeMessage, SessionID: r.sessionID, ConversationID: convID, MessageID: msg.ID})
}

func TestRenderer_StreamsIncrementally(t *testing.T) {
	r, st, buf, convID := newRenderFixture(t)

	pushStreaming(r, st, "Hel")
	pushStreaming(r, st, "Hello, ")
	pushStreaming(r, st, "Hello, world")
	commitReply(t, r, st, convID, "Hello, world")

	assert.Equal(t, "assistant: Hello, world\n", buf.String())
}

func TestRenderer_OverrideReprintsMessage(t *testing.T) {
	r, st, buf, convID := newRenderFixture(t)

	pushStreaming(r, st, "draft")
	commitReply(t, r, st, convID, "final answer")

	assert.Equal(t, "assistant: draft\nassistant: final answer\n", buf.String())
}

func TestRenderer_UnstreamedMessagePrintedWhole(t *testing.T) {
	r, st, buf, convID := newRenderFixture(t)

	commitReply(t, r, st, convID, "synced reply")

	assert.Equal(t, "assistant: synced reply\n", buf.String())
}

func TestRenderer_UserMessagesNotEchoed(t *testing.T) {
	r, st, buf, convID := newRenderFixture(t)

	msg, err := st.AppendMessage(store.Message{ConversationID: convID, Role: store.RoleUser, Content: "typed"})
	require.NoError(t, err)
	r.change(store.Change{Kind: store.ChangeMessage, SessionID: "sess-1", ConversationID: convID, MessageID: msg.ID})

	assert.Empty(t, buf.String())
}

func TestRenderer_Notices(t *testing.T) {
	r, _, buf, _ := newRenderFixture(t)

	r.notice(notice.Notice{SessionID: "sess-1", Level: notice.LevelError, Text: "Agent error"})
	r.notice(notice.Notice{SessionID: "sess-1", Level: notice.LevelSuccess, Text: "Code executed successfully"})

	assert.Equal(t, "✗ Agent error\n✓ Code executed successfully\n", buf.String())
}
