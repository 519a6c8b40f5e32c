// ABOUTME: Renders store changes and notices for one session to the terminal
// ABOUTME: Streaming content is printed incrementally and reconciled with the committed message

package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/2389/replica-console/internal/activity"
	"github.com/2389/replica-console/internal/notice"
	"github.com/2389/replica-console/internal/store"
)

var (
	assistantColor = color.New(color.FgCyan, color.Bold)
	systemColor    = color.New(color.FgMagenta)
	userColor      = color.New(color.FgGreen, color.Bold)
	dimColor       = color.New(color.FgHiBlack)
)

type renderer struct {
	st        *store.Store
	sessionID string
	out       io.Writer

	// streamed is what has been printed of the in-flight response.
	streamed string
}

func newRenderer(st *store.Store, sessionID string, out io.Writer) *renderer {
	return &renderer{st: st, sessionID: sessionID, out: out}
}

// run prints until ctx is done or both channels are closed.
func (r *renderer) run(ctx context.Context, changes <-chan store.Change, notices <-chan notice.Notice) {
	for changes != nil || notices != nil {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			r.change(c)
		case n, ok := <-notices:
			if !ok {
				notices = nil
				continue
			}
			if n.SessionID == r.sessionID || n.SessionID == "" {
				r.notice(n)
			}
		}
	}
}

func (r *renderer) change(c store.Change) {
	switch c.Kind {
	case store.ChangeStreaming:
		r.streaming(r.st.Streaming(r.sessionID))
	case store.ChangeMessage:
		if msg, ok := findMessage(r.st.Messages(c.ConversationID), c.MessageID); ok {
			r.committed(msg)
		}
	case store.ChangeActivity:
		switch activity.State(r.st.Activity(r.sessionID)) {
		case activity.Thinking:
			dimColor.Fprintln(r.out, "  thinking...")
		case activity.Executing:
			dimColor.Fprintln(r.out, "  executing...")
		}
	case store.ChangeConnectionState:
		switch r.st.ConnectionState(r.sessionID) {
		case store.ConnectionConnected:
			color.New(color.FgGreen).Fprintln(r.out, "● connected")
		case store.ConnectionConnecting:
			color.New(color.FgYellow).Fprintln(r.out, "○ connecting")
		case store.ConnectionDisconnected:
			color.New(color.FgRed).Fprintln(r.out, "○ disconnected")
		}
	}
}

func (r *renderer) streaming(s store.Streaming) {
	if !s.Active {
		return
	}
	// A new response that does not extend what was printed starts on its own line.
	if r.streamed != "" && !strings.HasPrefix(s.Content, r.streamed) {
		fmt.Fprintln(r.out)
		r.streamed = ""
	}
	if len(s.Content) <= len(r.streamed) {
		return
	}
	if r.streamed == "" {
		assistantColor.Fprint(r.out, "assistant: ")
	}
	fmt.Fprint(r.out, s.Content[len(r.streamed):])
	r.streamed = s.Content
}

func (r *renderer) committed(msg store.Message) {
	if msg.Role == store.RoleUser {
		return
	}
	defer func() { r.streamed = "" }()

	if msg.Role == store.RoleAssistant && r.streamed != "" {
		if strings.HasPrefix(msg.Content, r.streamed) {
			fmt.Fprintln(r.out, msg.Content[len(r.streamed):])
			return
		}
		// The final text replaced what was streamed.
		fmt.Fprintln(r.out)
	}
	printMessage(r.out, msg)
}

func (r *renderer) notice(n notice.Notice) {
	switch n.Level {
	case notice.LevelSuccess:
		color.New(color.FgGreen).Fprintf(r.out, "✓ %s\n", n.Text)
	case notice.LevelWarning:
		color.New(color.FgYellow).Fprintf(r.out, "! %s\n", n.Text)
	case notice.LevelError:
		color.New(color.FgRed, color.Bold).Fprintf(r.out, "✗ %s\n", n.Text)
	default:
		color.New(color.FgCyan).Fprintf(r.out, "· %s\n", n.Text)
	}
}

func printMessage(out io.Writer, msg store.Message) {
	switch msg.Role {
	case store.RoleUser:
		userColor.Fprint(out, "you: ")
	case store.RoleAssistant:
		assistantColor.Fprint(out, "assistant: ")
	default:
		systemColor.Fprint(out, string(msg.Role)+": ")
	}
	fmt.Fprintln(out, msg.Content)
}

// printTranscript prints the last limit messages of the session's current conversation.
func printTranscript(out io.Writer, st *store.Store, sessionID string, limit int) {
	conv, ok := st.CurrentConversation(sessionID)
	if !ok {
		return
	}
	msgs := st.Messages(conv.ID)
	if len(msgs) == 0 {
		return
	}
	if limit > 0 && len(msgs) > limit {
		dimColor.Fprintf(out, "  ... %d earlier messages\n", len(msgs)-limit)
		msgs = msgs[len(msgs)-limit:]
	}
	for _, m := range msgs {
		printMessage(out, m)
	}
	fmt.Fprintln(out)
}

func findMessage(msgs []store.Message, id string) (store.Message, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].ID == id {
			return msgs[i], true
		}
	}
	return store.Message{}, false
}
