// Package store holds the conversation state shared by the realtime core.
//
// # Architecture
//
// Store is the single source of truth for sessions, conversations and
// committed messages, plus the transient per-session values the front end
// renders next to them:
//
//   - ConnectionState: disconnected, connecting or connected
//   - Activity: the agent activity state (idle, thinking, ...)
//   - Streaming: the not-yet-committed content of an in-flight response
//
// All mutation goes through named operations (PutSession, AppendMessage,
// SetStreaming, ...). Reads return copies, and message slices are
// copy-on-write, so a slice handed out earlier never changes underneath its
// holder.
//
// # Subscriptions
//
// Observers subscribe per session:
//
//	changes, subID := st.Subscribe(ctx, sessionID)
//	for ch := range changes {
//	    // re-read whatever ch.Kind says changed
//	}
//
// An empty session ID subscribes to every session. Delivery is non-blocking:
// a subscriber whose buffer is full misses that change. Subscriptions end
// when ctx is cancelled or Unsubscribe is called.
//
// # History
//
// A Store can write through to a History. SQLiteHistory persists sessions,
// conversations and committed messages with modernc.org/sqlite:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// History failures are logged and never surface to the caller of a mutation.
// Restore hydrates the in-memory state of one session from history.
//
// # Errors
//
//   - ErrNotFound: requested entity does not exist
//   - ErrSessionNotFound: a conversation references an unknown session
//
// # Testing
//
// NewMemoryHistory gives tests a History without a database. Use
// NewSQLiteHistory(filepath.Join(t.TempDir(), "history.db")) for the real one.
package store
