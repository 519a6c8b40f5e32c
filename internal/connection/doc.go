// Package connection keeps one realtime connection open per session.
//
// # Manager
//
// A Manager dials a Transport for each session it is asked to Connect,
// reports state changes (disconnected, connecting, connected) to a Listener
// and hands every inbound frame to the Listener in arrival order from a
// single read goroutine per transport.
//
// Connecting a session that already has a transport or a pending reconnect
// replaces both: the old transport is closed with code 1000 and its read
// loop has exited before the new dial starts, so frames are never delivered
// twice.
//
// # Reconnection
//
// A close with code 1000, from either side, ends the session's connection.
// Any other closure, including a failed dial or a read error without a close
// frame, schedules a reconnect after
//
//	min(BaseDelay * 2^attempt, MaxDelay)
//
// and increments the attempt counter. Once MaxAttempts reconnects have been
// scheduled without a successful connect the manager stops and raises a
// warning notice. A successful connect, or an explicit Connect, resets the
// counter.
//
// Delays run on a Scheduler so tests can fire them on virtual time.
//
// # Transports
//
// WebSocketDialer is the production Dialer, built on github.com/coder/websocket.
// It derives ws(s)://host/ws/<session_id> from the backend's HTTP base URL.
package connection
