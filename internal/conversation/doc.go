// Package conversation wires the realtime pieces of a session together.
//
// # Service
//
// A Service owns the connection Manager and, for every session it opens, an
// activity Machine, a stream Accumulator and a Dispatcher. It is the
// Manager's Listener: connection states are recorded in the store, inbound
// frames go to the session's Dispatcher, and leaving the connected state
// abandons any in-flight response and forces the agent back to idle.
//
//	svc := conversation.New(st, &connection.WebSocketDialer{BaseURL: url}, conversation.Options{})
//	defer svc.Shutdown()
//
//	svc.Open(ctx, sessionID)
//	svc.SendMessage(ctx, sessionID, "add a test for the parser")
//
// # Record first, then act
//
// SendMessage commits the user message to the current conversation (creating
// one if the session has none) before writing it to the connection. A send
// that fails with connection.ErrNotConnected leaves the message recorded and
// the agent idle; the user has already been told to retry.
package conversation
