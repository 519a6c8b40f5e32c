// Package dispatch turns inbound protocol frames into state changes for one
// session.
//
// # Protocol
//
// Frames are JSON objects with a "type" field. The client sends:
//
//	{"type": "ping", "timestamp": 1718000000000}
//	{"type": "message", "content": "...", "conversation_id": "..."}
//
// The backend sends pong, agent_thinking, agent_response_start,
// agent_response_chunk, agent_response_end, code_execution, code_result,
// file_change, agent_error and error. Anything else is dropped with
// ErrUnrecognizedEvent.
//
// # Responses
//
// A response arrives as start, any number of chunks, then end. Chunks
// accumulate in a stream.Accumulator and are visible only as the session's
// streaming value. On end the full_response field, when present, replaces
// the accumulated text, and the result is committed as one assistant message
// to the frame's conversation_id, else the current conversation, else a new
// one.
//
// # Ordering
//
// Handle is serialized per Dispatcher. Agent state changes go through
// activity.Machine.Request, so after any sequence of frames the state matches
// the last state-changing frame.
package dispatch
