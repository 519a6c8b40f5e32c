// Package stream accumulates the chunks of a streamed assistant response.
//
// The buffer is transient. It is visible while chunks arrive (through the
// update hook, which the conversation layer points at the store's streaming
// field) and becomes a committed message only when Finalize is called.
package stream
