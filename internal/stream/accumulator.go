// ABOUTME: Accumulator buffers streamed response chunks until the response ends
// ABOUTME: The live buffer is published through an update hook, never as a committed message

package stream

import (
	"strings"
	"sync"
)

// Snapshot is the transient value of an in-flight response.
type Snapshot struct {
	Active  bool
	Content string
}

// Accumulator collects response chunks for one session. It is safe for concurrent use.
type Accumulator struct {
	mu       sync.Mutex
	buf      strings.Builder
	active   bool
	onUpdate func(Snapshot)
}

// New creates an Accumulator. onUpdate, if non-nil, is called after every
// change with the new snapshot.
func New(onUpdate func(Snapshot)) *Accumulator {
	return &Accumulator{onUpdate: onUpdate}
}

// Start clears the buffer and marks a response as in flight.
func (a *Accumulator) Start() {
	a.mu.Lock()
	a.buf.Reset()
	a.active = true
	snap := a.snapshotLocked()
	a.mu.Unlock()

	a.publish(snap)
}

// Append adds a chunk to the buffer. Chunks arriving without a Start are
// still buffered.
func (a *Accumulator) Append(chunk string) {
	a.mu.Lock()
	a.buf.WriteString(chunk)
	snap := a.snapshotLocked()
	a.mu.Unlock()

	a.publish(snap)
}

// Finalize returns the completed response and clears the buffer. A non-nil
// override wins over the buffered chunks. Without a Start the result is
// whatever was buffered, possibly "".
func (a *Accumulator) Finalize(override *string) string {
	a.mu.Lock()
	content := a.buf.String()
	if override != nil {
		content = *override
	}
	a.buf.Reset()
	a.active = false
	snap := a.snapshotLocked()
	a.mu.Unlock()

	a.publish(snap)
	return content
}

// Discard clears the buffer without producing a response.
func (a *Accumulator) Discard() {
	a.mu.Lock()
	if !a.active && a.buf.Len() == 0 {
		a.mu.Unlock()
		return
	}
	a.buf.Reset()
	a.active = false
	snap := a.snapshotLocked()
	a.mu.Unlock()

	a.publish(snap)
}

// Current returns the buffered content.
func (a *Accumulator) Current() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buf.String()
}

// Active reports whether a response is in flight.
func (a *Accumulator) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

func (a *Accumulator) snapshotLocked() Snapshot {
	return Snapshot{Active: a.active, Content: a.buf.String()}
}

func (a *Accumulator) publish(s Snapshot) {
	if a.onUpdate != nil {
		a.onUpdate(s)
	}
}
