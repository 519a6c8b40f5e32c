// ABOUTME: In-memory fan-out of store changes to subscribers
// ABOUTME: Subscriptions are keyed by session ID; the empty key receives every session

package store

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64

	// allSessions is the subscription key that receives changes for every session.
	allSessions = ""
)

// broadcaster delivers Changes to subscribers without blocking the publisher.
type broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan Change // sessionID -> subID -> ch
	keys        map[string]string                 // subID -> sessionID
	closed      bool
	logger      *slog.Logger
}

func newBroadcaster(logger *slog.Logger) *broadcaster {
	return &broadcaster{
		subscribers: make(map[string]map[string]chan Change),
		keys:        make(map[string]string),
		logger:      logger,
	}
}

// subscribe registers a subscriber for sessionID. The subscription is removed
// when ctx is cancelled.
func (b *broadcaster) subscribe(ctx context.Context, sessionID string) (<-chan Change, string) {
	subID := uuid.New().String()
	ch := make(chan Change, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	if _, ok := b.subscribers[sessionID]; !ok {
		b.subscribers[sessionID] = make(map[string]chan Change)
	}
	b.subscribers[sessionID][subID] = ch
	b.keys[subID] = sessionID
	b.mu.Unlock()

	b.logger.Debug("subscriber added",
		"session_id", sessionID,
		"sub_id", subID)

	go func() {
		<-ctx.Done()
		b.unsubscribe(subID)
	}()

	return ch, subID
}

// publish sends c to the subscribers of its session and to wildcard subscribers.
// Changes are dropped for subscribers whose channels are full.
func (b *broadcaster) publish(c Change) {
	b.mu.RLock()
	targets := make([]chan Change, 0, len(b.subscribers[c.SessionID])+len(b.subscribers[allSessions]))
	for _, ch := range b.subscribers[c.SessionID] {
		targets = append(targets, ch)
	}
	if c.SessionID != allSessions {
		for _, ch := range b.subscribers[allSessions] {
			targets = append(targets, ch)
		}
	}

	// Sends happen under the read lock so unsubscribe cannot close a channel mid-send.
	for _, ch := range targets {
		select {
		case ch <- c:
		default:
			b.logger.Debug("dropped change for slow subscriber",
				"session_id", c.SessionID,
				"kind", c.Kind)
		}
	}
	b.mu.RUnlock()
}

// unsubscribe removes a subscription and closes its channel.
func (b *broadcaster) unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sessionID, ok := b.keys[subID]
	if !ok {
		return
	}
	delete(b.keys, subID)

	subs := b.subscribers[sessionID]
	if ch, exists := subs[subID]; exists {
		delete(subs, subID)
		close(ch)
	}
	if len(subs) == 0 {
		delete(b.subscribers, sessionID)
	}

	b.logger.Debug("subscriber removed",
		"session_id", sessionID,
		"sub_id", subID)
}

// close closes every subscriber channel. Later subscriptions get a closed channel.
func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sessionID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(b.keys, subID)
		}
		delete(b.subscribers, sessionID)
	}
	b.closed = true
}
