// ABOUTME: Notice center: fan-out of user-visible notices with duplicate suppression
// ABOUTME: Repeats within the dedupe window are dropped; subscribers never block the raiser

package notice

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"
)

// Level is the severity of a notice.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notice is a single user-visible message.
type Notice struct {
	SessionID string
	Level     Level
	Text      string
	Time      time.Time
}

const (
	defaultMaxKeys = 256
	bufferSize     = 32
)

// Center fans notices out to subscribers. It is safe for concurrent use.
type Center struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	order   *list.List // keys, least recently raised at front
	window  time.Duration
	maxKeys int
	subs    map[chan Notice]struct{}
	closed  bool
	now     func() time.Time
	logger  *slog.Logger
}

// New creates a Center. A window of zero disables duplicate suppression.
func New(window time.Duration, logger *slog.Logger) *Center {
	if logger == nil {
		logger = slog.Default()
	}
	return &Center{
		seen:    make(map[string]time.Time),
		order:   list.New(),
		window:  window,
		maxKeys: defaultMaxKeys,
		subs:    make(map[chan Notice]struct{}),
		now:     time.Now,
		logger:  logger.With("component", "notice"),
	}
}

// Subscribe returns a channel of notices raised from now on. It is closed
// when ctx is cancelled or the Center is closed.
func (c *Center) Subscribe(ctx context.Context) <-chan Notice {
	ch := make(chan Notice, bufferSize)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		close(ch)
		return ch
	}
	c.subs[ch] = struct{}{}
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, ok := c.subs[ch]; ok {
			delete(c.subs, ch)
			close(ch)
		}
	}()
	return ch
}

// Raise publishes a notice unless the same one was raised within the window.
func (c *Center) Raise(sessionID string, level Level, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	now := c.now()
	if c.duplicateLocked(sessionID+"\x00"+string(level)+"\x00"+text, now) {
		c.logger.Debug("suppressed duplicate notice", "session_id", sessionID, "text", text)
		return
	}

	n := Notice{SessionID: sessionID, Level: level, Text: text, Time: now}
	c.logger.Log(context.Background(), level.slogLevel(), "notice",
		"session_id", sessionID,
		"text", text)

	for ch := range c.subs {
		select {
		case ch <- n:
		default:
			c.logger.Debug("dropped notice for slow subscriber", "text", text)
		}
	}
}

// duplicateLocked reports whether key was raised within the window, and marks
// it otherwise. Must be called with mu held.
func (c *Center) duplicateLocked(key string, now time.Time) bool {
	if c.window <= 0 {
		return false
	}

	// Entries are ordered by time, so expired ones sit at the front.
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		k, _ := front.Value.(string)
		if now.Sub(c.seen[k]) < c.window {
			break
		}
		c.order.Remove(front)
		delete(c.seen, k)
	}

	if _, ok := c.seen[key]; ok {
		return true
	}
	if len(c.seen) >= c.maxKeys {
		oldest := c.order.Front()
		k, _ := oldest.Value.(string)
		c.order.Remove(oldest)
		delete(c.seen, k)
	}

	c.order.PushBack(key)
	c.seen[key] = now
	return false
}

// Close closes every subscriber channel. Later Raise calls are ignored.
func (c *Center) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	for ch := range c.subs {
		close(ch)
		delete(c.subs, ch)
	}
}

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelWarning:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	}
	return slog.LevelInfo
}
