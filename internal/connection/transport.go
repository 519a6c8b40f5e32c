// ABOUTME: Transport and Dialer abstractions for a session's bidirectional connection
// ABOUTME: CloseError carries the close code the manager uses to decide on reconnection

package connection

import (
	"context"
	"errors"
	"fmt"
)

// Close codes understood by the manager.
const (
	CodeNormal   = 1000
	CodeAbnormal = 1006
)

// Transport is one open connection. Read is called from a single goroutine;
// Write may be called concurrently with Read.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, frame []byte) error
	Close(code int, reason string) error
}

// Dialer opens a Transport for a session.
type Dialer interface {
	Dial(ctx context.Context, sessionID string) (Transport, error)
}

// CloseError reports that the peer closed the connection with a close frame.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("connection closed: code %d %q", e.Code, e.Reason)
}

// CloseCode extracts the close code from a Read error. Errors without a close
// frame count as abnormal closure.
func CloseCode(err error) int {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeAbnormal
}
