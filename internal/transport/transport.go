// Package transport multiplexes continuations over one message connection.
// It is the collaborator the RPC core talks to: it opens sessions, assigns
// stream ids, routes inbound frames and reports session and continuation
// closure. All handler callbacks for a session run on its read loop, so
// frames of one continuation are delivered in arrival order.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/codewiresh/esrpc/internal/connection"
	"github.com/codewiresh/esrpc/internal/future"
	"github.com/codewiresh/esrpc/internal/protocol"
)

var (
	ErrSessionClosed      = errors.New("session closed")
	ErrContinuationClosed = errors.New("continuation closed")
	ErrAlreadyActivated   = errors.New("continuation already activated")
	ErrNotActivated       = errors.New("continuation not activated")
)

// Close codes passed to Session.Close.
const (
	CloseNormal        = 0
	CloseProtocolError = 1
)

// CloseError is the session-closed reason when the local side closed it.
type CloseError struct {
	Code int
}

func (e *CloseError) Error() string { return fmt.Sprintf("session closed locally (code %d)", e.Code) }

// Transport opens sessions. Connect returns once the attempt has started;
// the outcome is reported through SessionHandler.OnSessionEstablished.
type Transport interface {
	Connect(ctx context.Context, h SessionHandler) error
}

// SessionHandler receives session lifecycle events and connection-level
// frames (stream id 0).
type SessionHandler interface {
	OnSessionEstablished(s Session, err error)
	OnFrame(f protocol.Frame)
	// OnSessionClosed is called once per established session. reason is nil
	// for a clean close by the peer.
	OnSessionClosed(s Session, reason error)
}

// Session is one open connection to the peer.
type Session interface {
	// Send queues a connection-level frame. The future settles once the
	// frame has been written or the session failed.
	Send(f protocol.Frame) *future.Future[struct{}]
	NewContinuation(h ContinuationHandler) (Continuation, error)
	Close(code int)
}

// ContinuationHandler receives frames for one continuation.
type ContinuationHandler interface {
	OnContinuationFrame(f protocol.Frame)
	// OnContinuationClosed is called after a terminate frame from the peer
	// or when the session goes away. It is not called for Close.
	OnContinuationClosed()
}

// Continuation is a multiplexed sub-channel of a session. Once closed it
// never reopens and further sends fail with ErrContinuationClosed.
type Continuation interface {
	// Activate assigns a stream id and sends the first frame, tagged with the
	// operation name.
	Activate(operation string, f protocol.Frame) *future.Future[struct{}]
	Send(f protocol.Frame) *future.Future[struct{}]
	Close()
	IsClosed() bool
}

// Dialer opens the underlying message connection. *connection.Target
// implements it.
type Dialer interface {
	Dial(ctx context.Context) (connection.MessageReader, connection.MessageWriter, error)
}

// DialFunc adapts a function to Dialer.
type DialFunc func(ctx context.Context) (connection.MessageReader, connection.MessageWriter, error)

func (f DialFunc) Dial(ctx context.Context) (connection.MessageReader, connection.MessageWriter, error) {
	return f(ctx)
}
