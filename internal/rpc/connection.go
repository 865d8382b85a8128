// Package rpc is the client side of event-stream RPC: the connection
// lifecycle, operation invocation and per-stream demultiplexing.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/codewiresh/esrpc/internal/future"
	"github.com/codewiresh/esrpc/internal/protocol"
	"github.com/codewiresh/esrpc/internal/transport"
)

// Option configures a Connection.
type Option func(*Connection)

// WithAmender sets the source of the Connect frame's headers and payload.
func WithAmender(a ConnectAmender) Option {
	return func(c *Connection) { c.amender = a }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Connection) { c.log = l }
}

// attempt is one Connect call. Callbacks from sessions of an older attempt
// are ignored.
type attempt struct {
	id      string
	handler LifecycleHandler
	done    *future.Future[struct{}]
	log     *slog.Logger
}

// Connection drives the handshake and keep-alive over one transport session
// at a time. The phase is the single source of truth for what is legal.
type Connection struct {
	transport transport.Transport
	amender   ConnectAmender
	log       *slog.Logger

	mu      sync.Mutex
	phase   Phase
	session transport.Session
	current *attempt
}

// NewConnection creates a disconnected connection over t.
func NewConnection(t transport.Transport, opts ...Option) *Connection {
	c := &Connection{transport: t}
	for _, o := range opts {
		o(c)
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	return c
}

// Phase returns the current lifecycle phase.
func (c *Connection) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Connect starts the handshake. The returned future completes once the peer
// accepts the connection and fails if the attempt ends first. Only legal
// while Disconnected.
func (c *Connection) Connect(ctx context.Context, h LifecycleHandler) (*future.Future[struct{}], error) {
	if h == nil {
		h = LifecycleFuncs{}
	}
	c.mu.Lock()
	if c.phase != Disconnected {
		c.mu.Unlock()
		return nil, ErrAlreadyConnecting
	}
	id := uuid.NewString()
	a := &attempt{
		id:      id,
		handler: h,
		done:    future.New[struct{}](),
		log:     c.log.With("conn", id),
	}
	c.current = a
	c.phase = ConnectingSocket
	c.mu.Unlock()

	a.log.Debug("connecting")
	if err := c.transport.Connect(ctx, &sessionEvents{c: c, a: a}); err != nil {
		c.mu.Lock()
		if c.current == a {
			c.current = nil
			c.phase = Disconnected
		}
		c.mu.Unlock()
		err = fmt.Errorf("opening session: %w", err)
		a.done.Fail(err)
		return nil, err
	}
	return a.done, nil
}

// Disconnect starts closing. It is a no-op while Disconnected or Closing.
// The lifecycle handler's OnDisconnect reports when it is done.
func (c *Connection) Disconnect() {
	c.disconnect(transport.CloseNormal)
}

// Close disconnects and always returns nil.
func (c *Connection) Close() error {
	c.Disconnect()
	return nil
}

func (c *Connection) disconnect(code int) {
	c.mu.Lock()
	if c.phase == Disconnected || c.phase == Closing {
		c.mu.Unlock()
		return
	}
	c.phase = Closing
	s := c.session
	c.mu.Unlock()

	if s != nil {
		s.Close(code)
	}
}

// NewStream opens a continuation. Only legal while Connected.
func (c *Connection) NewStream(h transport.ContinuationHandler) (transport.Continuation, error) {
	c.mu.Lock()
	if c.phase != Connected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	s := c.session
	c.mu.Unlock()

	cont, err := s.NewContinuation(h)
	if err != nil {
		if errors.Is(err, transport.ErrSessionClosed) {
			return nil, fmt.Errorf("%w: %w", ErrNotConnected, err)
		}
		return nil, err
	}
	return cont, nil
}

// Ping sends a connection-level ping. Responses reach the lifecycle handler
// if it implements PingResponseHandler.
func (c *Connection) Ping(headers []protocol.Header, payload []byte) *future.Future[struct{}] {
	c.mu.Lock()
	if c.phase != Connected {
		c.mu.Unlock()
		return future.Failed[struct{}](ErrNotConnected)
	}
	s := c.session
	c.mu.Unlock()
	return s.Send(protocol.NewFrame(protocol.KindPing, 0, headers, payload))
}

// snapshot reports whether a is still the live attempt and returns the phase
// and session.
func (c *Connection) snapshot(a *attempt) (Phase, transport.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != a {
		return Disconnected, nil, false
	}
	return c.phase, c.session, true
}

func (c *Connection) onSessionEstablished(a *attempt, s transport.Session, err error) {
	c.mu.Lock()
	if c.current != a {
		c.mu.Unlock()
		if s != nil {
			s.Close(transport.CloseNormal)
		}
		return
	}
	if err != nil {
		c.current = nil
		c.phase = Disconnected
		c.mu.Unlock()

		a.log.Warn("session failed", "err", err)
		a.done.Fail(fmt.Errorf("opening session: %w", err))
		a.handler.OnDisconnect(err)
		return
	}
	c.session = s
	if c.phase == Closing {
		// Disconnect was called while the socket was connecting. The session
		// closed callback finishes the attempt.
		c.mu.Unlock()
		s.Close(transport.CloseNormal)
		return
	}
	c.phase = WaitingConnack
	c.mu.Unlock()

	var headers []protocol.Header
	var payload []byte
	if c.amender != nil {
		headers, payload, err = c.amender.AmendConnect()
		if err != nil {
			a.log.Error("building connect message", "err", err)
			a.done.Fail(fmt.Errorf("building connect message: %w", err))
			c.Disconnect()
			return
		}
	}
	hdrs := []protocol.Header{protocol.StringHeader(protocol.HeaderVersion, protocol.ProtocolVersion)}
	for _, h := range headers {
		if h.Name != protocol.HeaderVersion {
			hdrs = append(hdrs, h)
		}
	}
	s.Send(protocol.NewFrame(protocol.KindConnect, 0, hdrs, payload)).OnDone(func(_ struct{}, err error) {
		if err != nil {
			a.log.Warn("sending connect", "err", err)
		}
	})
}

func (c *Connection) onFrame(a *attempt, f protocol.Frame) {
	phase, s, ok := c.snapshot(a)
	if !ok {
		return
	}

	switch f.Kind {
	case protocol.KindConnectAck:
		if phase != WaitingConnack {
			a.log.Warn("unexpected connect ack", "phase", phase)
			c.Disconnect()
			return
		}
		if f.Flags.Has(protocol.FlagConnectionAccepted) {
			c.onAccepted(a)
		} else {
			c.onDenied(a, s)
		}

	case protocol.KindPing:
		s.Send(protocol.PingResponseFor(f))

	case protocol.KindPingResponse:
		a.log.Debug("ping response", "bytes", len(f.Payload))
		if ph, ok := a.handler.(PingResponseHandler); ok {
			ph.OnPingResponse(protocol.WithoutReserved(f.Headers), f.Payload)
		}

	case protocol.KindConnect:
		a.log.Warn("peer sent connect", "phase", phase)
		c.Disconnect()

	case protocol.KindProtocolError, protocol.KindServerError:
		fault := newProtocolFault(f)
		a.log.Error("connection fault", "kind", f.Kind, "err", fault)
		a.done.Fail(fault)
		c.reportError(a, fault)
		c.Disconnect()

	default:
		err := fmt.Errorf("%w: %s on the connection stream", ErrInvalidData, f.Kind)
		if c.reportError(a, err) {
			c.Disconnect()
		}
	}
}

func (c *Connection) onAccepted(a *attempt) {
	c.mu.Lock()
	if c.current != a || c.phase != WaitingConnack {
		c.mu.Unlock()
		return
	}
	c.phase = Connected
	c.mu.Unlock()

	a.log.Info("connected")
	a.done.Complete(struct{}{})
	a.handler.OnConnect()
}

func (c *Connection) onDenied(a *attempt, s transport.Session) {
	c.mu.Lock()
	if c.current != a {
		c.mu.Unlock()
		return
	}
	c.current = nil
	c.session = nil
	c.phase = Disconnected
	c.mu.Unlock()

	a.log.Warn("connection refused by peer")
	s.Close(transport.CloseNormal)
	a.done.Fail(ErrAccessDenied)
	c.reportError(a, ErrAccessDenied)
	a.handler.OnDisconnect(ErrAccessDenied)
}

func (c *Connection) onSessionClosed(a *attempt, reason error) {
	c.mu.Lock()
	if c.current != a {
		c.mu.Unlock()
		return
	}
	c.current = nil
	c.session = nil
	c.phase = Disconnected
	c.mu.Unlock()

	if reason != nil {
		a.log.Info("disconnected", "reason", reason)
	} else {
		a.log.Info("disconnected")
	}
	a.done.Fail(fmt.Errorf("%w: session closed before the handshake finished", ErrNotConnected))
	a.handler.OnDisconnect(reason)
}

// reportError calls OnError and reports whether to disconnect. A panicking
// handler means yes.
func (c *Connection) reportError(a *attempt, err error) (disconnect bool) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("lifecycle error handler panicked", "panic", r)
			disconnect = true
		}
	}()
	return a.handler.OnError(err)
}

// sessionEvents binds transport callbacks to one attempt.
type sessionEvents struct {
	c *Connection
	a *attempt
}

func (e *sessionEvents) OnSessionEstablished(s transport.Session, err error) {
	e.c.onSessionEstablished(e.a, s, err)
}

func (e *sessionEvents) OnFrame(f protocol.Frame) { e.c.onFrame(e.a, f) }

func (e *sessionEvents) OnSessionClosed(_ transport.Session, reason error) {
	e.c.onSessionClosed(e.a, reason)
}
