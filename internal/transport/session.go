package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/codewiresh/esrpc/internal/connection"
	"github.com/codewiresh/esrpc/internal/future"
	"github.com/codewiresh/esrpc/internal/protocol"
)

// Client is a Transport that dials a fresh message connection per session.
type Client struct {
	dialer Dialer
	log    *slog.Logger
}

// New creates a transport over the given dialer. A nil logger means
// slog.Default().
func New(d Dialer, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{dialer: d, log: log}
}

// Connect dials in the background and reports the result to h.
func (c *Client) Connect(ctx context.Context, h SessionHandler) error {
	if h == nil {
		return errors.New("transport: nil session handler")
	}
	go func() {
		r, w, err := c.dialer.Dial(ctx)
		if err != nil {
			h.OnSessionEstablished(nil, err)
			return
		}
		s := newSession(r, w, h, c.log)
		h.OnSessionEstablished(s, nil)
		go s.readLoop()
	}()
	return nil
}

type outbound struct {
	data []byte
	res  *future.Future[struct{}]
}

// session implements Session over a reader/writer pair.
type session struct {
	r   connection.MessageReader
	w   connection.MessageWriter
	h   SessionHandler
	log *slog.Logger

	mu       sync.Mutex
	conts    map[int32]*continuation
	nextID   int32
	queue    []outbound
	closed   bool
	closeErr error // local close or write failure; wins over the read error

	wake chan struct{}
	done chan struct{}
}

// newSession wraps an open reader/writer pair and starts the write loop.
// The read loop is started by the caller once OnSessionEstablished has
// returned, so no frame is delivered before the handler knows the session.
func newSession(r connection.MessageReader, w connection.MessageWriter, h SessionHandler, log *slog.Logger) *session {
	s := &session{
		r:      r,
		w:      w,
		h:      h,
		log:    log,
		conts:  make(map[int32]*continuation),
		nextID: 1,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

func (s *session) Send(f protocol.Frame) *future.Future[struct{}] {
	return s.enqueue(0, f)
}

func (s *session) NewContinuation(h ContinuationHandler) (Continuation, error) {
	if h == nil {
		return nil, errors.New("transport: nil continuation handler")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	return &continuation{s: s, h: h}, nil
}

func (s *session) Close(code int) {
	s.mu.Lock()
	if s.closed || s.closeErr != nil {
		s.mu.Unlock()
		return
	}
	s.closeErr = &CloseError{Code: code}
	s.mu.Unlock()

	// Unblocks the read loop, which performs the notifications.
	s.r.Close()
	s.w.Close()
}

// enqueue encodes f and queues it for the write loop. A frame that cannot be
// encoded fails on its own and leaves the session untouched, so the write
// loop only ever sees I/O errors.
func (s *session) enqueue(streamID int32, f protocol.Frame) *future.Future[struct{}] {
	data, err := protocol.MarshalMessage(protocol.EncodeFrame(streamID, f))
	if err != nil {
		return future.Failed[struct{}](fmt.Errorf("encoding frame: %w", err))
	}
	res := future.New[struct{}]()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		res.Fail(ErrSessionClosed)
		return res
	}
	s.queue = append(s.queue, outbound{data: data, res: res})
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return res
}

func (s *session) register(c *continuation) (int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrSessionClosed
	}
	if s.nextID == math.MaxInt32 {
		return 0, errors.New("transport: stream ids exhausted")
	}
	id := s.nextID
	s.nextID++
	s.conts[id] = c
	return id, nil
}

func (s *session) unregister(id int32) {
	s.mu.Lock()
	delete(s.conts, id)
	s.mu.Unlock()
}

func (s *session) writeLoop() {
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for i, o := range batch {
			if err := s.w.WriteEncoded(o.data); err != nil {
				err = fmt.Errorf("session write: %w", err)
				for _, rest := range batch[i:] {
					rest.res.Fail(err)
				}
				s.mu.Lock()
				if s.closeErr == nil {
					s.closeErr = err
				}
				s.mu.Unlock()
				s.r.Close()
				return
			}
			o.res.Complete(struct{}{})
		}

		if len(batch) == 0 {
			select {
			case <-s.wake:
			case <-s.done:
				return
			}
		}
	}
}

func (s *session) readLoop() {
	var reason error
	for {
		m, err := s.r.ReadMessage()
		if err != nil {
			reason = fmt.Errorf("reading message: %w", err)
			break
		}
		if m == nil {
			break
		}
		id, f, err := protocol.DecodeFrame(m)
		if err != nil {
			s.log.Warn("dropping malformed message", "err", err)
			continue
		}
		s.dispatch(id, f)
	}
	s.finish(reason)
}

func (s *session) dispatch(id int32, f protocol.Frame) {
	if id == 0 {
		s.h.OnFrame(f)
		return
	}

	s.mu.Lock()
	c := s.conts[id]
	if c != nil && f.Terminates() {
		delete(s.conts, id)
	}
	s.mu.Unlock()

	if c == nil {
		s.log.Debug("frame for unknown stream", "stream", id, "kind", f.Kind)
		return
	}
	if !f.Terminates() {
		c.h.OnContinuationFrame(f)
		return
	}
	c.markClosed()
	c.h.OnContinuationFrame(f)
	c.h.OnContinuationClosed()
}

func (s *session) finish(reason error) {
	s.mu.Lock()
	s.closed = true
	if s.closeErr != nil {
		reason = s.closeErr
	}
	conts := s.conts
	s.conts = make(map[int32]*continuation)
	queued := s.queue
	s.queue = nil
	s.mu.Unlock()

	close(s.done)
	s.r.Close()
	s.w.Close()

	for _, o := range queued {
		o.res.Fail(ErrSessionClosed)
	}
	for _, c := range conts {
		if c.markClosed() {
			c.h.OnContinuationClosed()
		}
	}
	s.h.OnSessionClosed(s, reason)
}

// continuation implements Continuation.
type continuation struct {
	s *session
	h ContinuationHandler

	mu        sync.Mutex
	id        int32
	activated bool
	closed    bool
}

func (c *continuation) Activate(operation string, f protocol.Frame) *future.Future[struct{}] {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return future.Failed[struct{}](ErrContinuationClosed)
	}
	if c.activated {
		c.mu.Unlock()
		return future.Failed[struct{}](ErrAlreadyActivated)
	}
	id, err := c.s.register(c)
	if err != nil {
		c.mu.Unlock()
		return future.Failed[struct{}](err)
	}
	c.id, c.activated = id, true
	c.mu.Unlock()

	hdrs := append([]protocol.Header{protocol.StringHeader(protocol.HeaderOperation, operation)}, f.Headers...)
	res := c.s.enqueue(id, protocol.NewFrame(f.Kind, f.Flags, hdrs, f.Payload))
	if _, err, done := res.Result(); done && err != nil {
		// Never reached the wire; the peer does not know this stream.
		c.s.unregister(id)
	}
	return res
}

func (c *continuation) Send(f protocol.Frame) *future.Future[struct{}] {
	c.mu.Lock()
	closed, activated, id := c.closed, c.activated, c.id
	c.mu.Unlock()
	if closed {
		return future.Failed[struct{}](ErrContinuationClosed)
	}
	if !activated {
		return future.Failed[struct{}](ErrNotActivated)
	}
	return c.s.enqueue(id, f)
}

func (c *continuation) Close() {
	if !c.markClosed() {
		return
	}
	c.mu.Lock()
	activated, id := c.activated, c.id
	c.mu.Unlock()
	if activated {
		c.s.unregister(id)
	}
}

func (c *continuation) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// markClosed flips the closed flag and reports whether this call did it.
func (c *continuation) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	return true
}
