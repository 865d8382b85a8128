package rpc

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/codewiresh/esrpc/internal/future"
	"github.com/codewiresh/esrpc/internal/protocol"
	"github.com/codewiresh/esrpc/internal/servicemodel"
	"github.com/codewiresh/esrpc/internal/transport"
)

// ---------------------------------------------------------------------------
// Fake transport
// ---------------------------------------------------------------------------

type fakeTransport struct {
	mu         sync.Mutex
	handlers   []transport.SessionHandler
	connectErr error
}

func (t *fakeTransport) Connect(_ context.Context, h transport.SessionHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connectErr != nil {
		return t.connectErr
	}
	t.handlers = append(t.handlers, h)
	return nil
}

func (t *fakeTransport) attempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.handlers)
}

func (t *fakeTransport) last() transport.SessionHandler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handlers[len(t.handlers)-1]
}

type fakeSession struct {
	mu        sync.Mutex
	sent      []protocol.Frame
	conts     []*fakeContinuation
	closed    bool
	closeCode int
}

func (s *fakeSession) Send(f protocol.Frame) *future.Future[struct{}] {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return future.Failed[struct{}](transport.ErrSessionClosed)
	}
	s.sent = append(s.sent, f)
	return future.Completed(struct{}{})
}

func (s *fakeSession) NewContinuation(h transport.ContinuationHandler) (transport.Continuation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, transport.ErrSessionClosed
	}
	c := &fakeContinuation{h: h}
	s.conts = append(s.conts, c)
	return c, nil
}

func (s *fakeSession) Close(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.closeCode = code
	}
}

func (s *fakeSession) frames() []protocol.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Frame(nil), s.sent...)
}

func (s *fakeSession) isClosed() (bool, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed, s.closeCode
}

func (s *fakeSession) continuations() []*fakeContinuation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*fakeContinuation(nil), s.conts...)
}

type fakeContinuation struct {
	h transport.ContinuationHandler

	mu          sync.Mutex
	operation   string
	activated   bool
	sent        []protocol.Frame
	closed      bool
	sendErr     error
	activateErr error
}

func (c *fakeContinuation) Activate(operation string, f protocol.Frame) *future.Future[struct{}] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activateErr != nil {
		return future.Failed[struct{}](c.activateErr)
	}
	c.operation = operation
	c.activated = true
	c.sent = append(c.sent, f)
	return future.Completed(struct{}{})
}

func (c *fakeContinuation) Send(f protocol.Frame) *future.Future[struct{}] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return future.Failed[struct{}](transport.ErrContinuationClosed)
	}
	if c.sendErr != nil {
		return future.Failed[struct{}](c.sendErr)
	}
	c.sent = append(c.sent, f)
	return future.Completed(struct{}{})
}

func (c *fakeContinuation) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeContinuation) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeContinuation) frames() []protocol.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Frame(nil), c.sent...)
}

// deliver hands f to the handler the way the transport does: terminate
// frames close the continuation first and are followed by a close
// notification.
func (c *fakeContinuation) deliver(f protocol.Frame) {
	c.mu.Lock()
	closed := c.closed
	if f.Terminates() {
		c.closed = true
	}
	c.mu.Unlock()
	if closed {
		return
	}
	c.h.OnContinuationFrame(f)
	if f.Terminates() {
		c.h.OnContinuationClosed()
	}
}

// ---------------------------------------------------------------------------
// Lifecycle recorder
// ---------------------------------------------------------------------------

type recorder struct {
	mu          sync.Mutex
	connects    int
	disconnects []error
	errs        []error
	disconnect  bool // OnError return value
	panicOnErr  bool
}

func (r *recorder) OnConnect() {
	r.mu.Lock()
	r.connects++
	r.mu.Unlock()
}

func (r *recorder) OnDisconnect(reason error) {
	r.mu.Lock()
	r.disconnects = append(r.disconnects, reason)
	r.mu.Unlock()
}

func (r *recorder) OnError(err error) bool {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	ret, p := r.disconnect, r.panicOnErr
	r.mu.Unlock()
	if p {
		panic("handler exploded")
	}
	return ret
}

func (r *recorder) counts() (connects, disconnects, errs int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connects, len(r.disconnects), len(r.errs)
}

// ---------------------------------------------------------------------------
// Service model fixtures
// ---------------------------------------------------------------------------

type echoRequest struct {
	Msg string `json:"msg"`
}

func (*echoRequest) ApplicationModelType() string { return "Echo-Request" }

type echoResponse struct {
	Msg string `json:"msg"`
}

func (*echoResponse) ApplicationModelType() string { return "Echo-Response" }

type watchEvent struct {
	N int `json:"n"`
}

func (*watchEvent) ApplicationModelType() string { return "Watch-Event" }

type chatLine struct {
	Text string `json:"text"`
}

func (*chatLine) ApplicationModelType() string { return "Chat-Line" }

type invalidInput struct {
	Message string `json:"message"`
}

func (*invalidInput) ApplicationModelType() string { return "InvalidInput" }

func (e *invalidInput) Error() string { return e.Message }

var (
	echoOp = servicemodel.OperationContext{
		Name:         "Echo",
		RequestType:  "Echo-Request",
		ResponseType: "Echo-Response",
	}
	watchOp = servicemodel.OperationContext{
		Name:                  "Watch",
		Streaming:             true,
		RequestType:           "Echo-Request",
		ResponseType:          "Echo-Response",
		StreamingResponseType: "Watch-Event",
	}
	chatOp = servicemodel.OperationContext{
		Name:                  "Chat",
		Streaming:             true,
		RequestType:           "Echo-Request",
		ResponseType:          "Echo-Response",
		StreamingRequestType:  "Chat-Line",
		StreamingResponseType: "Chat-Line",
	}
)

func testModel(t *testing.T) *servicemodel.Registry {
	t.Helper()
	r, err := servicemodel.NewRegistry("test",
		[]servicemodel.OperationContext{echoOp, watchOp, chatOp},
		servicemodel.Type[echoRequest](),
		servicemodel.Type[echoResponse](),
		servicemodel.Type[watchEvent](),
		servicemodel.Type[chatLine](),
		servicemodel.ErrorType[invalidInput](),
	)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return r
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type harness struct {
	conn *Connection
	tr   *fakeTransport
	sess *fakeSession
	rec  *recorder
	done *future.Future[struct{}]
}

// connected runs a full handshake against the fake transport.
func connected(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{tr: &fakeTransport{}, sess: &fakeSession{}, rec: &recorder{}}
	h.conn = NewConnection(h.tr, opts...)

	done, err := h.conn.Connect(context.Background(), h.rec)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	h.done = done
	h.tr.last().OnSessionEstablished(h.sess, nil)
	h.tr.last().OnFrame(protocol.NewFrame(protocol.KindConnectAck, protocol.FlagConnectionAccepted, nil, nil))

	if p := h.conn.Phase(); p != Connected {
		t.Fatalf("phase = %v, want connected", p)
	}
	return h
}

func (h *harness) client(t *testing.T) *Client {
	t.Helper()
	return NewClient(h.conn, testModel(t))
}

// lastCont returns the most recently opened continuation.
func (h *harness) lastCont(t *testing.T) *fakeContinuation {
	t.Helper()
	conts := h.sess.continuations()
	if len(conts) == 0 {
		t.Fatal("no continuation opened")
	}
	return conts[len(conts)-1]
}

func appMessage(typeID, payload string, flags protocol.Flags) protocol.Frame {
	var hdrs []protocol.Header
	if typeID != "" {
		hdrs = append(hdrs, protocol.StringHeader(protocol.HeaderServiceModelType, typeID))
	}
	return protocol.NewFrame(protocol.KindApplicationMessage, flags, hdrs, []byte(payload))
}

// settled returns the outcome of an already settled future.
func settled[T any](t *testing.T, f *future.Future[T]) (T, error) {
	t.Helper()
	v, err, ok := f.Result()
	if !ok {
		t.Fatal("future not settled")
	}
	return v, err
}

func pending[T any](t *testing.T, f *future.Future[T]) {
	t.Helper()
	if _, _, ok := f.Result(); ok {
		t.Fatal("future settled, want pending")
	}
}

func wantErr(t *testing.T, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("err = %v, want %v", err, target)
	}
}
