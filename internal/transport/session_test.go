package transport

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/codewiresh/esrpc/internal/connection"
	"github.com/codewiresh/esrpc/internal/protocol"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

// peer is the far end of a net.Pipe speaking raw event-stream messages.
type peer struct {
	t    *testing.T
	conn net.Conn
}

func (p *peer) read() (int32, protocol.Frame) {
	p.t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	m, err := protocol.ReadMessage(p.conn)
	if err != nil || m == nil {
		p.t.Fatalf("peer read: (%v, %v)", m, err)
	}
	id, f, err := protocol.DecodeFrame(m)
	if err != nil {
		p.t.Fatalf("peer decode: %v", err)
	}
	return id, f
}

func (p *peer) write(id int32, f protocol.Frame) {
	p.t.Helper()
	if err := protocol.WriteMessage(p.conn, protocol.EncodeFrame(id, f)); err != nil {
		p.t.Fatalf("peer write: %v", err)
	}
}

type sessionEvents struct {
	established chan Session
	estErr      chan error
	frames      chan protocol.Frame
	closed      chan error
}

func newSessionEvents() *sessionEvents {
	return &sessionEvents{
		established: make(chan Session, 1),
		estErr:      make(chan error, 1),
		frames:      make(chan protocol.Frame, 16),
		closed:      make(chan error, 1),
	}
}

func (e *sessionEvents) OnSessionEstablished(s Session, err error) {
	if err != nil {
		e.estErr <- err
		return
	}
	e.established <- s
}
func (e *sessionEvents) OnFrame(f protocol.Frame)                { e.frames <- f }
func (e *sessionEvents) OnSessionClosed(_ Session, reason error) { e.closed <- reason }

type contEvents struct {
	frames chan protocol.Frame
	closed chan struct{}
}

func newContEvents() *contEvents {
	return &contEvents{frames: make(chan protocol.Frame, 16), closed: make(chan struct{}, 4)}
}

func (c *contEvents) OnContinuationFrame(f protocol.Frame) { c.frames <- f }
func (c *contEvents) OnContinuationClosed()                { c.closed <- struct{}{} }

func connectPipe(t *testing.T) (Session, *sessionEvents, *peer) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })

	tr := New(DialFunc(func(context.Context) (connection.MessageReader, connection.MessageWriter, error) {
		return connection.NewNetReader(a), connection.NewNetWriter(a), nil
	}), nil)
	ev := newSessionEvents()
	if err := tr.Connect(context.Background(), ev); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	select {
	case s := <-ev.established:
		return s, ev, &peer{t: t, conn: b}
	case err := <-ev.estErr:
		t.Fatalf("session failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for session")
	}
	return nil, nil, nil
}

func waitFrame(t *testing.T, ch <-chan protocol.Frame) protocol.Frame {
	t.Helper()
	select {
	case f := <-ch:
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for frame")
	}
	return protocol.Frame{}
}

func waitSignal(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for close notification")
	}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestDialFailureReported(t *testing.T) {
	boom := errors.New("refused")
	tr := New(DialFunc(func(context.Context) (connection.MessageReader, connection.MessageWriter, error) {
		return nil, nil, boom
	}), nil)
	ev := newSessionEvents()
	tr.Connect(context.Background(), ev)
	select {
	case err := <-ev.estErr:
		if !errors.Is(err, boom) {
			t.Fatalf("err = %v, want %v", err, boom)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout")
	}
}

func TestConnectionLevelFrames(t *testing.T) {
	s, ev, p := connectPipe(t)

	fut := s.Send(protocol.NewFrame(protocol.KindConnect, 0, nil, []byte("hello")))
	id, f := p.read()
	if id != 0 || f.Kind != protocol.KindConnect || string(f.Payload) != "hello" {
		t.Fatalf("peer got stream %d %v %q", id, f.Kind, f.Payload)
	}
	if _, err := fut.Wait(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	p.write(0, protocol.NewFrame(protocol.KindConnectAck, protocol.FlagConnectionAccepted, nil, nil))
	got := waitFrame(t, ev.frames)
	if got.Kind != protocol.KindConnectAck {
		t.Fatalf("OnFrame kind = %v", got.Kind)
	}
}

func TestContinuationActivateRouteAndTerminate(t *testing.T) {
	s, _, p := connectPipe(t)
	ce := newContEvents()
	c, err := s.NewContinuation(ce)
	if err != nil {
		t.Fatalf("NewContinuation: %v", err)
	}

	c.Activate("Echo", protocol.NewFrame(protocol.KindApplicationMessage, 0,
		[]protocol.Header{protocol.StringHeader(protocol.HeaderServiceModelType, "Echo-Request")}, []byte("{}")))

	id, f := p.read()
	if id != 1 {
		t.Fatalf("first stream id = %d, want 1", id)
	}
	if op, _ := f.StringHeader(protocol.HeaderOperation); op != "Echo" {
		t.Fatalf("operation header = %q", op)
	}

	p.write(id, protocol.NewFrame(protocol.KindApplicationMessage, 0, nil, []byte("one")))
	p.write(id, protocol.NewFrame(protocol.KindApplicationMessage, protocol.FlagTerminateStream, nil, []byte("two")))

	if got := waitFrame(t, ce.frames); string(got.Payload) != "one" {
		t.Fatalf("first frame = %q", got.Payload)
	}
	if got := waitFrame(t, ce.frames); string(got.Payload) != "two" {
		t.Fatalf("second frame = %q", got.Payload)
	}
	waitSignal(t, ce.closed)
	if !c.IsClosed() {
		t.Fatal("continuation open after terminate")
	}

	if _, err := c.Send(protocol.NewFrame(protocol.KindApplicationMessage, 0, nil, nil)).Wait(context.Background()); !errors.Is(err, ErrContinuationClosed) {
		t.Fatalf("send after close err = %v", err)
	}
}

func TestActivateTwiceRejected(t *testing.T) {
	s, _, p := connectPipe(t)
	c, _ := s.NewContinuation(newContEvents())
	c.Activate("A", protocol.NewFrame(protocol.KindApplicationMessage, 0, nil, nil))
	p.read()

	_, err := c.Activate("A", protocol.NewFrame(protocol.KindApplicationMessage, 0, nil, nil)).Wait(context.Background())
	if !errors.Is(err, ErrAlreadyActivated) {
		t.Fatalf("err = %v, want ErrAlreadyActivated", err)
	}
}

func TestSendBeforeActivateRejected(t *testing.T) {
	s, _, _ := connectPipe(t)
	c, _ := s.NewContinuation(newContEvents())
	_, err := c.Send(protocol.NewFrame(protocol.KindApplicationMessage, 0, nil, nil)).Wait(context.Background())
	if !errors.Is(err, ErrNotActivated) {
		t.Fatalf("err = %v, want ErrNotActivated", err)
	}
}

func TestSessionCloseNotifiesEverything(t *testing.T) {
	s, ev, p := connectPipe(t)
	ce := newContEvents()
	c, _ := s.NewContinuation(ce)
	c.Activate("Stream", protocol.NewFrame(protocol.KindApplicationMessage, 0, nil, nil))
	p.read()

	s.Close(CloseNormal)

	waitSignal(t, ce.closed)
	select {
	case reason := <-ev.closed:
		var closeErr *CloseError
		if !errors.As(reason, &closeErr) || closeErr.Code != CloseNormal {
			t.Fatalf("reason = %v, want CloseError{0}", reason)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for OnSessionClosed")
	}

	if _, err := s.NewContinuation(newContEvents()); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("NewContinuation after close err = %v", err)
	}
	if _, err := s.Send(protocol.NewFrame(protocol.KindPing, 0, nil, nil)).Wait(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("Send after close err = %v", err)
	}
}

func TestPeerCloseIsClean(t *testing.T) {
	_, ev, p := connectPipe(t)
	p.conn.Close()
	select {
	case reason := <-ev.closed:
		if reason != nil {
			t.Fatalf("reason = %v, want nil for clean close", reason)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for OnSessionClosed")
	}
}

func TestLocalCloseStopsRouting(t *testing.T) {
	s, _, p := connectPipe(t)
	ce := newContEvents()
	c, _ := s.NewContinuation(ce)
	c.Activate("A", protocol.NewFrame(protocol.KindApplicationMessage, 0, nil, nil))
	id, _ := p.read()

	c.Close()
	p.write(id, protocol.NewFrame(protocol.KindApplicationMessage, 0, nil, []byte("late")))
	p.write(0, protocol.NewFrame(protocol.KindPing, 0, nil, nil))

	select {
	case f := <-ce.frames:
		t.Fatalf("closed continuation received %q", f.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnencodableFrameFailsAlone(t *testing.T) {
	s, ev, p := connectPipe(t)
	ce := newContEvents()
	c, _ := s.NewContinuation(ce)
	c.Activate("A", protocol.NewFrame(protocol.KindApplicationMessage, 0, nil, nil))
	id, _ := p.read()

	big := protocol.StringHeader("big", strings.Repeat("x", 70000))
	_, err, done := c.Send(protocol.NewFrame(protocol.KindApplicationMessage, 0, []protocol.Header{big}, nil)).Result()
	if !done || err == nil {
		t.Fatalf("oversized header send = (%v, %v), want immediate failure", done, err)
	}
	_, err, done = s.Send(protocol.NewFrame(protocol.KindPing, 0, nil, make([]byte, protocol.MaxMessage))).Result()
	if !done || err == nil {
		t.Fatalf("oversized payload send = (%v, %v), want immediate failure", done, err)
	}

	failed, _ := s.NewContinuation(newContEvents())
	if _, err, _ := failed.Activate("B", protocol.NewFrame(protocol.KindApplicationMessage, 0, []protocol.Header{big}, nil)).Result(); err == nil {
		t.Fatal("oversized activation succeeded")
	}

	if _, err := c.Send(protocol.NewFrame(protocol.KindApplicationMessage, 0, nil, []byte("after"))).Wait(context.Background()); err != nil {
		t.Fatalf("send after failed frame: %v", err)
	}
	gotID, f := p.read()
	if gotID != id || string(f.Payload) != "after" {
		t.Fatalf("peer got stream %d %q", gotID, f.Payload)
	}

	select {
	case reason := <-ev.closed:
		t.Fatalf("session closed after an unencodable frame: %v", reason)
	case <-ce.closed:
		t.Fatal("continuation closed after an unencodable frame")
	case <-time.After(50 * time.Millisecond):
	}
}
