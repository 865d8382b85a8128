package rpc

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/codewiresh/esrpc/internal/future"
	"github.com/codewiresh/esrpc/internal/protocol"
	"github.com/codewiresh/esrpc/internal/servicemodel"
	"github.com/codewiresh/esrpc/internal/transport"
)

// StreamHandler receives what the peer sends after the initial response.
type StreamHandler interface {
	OnStreamEvent(m servicemodel.Message)
	// OnStreamError reports a failed frame or a panicking OnStreamEvent.
	// Returning true, or panicking, closes the stream.
	OnStreamError(err error) bool
	OnStreamClosed()
}

// StreamHandlerFuncs adapts plain functions to StreamHandler. A nil Error
// func closes the stream on every error.
type StreamHandlerFuncs struct {
	Event  func(m servicemodel.Message)
	Error  func(err error) bool
	Closed func()
}

func (f StreamHandlerFuncs) OnStreamEvent(m servicemodel.Message) {
	if f.Event != nil {
		f.Event(m)
	}
}

func (f StreamHandlerFuncs) OnStreamError(err error) bool {
	if f.Error == nil {
		return true
	}
	return f.Error(err)
}

func (f StreamHandlerFuncs) OnStreamClosed() {
	if f.Closed != nil {
		f.Closed()
	}
}

// OperationResponse is the caller's handle on one invocation.
type OperationResponse struct {
	op    servicemodel.OperationContext
	model servicemodel.Model
	conn  *Connection
	demux *demux

	cont     transport.Continuation
	flush    *future.Future[struct{}]
	response *future.Future[servicemodel.Message]
	result   *future.Future[servicemodel.Message]
	closed   atomic.Bool
}

// Operation returns the invoked operation.
func (r *OperationResponse) Operation() servicemodel.OperationContext { return r.op }

// Flushed settles once the request frame has been written.
func (r *OperationResponse) Flushed() *future.Future[struct{}] { return r.flush }

// Response settles with the initial response. If the request could not be
// sent it fails with the send error.
func (r *OperationResponse) Response() *future.Future[servicemodel.Message] { return r.result }

// Get waits for Response or ctx.
func (r *OperationResponse) Get(ctx context.Context) (servicemodel.Message, error) {
	return r.result.Wait(ctx)
}

// SendStreamEvent sends one client stream event. A send failure closes the
// stream.
func (r *OperationResponse) SendStreamEvent(ev servicemodel.Message) *future.Future[struct{}] {
	if r.closed.Load() {
		return future.Failed[struct{}](ErrStreamClosed)
	}
	if r.op.StreamingRequestType == "" {
		return future.Failed[struct{}](fmt.Errorf("%w: %s takes no stream events", ErrInvalidArgument, r.op.Name))
	}
	if ev == nil {
		return future.Failed[struct{}](fmt.Errorf("%w: nil stream event", ErrInvalidArgument))
	}
	if id := r.model.TypeIDFor(ev); id != r.op.StreamingRequestType {
		return future.Failed[struct{}](fmt.Errorf("%w: stream event is %s, want %s", ErrInvalidArgument, id, r.op.StreamingRequestType))
	}
	payload, err := r.model.Encode(ev)
	if err != nil {
		return future.Failed[struct{}](err)
	}

	out := future.New[struct{}]()
	r.cont.Send(protocol.NewFrame(protocol.KindApplicationMessage, 0,
		messageHeaders(r.op.StreamingRequestType), payload)).OnDone(func(_ struct{}, err error) {
		if err != nil {
			r.demux.log.Warn("sending stream event", "err", err)
			r.CloseStream()
			out.Fail(fmt.Errorf("sending stream event: %w", err))
			return
		}
		out.Complete(struct{}{})
	})
	return out
}

// CloseStream sends an empty TerminateStream frame and releases the
// continuation. Only the first call sends; later calls return a completed
// future.
func (r *OperationResponse) CloseStream() *future.Future[struct{}] {
	if !r.closed.CompareAndSwap(false, true) {
		return future.Completed(struct{}{})
	}
	flushed := r.cont.Send(protocol.NewFrame(protocol.KindApplicationMessage, protocol.FlagTerminateStream, nil, nil))
	r.cont.Close()
	r.demux.notifyClosed()
	return flushed
}

// IsClosed reports whether the stream has been closed by either side.
func (r *OperationResponse) IsClosed() bool { return r.closed.Load() }

func messageHeaders(typeID string) []protocol.Header {
	return []protocol.Header{
		protocol.StringHeader(protocol.HeaderContentType, protocol.ContentTypeJSON),
		protocol.StringHeader(protocol.HeaderServiceModelType, typeID),
	}
}
