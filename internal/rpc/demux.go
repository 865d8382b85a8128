package rpc

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/codewiresh/esrpc/internal/protocol"
	"github.com/codewiresh/esrpc/internal/servicemodel"
	"github.com/codewiresh/esrpc/internal/transport"
)

// streamState is everything the demultiplexer remembers about one stream.
type streamState struct {
	responseReceived bool
}

// expectations is what a call accepts on its stream.
type expectations struct {
	responseType       string
	streamResponseType string
	model              servicemodel.Model
}

type action int

const (
	actNone action = iota
	actCompleteResponse
	actFailResponse
	actStreamEvent
	actStreamError
	actPong
	actEscalate
)

func (a action) String() string {
	switch a {
	case actNone:
		return "none"
	case actCompleteResponse:
		return "complete-response"
	case actFailResponse:
		return "fail-response"
	case actStreamEvent:
		return "stream-event"
	case actStreamError:
		return "stream-error"
	case actPong:
		return "pong"
	case actEscalate:
		return "escalate"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// outcome is the effect one inbound frame has on a call.
type outcome struct {
	action action
	msg    servicemodel.Message
	err    error
	// close is set when the frame carried TerminateStream.
	close bool
	// terminate asks for an empty TerminateStream frame to be sent back.
	terminate bool
}

// fail routes err to the response future before the response and to the
// stream handler after it.
func (o *outcome) fail(st streamState, err error) {
	o.err = err
	if st.responseReceived {
		o.action = actStreamError
	} else {
		o.action = actFailResponse
	}
}

// classify decides what a frame means for a call in state st. It has no
// side effects.
func classify(st streamState, f protocol.Frame, exp expectations) (streamState, outcome) {
	out := outcome{close: f.Terminates()}

	switch f.Kind {
	case protocol.KindApplicationMessage:
		typeID, _ := f.StringHeader(protocol.HeaderServiceModelType)
		if typeID == "" {
			if out.close && len(f.Payload) == 0 {
				// Bare terminate frame.
				return st, out
			}
			out.fail(st, &UnmappedDataError{Kind: f.Kind})
			return st, out
		}
		expected := exp.responseType
		if st.responseReceived {
			expected = exp.streamResponseType
		}
		if typeID != expected {
			out.fail(st, &UnmappedDataError{Kind: f.Kind, TypeID: typeID, Expected: expected})
			return st, out
		}
		msg, err := exp.model.Decode(typeID, f.Payload)
		if err != nil {
			out.fail(st, &DeserializationError{TypeID: typeID, Err: err})
			return st, out
		}
		out.msg = msg
		if st.responseReceived {
			out.action = actStreamEvent
		} else {
			st.responseReceived = true
			out.action = actCompleteResponse
		}

	case protocol.KindApplicationError:
		typeID, _ := f.StringHeader(protocol.HeaderServiceModelType)
		if typeID == "" || !exp.model.IsErrorType(typeID) {
			out.fail(st, &UnmappedDataError{Kind: f.Kind, TypeID: typeID})
			return st, out
		}
		msg, err := exp.model.Decode(typeID, f.Payload)
		if err != nil {
			out.fail(st, &DeserializationError{TypeID: typeID, Err: err})
			return st, out
		}
		out.fail(st, &ServiceError{TypeID: typeID, Value: msg})

	case protocol.KindPing:
		out.action = actPong

	case protocol.KindPingResponse:

	case protocol.KindProtocolError, protocol.KindServerError:
		out.action = actEscalate
		out.err = newProtocolFault(f)

	default:
		out.fail(st, fmt.Errorf("%w: unexpected %s on an operation stream", ErrInvalidData, f.Kind))
		out.terminate = true
	}
	return st, out
}

// demux is the continuation handler of one call. The transport delivers its
// frames in order from a single goroutine.
type demux struct {
	r       *OperationResponse
	handler StreamHandler
	exp     expectations
	log     *slog.Logger

	mu       sync.Mutex
	state    streamState
	notified atomic.Bool
}

func (d *demux) OnContinuationFrame(f protocol.Frame) {
	if d.notified.Load() {
		return
	}
	d.mu.Lock()
	st, out := classify(d.state, f, d.exp)
	d.state = st
	d.mu.Unlock()

	switch out.action {
	case actCompleteResponse:
		d.r.response.Complete(out.msg)
	case actFailResponse:
		d.log.Debug("response failed", "err", out.err)
		d.r.response.Fail(out.err)
	case actStreamEvent:
		d.deliver(out.msg)
	case actStreamError:
		d.streamError(out.err)
	case actPong:
		d.r.cont.Send(protocol.PingResponseFor(f))
	case actEscalate:
		d.log.Error("fault on operation stream", "err", out.err)
		d.r.conn.disconnect(transport.CloseProtocolError)
	}

	switch {
	case out.terminate:
		d.r.CloseStream()
	case out.close:
		d.r.closed.Store(true)
		d.r.cont.Close()
		d.notifyClosed()
	}
}

func (d *demux) OnContinuationClosed() {
	d.r.closed.Store(true)
	d.notifyClosed()
}

func (d *demux) deliver(msg servicemodel.Message) {
	defer func() {
		if p := recover(); p != nil {
			d.streamError(&HandlerPanicError{Value: p})
		}
	}()
	d.handler.OnStreamEvent(msg)
}

// streamError hands err to the stream handler and closes the stream if it
// asks to.
func (d *demux) streamError(err error) {
	if d.handler == nil {
		d.log.Warn("stream error without a handler", "err", err)
		return
	}
	if d.askClose(err) {
		d.r.CloseStream()
	}
}

func (d *demux) askClose(err error) (closeStream bool) {
	defer func() {
		if p := recover(); p != nil {
			d.log.Error("stream error handler panicked", "panic", p)
			closeStream = true
		}
	}()
	return d.handler.OnStreamError(err)
}

// notifyClosed runs once per call, whichever side closed first.
func (d *demux) notifyClosed() {
	if !d.notified.CompareAndSwap(false, true) {
		return
	}
	d.mu.Lock()
	received := d.state.responseReceived
	d.mu.Unlock()

	if !received {
		d.r.response.Fail(ErrClosedBeforeResponse)
		return
	}
	if d.handler == nil {
		d.log.Debug("stream closed after unary response")
		return
	}
	defer func() {
		if p := recover(); p != nil {
			d.log.Error("stream closed handler panicked", "panic", p)
		}
	}()
	d.handler.OnStreamClosed()
}
