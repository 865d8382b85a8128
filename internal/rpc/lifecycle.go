package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/codewiresh/esrpc/internal/protocol"
)

// Phase is a step of the connection lifecycle.
type Phase int

const (
	Disconnected Phase = iota
	ConnectingSocket
	WaitingConnack
	Connected
	Closing
)

func (p Phase) String() string {
	switch p {
	case Disconnected:
		return "disconnected"
	case ConnectingSocket:
		return "connecting-socket"
	case WaitingConnack:
		return "waiting-connack"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// LifecycleHandler observes one connect attempt.
type LifecycleHandler interface {
	OnConnect()
	// OnDisconnect is called once when the attempt ends. reason is nil for a
	// clean close by the peer.
	OnDisconnect(reason error)
	// OnError reports a connection-level error. Returning true, or panicking,
	// disconnects. Access denial disconnects regardless.
	OnError(err error) bool
}

// PingResponseHandler is optionally implemented by a LifecycleHandler to
// observe connection-level ping responses.
type PingResponseHandler interface {
	OnPingResponse(headers []protocol.Header, payload []byte)
}

// LifecycleFuncs adapts plain functions to LifecycleHandler. A nil Error
// func disconnects on every error.
type LifecycleFuncs struct {
	Connect      func()
	Disconnect   func(reason error)
	Error        func(err error) bool
	PingResponse func(headers []protocol.Header, payload []byte)
}

func (f LifecycleFuncs) OnConnect() {
	if f.Connect != nil {
		f.Connect()
	}
}

func (f LifecycleFuncs) OnDisconnect(reason error) {
	if f.Disconnect != nil {
		f.Disconnect(reason)
	}
}

func (f LifecycleFuncs) OnError(err error) bool {
	if f.Error == nil {
		return true
	}
	return f.Error(err)
}

func (f LifecycleFuncs) OnPingResponse(headers []protocol.Header, payload []byte) {
	if f.PingResponse != nil {
		f.PingResponse(headers, payload)
	}
}

// ConnectAmender supplies the application part of the Connect frame. The
// connection adds the :version header itself.
type ConnectAmender interface {
	AmendConnect() (headers []protocol.Header, payload []byte, err error)
}

// ConnectAmenderFunc adapts a function to ConnectAmender.
type ConnectAmenderFunc func() ([]protocol.Header, []byte, error)

func (f ConnectAmenderFunc) AmendConnect() ([]protocol.Header, []byte, error) { return f() }

// AuthTokenAmender sends {"authToken": token} as the Connect payload.
type AuthTokenAmender string

func (t AuthTokenAmender) AmendConnect() ([]protocol.Header, []byte, error) {
	payload, err := json.Marshal(struct {
		AuthToken string `json:"authToken"`
	}{string(t)})
	if err != nil {
		return nil, nil, err
	}
	return []protocol.Header{protocol.StringHeader(protocol.HeaderContentType, protocol.ContentTypeJSON)}, payload, nil
}
