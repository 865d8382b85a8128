package rpc

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/codewiresh/esrpc/internal/protocol"
	"github.com/codewiresh/esrpc/internal/servicemodel"
)

var (
	ErrNotConnected         = errors.New("connection not open")
	ErrAlreadyConnecting    = errors.New("connection already connecting or connected")
	ErrAccessDenied         = errors.New("connection access denied")
	ErrUnmappedData         = errors.New("unmapped data")
	ErrInvalidData          = errors.New("invalid data")
	ErrDeserialization      = errors.New("deserialization failure")
	ErrProtocolFault        = errors.New("protocol fault")
	ErrClosedBeforeResponse = errors.New("stream closed before response")
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrStreamClosed         = errors.New("stream closed")
)

// UnmappedDataError is a frame whose service-model-type is missing or not
// the one the call expects.
type UnmappedDataError struct {
	Kind     protocol.MessageKind
	TypeID   string // empty when the header is missing
	Expected string
}

func (e *UnmappedDataError) Error() string {
	if e.TypeID == "" {
		return fmt.Sprintf("unmapped data: %s without a service-model-type", e.Kind)
	}
	if e.Expected == "" {
		return fmt.Sprintf("unmapped data: %s of unknown type %q", e.Kind, e.TypeID)
	}
	return fmt.Sprintf("unmapped data: %s of type %q, expected %q", e.Kind, e.TypeID, e.Expected)
}

func (e *UnmappedDataError) Unwrap() error { return ErrUnmappedData }

// DeserializationError is a recognized type whose payload failed to decode.
type DeserializationError struct {
	TypeID string
	Err    error
}

func (e *DeserializationError) Error() string {
	return fmt.Sprintf("deserializing %s: %v", e.TypeID, e.Err)
}

func (e *DeserializationError) Unwrap() []error { return []error{ErrDeserialization, e.Err} }

// ProtocolFault is a ProtocolError or ServerError sent by the peer.
type ProtocolFault struct {
	Kind    protocol.MessageKind
	Message string
	Headers []protocol.Header
}

func newProtocolFault(f protocol.Frame) *ProtocolFault {
	pf := &ProtocolFault{Kind: f.Kind, Headers: protocol.WithoutReserved(f.Headers)}
	var body struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(f.Payload, &body) == nil && body.Message != "" {
		pf.Message = body.Message
	} else {
		pf.Message = string(f.Payload)
	}
	return pf
}

func (e *ProtocolFault) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("peer sent %s", e.Kind)
	}
	return fmt.Sprintf("peer sent %s: %s", e.Kind, e.Message)
}

func (e *ProtocolFault) Unwrap() error { return ErrProtocolFault }

// ServiceError is a modelled error returned by the operation.
type ServiceError struct {
	TypeID string
	Value  servicemodel.Message
}

func (e *ServiceError) Error() string {
	if err, ok := e.Value.(error); ok {
		return fmt.Sprintf("service error %s: %v", e.TypeID, err)
	}
	if raw, ok := e.Value.(servicemodel.RawMessage); ok {
		return fmt.Sprintf("service error %s: %s", e.TypeID, raw.Data)
	}
	return "service error " + e.TypeID
}

// HandlerPanicError is a panic recovered from a stream handler.
type HandlerPanicError struct {
	Value any
}

func (e *HandlerPanicError) Error() string {
	return fmt.Sprintf("stream handler panicked: %v", e.Value)
}
