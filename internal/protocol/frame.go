package protocol

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MessageKind identifies what a frame means to the RPC layer.
type MessageKind int32

const (
	KindConnect            MessageKind = 1
	KindConnectAck         MessageKind = 2
	KindApplicationMessage MessageKind = 3
	KindApplicationError   MessageKind = 4
	KindPing               MessageKind = 5
	KindPingResponse       MessageKind = 6
	KindProtocolError      MessageKind = 7
	KindServerError        MessageKind = 8
)

func (k MessageKind) String() string {
	switch k {
	case KindConnect:
		return "Connect"
	case KindConnectAck:
		return "ConnectAck"
	case KindApplicationMessage:
		return "ApplicationMessage"
	case KindApplicationError:
		return "ApplicationError"
	case KindPing:
		return "Ping"
	case KindPingResponse:
		return "PingResponse"
	case KindProtocolError:
		return "ProtocolError"
	case KindServerError:
		return "ServerError"
	default:
		return fmt.Sprintf("MessageKind(%d)", int32(k))
	}
}

// Flags is the per-frame flag bitmask. Bit 0 means ConnectionAccepted on a
// ConnectAck and TerminateStream on every other kind.
type Flags int32

const (
	FlagConnectionAccepted Flags = 1 << 0
	FlagTerminateStream    Flags = 1 << 0
)

// Has reports whether all bits of f2 are set in f.
func (f Flags) Has(f2 Flags) bool { return f&f2 == f2 }

// Reserved header names. Names starting with ':' belong to the protocol and
// are never echoed back to the peer.
const (
	HeaderMessageType      = ":message-type"
	HeaderMessageFlags     = ":message-flags"
	HeaderStreamID         = ":stream-id"
	HeaderVersion          = ":version"
	HeaderContentType      = ":content-type"
	HeaderOperation        = "operation"
	HeaderServiceModelType = "service-model-type"

	ProtocolVersion = "0.1.0"
	ContentTypeJSON = "application/json"
)

// IsReserved reports whether a header name is owned by the protocol.
func IsReserved(name string) bool { return strings.HasPrefix(name, ":") }

// HeaderType is the wire type tag of a header value.
type HeaderType byte

const (
	HeaderBoolTrue  HeaderType = 0
	HeaderBoolFalse HeaderType = 1
	HeaderByte      HeaderType = 2
	HeaderInt16     HeaderType = 3
	HeaderInt32     HeaderType = 4
	HeaderInt64     HeaderType = 5
	HeaderBytes     HeaderType = 6
	HeaderString    HeaderType = 7
	HeaderTimestamp HeaderType = 8
	HeaderUUID      HeaderType = 9
)

// Header is a single typed header. Value holds bool, int8, int16, int32,
// int64, []byte, string, time.Time or uuid.UUID according to Type.
type Header struct {
	Name  string
	Type  HeaderType
	Value any
}

func BoolHeader(name string, v bool) Header {
	if v {
		return Header{Name: name, Type: HeaderBoolTrue, Value: true}
	}
	return Header{Name: name, Type: HeaderBoolFalse, Value: false}
}

func ByteHeader(name string, v int8) Header { return Header{Name: name, Type: HeaderByte, Value: v} }

func Int16Header(name string, v int16) Header {
	return Header{Name: name, Type: HeaderInt16, Value: v}
}

func Int32Header(name string, v int32) Header {
	return Header{Name: name, Type: HeaderInt32, Value: v}
}

func Int64Header(name string, v int64) Header {
	return Header{Name: name, Type: HeaderInt64, Value: v}
}

func BytesHeader(name string, v []byte) Header {
	return Header{Name: name, Type: HeaderBytes, Value: append([]byte(nil), v...)}
}

func StringHeader(name, v string) Header {
	return Header{Name: name, Type: HeaderString, Value: v}
}

// TimestampHeader is carried with millisecond precision on the wire.
func TimestampHeader(name string, v time.Time) Header {
	return Header{Name: name, Type: HeaderTimestamp, Value: v.UTC().Truncate(time.Millisecond)}
}

func UUIDHeader(name string, v uuid.UUID) Header {
	return Header{Name: name, Type: HeaderUUID, Value: v}
}

// StringValue returns the value of a string header.
func (h Header) StringValue() (string, bool) {
	s, ok := h.Value.(string)
	return s, ok && h.Type == HeaderString
}

// IntValue returns the value of any integer header widened to int64.
func (h Header) IntValue() (int64, bool) {
	switch v := h.Value.(type) {
	case int8:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	}
	return 0, false
}

// Frame is one unit of RPC communication. Frames are immutable: NewFrame
// copies its inputs and callers must not modify Headers or Payload.
type Frame struct {
	Kind    MessageKind
	Flags   Flags
	Headers []Header
	Payload []byte
}

// NewFrame builds a frame, copying headers and payload.
func NewFrame(kind MessageKind, flags Flags, headers []Header, payload []byte) Frame {
	f := Frame{Kind: kind, Flags: flags}
	if len(headers) > 0 {
		f.Headers = append([]Header(nil), headers...)
	}
	if len(payload) > 0 {
		f.Payload = append([]byte(nil), payload...)
	}
	return f
}

// Header returns the first header with the given name.
func (f Frame) Header(name string) (Header, bool) {
	for _, h := range f.Headers {
		if h.Name == name {
			return h, true
		}
	}
	return Header{}, false
}

// StringHeader returns the value of a string header, or false if absent or
// of another type.
func (f Frame) StringHeader(name string) (string, bool) {
	h, ok := f.Header(name)
	if !ok {
		return "", false
	}
	return h.StringValue()
}

// Terminates reports whether the frame carries TerminateStream. ConnectAck
// reuses the bit for ConnectionAccepted and never terminates.
func (f Frame) Terminates() bool {
	return f.Kind != KindConnectAck && f.Flags.Has(FlagTerminateStream)
}

// WithoutReserved returns the headers minus protocol-reserved ones.
func WithoutReserved(headers []Header) []Header {
	out := make([]Header, 0, len(headers))
	for _, h := range headers {
		if !IsReserved(h.Name) {
			out = append(out, h)
		}
	}
	return out
}

// PingResponseFor builds the echo for a Ping: same payload, reserved
// headers removed.
func PingResponseFor(ping Frame) Frame {
	return NewFrame(KindPingResponse, 0, WithoutReserved(ping.Headers), ping.Payload)
}
