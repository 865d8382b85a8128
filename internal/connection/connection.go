package connection

import "github.com/codewiresh/esrpc/internal/protocol"

// MessageReader reads event-stream messages from a transport.
type MessageReader interface {
	// ReadMessage returns (nil, nil) once the peer closes cleanly.
	ReadMessage() (*protocol.Message, error)
	Close() error
}

// MessageWriter writes event-stream messages to a transport.
type MessageWriter interface {
	WriteMessage(m *protocol.Message) error
	// WriteEncoded writes a message already in wire form, as produced by
	// protocol.MarshalMessage.
	WriteEncoded(b []byte) error
	Close() error
}
