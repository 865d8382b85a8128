package connection

import (
	"fmt"
	"net"
	"sync"

	"github.com/codewiresh/esrpc/internal/protocol"
)

// NetReader reads messages from a stream socket (unix, tcp or tls).
type NetReader struct {
	conn net.Conn
}

// NewNetReader creates a new NetReader wrapping the given connection.
func NewNetReader(conn net.Conn) *NetReader {
	return &NetReader{conn: conn}
}

// ReadMessage reads a single message from the underlying connection.
// Returns (nil, nil) on clean EOF.
func (r *NetReader) ReadMessage() (*protocol.Message, error) {
	return protocol.ReadMessage(r.conn)
}

// Close closes the underlying connection.
func (r *NetReader) Close() error {
	return r.conn.Close()
}

// NetWriter writes messages to a stream socket.
// It is safe for concurrent use.
type NetWriter struct {
	conn net.Conn
	mu   sync.Mutex
}

// NewNetWriter creates a new NetWriter wrapping the given connection.
func NewNetWriter(conn net.Conn) *NetWriter {
	return &NetWriter{conn: conn}
}

// WriteMessage writes a single message to the underlying connection.
func (w *NetWriter) WriteMessage(m *protocol.Message) error {
	b, err := protocol.MarshalMessage(m)
	if err != nil {
		return err
	}
	return w.WriteEncoded(b)
}

// WriteEncoded writes one encoded message to the underlying connection.
func (w *NetWriter) WriteEncoded(b []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.conn.Write(b); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	return nil
}

// Close closes the underlying connection.
func (w *NetWriter) Close() error {
	return w.conn.Close()
}
