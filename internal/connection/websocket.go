package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"nhooyr.io/websocket"

	"github.com/codewiresh/esrpc/internal/protocol"
)

// WSReader reads messages from a WebSocket connection. Each binary
// WebSocket message carries exactly one event-stream message.
type WSReader struct {
	conn *websocket.Conn
	ctx  context.Context
}

// NewWSReader creates a new WSReader wrapping the given WebSocket connection.
func NewWSReader(ctx context.Context, conn *websocket.Conn) *WSReader {
	return &WSReader{conn: conn, ctx: ctx}
}

// ReadMessage reads a single message from the WebSocket.
// Returns (nil, nil) on normal close, matching the stream socket EOF convention.
func (r *WSReader) ReadMessage() (*protocol.Message, error) {
	msgType, data, err := r.conn.Read(r.ctx)
	if err != nil {
		var closeErr websocket.CloseError
		if errors.As(err, &closeErr) && closeErr.Code == websocket.StatusNormalClosure {
			return nil, nil
		}
		return nil, err
	}
	if msgType != websocket.MessageBinary {
		return nil, fmt.Errorf("unexpected websocket message type: %d", msgType)
	}
	return protocol.UnmarshalMessage(data)
}

// Close sends a normal closure message and closes the WebSocket.
func (r *WSReader) Close() error {
	return r.conn.Close(websocket.StatusNormalClosure, "")
}

// WSWriter writes messages to a WebSocket connection.
// It is safe for concurrent use.
type WSWriter struct {
	conn *websocket.Conn
	ctx  context.Context
	mu   sync.Mutex
}

// NewWSWriter creates a new WSWriter wrapping the given WebSocket connection.
func NewWSWriter(ctx context.Context, conn *websocket.Conn) *WSWriter {
	return &WSWriter{conn: conn, ctx: ctx}
}

// WriteMessage encodes m and sends it as one binary WebSocket message.
func (w *WSWriter) WriteMessage(m *protocol.Message) error {
	data, err := protocol.MarshalMessage(m)
	if err != nil {
		return err
	}
	return w.WriteEncoded(data)
}

// WriteEncoded sends one encoded message as a binary WebSocket message.
func (w *WSWriter) WriteEncoded(b []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.Write(w.ctx, websocket.MessageBinary, b)
}

// Close sends a normal closure message and closes the WebSocket.
func (w *WSWriter) Close() error {
	return w.conn.Close(websocket.StatusNormalClosure, "")
}
