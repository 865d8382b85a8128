package rpc

import (
	"fmt"
	"log/slog"

	"github.com/codewiresh/esrpc/internal/future"
	"github.com/codewiresh/esrpc/internal/protocol"
	"github.com/codewiresh/esrpc/internal/servicemodel"
)

// Client invokes operations of one service over a Connection.
type Client struct {
	conn  *Connection
	model servicemodel.Model
	log   *slog.Logger
}

// NewClient binds a service model to a connection.
func NewClient(conn *Connection, model servicemodel.Model) *Client {
	return &Client{conn: conn, model: model, log: conn.log}
}

// Connection returns the underlying connection.
func (c *Client) Connection() *Connection { return c.conn }

// Invoke sends request as the first frame of a new stream. handler is
// required for streaming operations and optional otherwise.
func (c *Client) Invoke(op servicemodel.OperationContext, request servicemodel.Message, handler StreamHandler) (*OperationResponse, error) {
	if request == nil {
		return nil, fmt.Errorf("%w: nil request", ErrInvalidArgument)
	}
	if op.Streaming && handler == nil {
		return nil, fmt.Errorf("%w: streaming operation %s needs a stream handler", ErrInvalidArgument, op.Name)
	}
	if err := op.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	if id := c.model.TypeIDFor(request); id != op.RequestType {
		return nil, fmt.Errorf("%w: request is %s, want %s", ErrInvalidArgument, id, op.RequestType)
	}
	payload, err := c.model.Encode(request)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	r := &OperationResponse{
		op:       op,
		model:    c.model,
		conn:     c.conn,
		response: future.New[servicemodel.Message](),
	}
	r.demux = &demux{
		r:       r,
		handler: handler,
		exp: expectations{
			responseType:       op.ResponseType,
			streamResponseType: op.StreamingResponseType,
			model:              c.model,
		},
		log: c.log.With("operation", op.Name),
	}

	cont, err := c.conn.NewStream(r.demux)
	if err != nil {
		return nil, err
	}
	r.cont = cont
	r.flush = cont.Activate(op.Name, protocol.NewFrame(protocol.KindApplicationMessage, 0,
		messageHeaders(op.RequestType), payload))
	r.flush.OnDone(func(_ struct{}, err error) {
		if err != nil && r.closed.CompareAndSwap(false, true) {
			r.demux.log.Warn("sending request", "err", err)
			cont.Close()
			r.demux.notifyClosed()
		}
	})
	r.result = future.Then(r.flush, r.response)
	return r, nil
}
