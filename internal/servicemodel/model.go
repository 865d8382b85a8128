// Package servicemodel maps operation and message type identifiers to Go
// values and their JSON encoding. A Registry is built once and shared
// read-only by every connection.
package servicemodel

import (
	"errors"
	"fmt"
)

// ContentType is the payload encoding produced by Registry.
const ContentType = "application/json"

// ErrUnknownType is returned by Decode for a type id the model does not know.
var ErrUnknownType = errors.New("unknown message type")

// Message is any value that travels as an application payload.
type Message interface {
	// ApplicationModelType is the logical type id sent in the
	// service-model-type header.
	ApplicationModelType() string
}

// OperationContext is the static metadata of one operation.
type OperationContext struct {
	Name      string
	Streaming bool

	RequestType  string
	ResponseType string
	// Stream types are empty for unary operations.
	StreamingRequestType  string
	StreamingResponseType string
}

// Validate checks that the context can be invoked.
func (o OperationContext) Validate() error {
	switch {
	case o.Name == "":
		return errors.New("operation has no name")
	case o.RequestType == "":
		return fmt.Errorf("operation %s: no request type", o.Name)
	case o.ResponseType == "":
		return fmt.Errorf("operation %s: no response type", o.Name)
	case !o.Streaming && (o.StreamingRequestType != "" || o.StreamingResponseType != ""):
		return fmt.Errorf("operation %s: stream types on a unary operation", o.Name)
	}
	return nil
}

// Model is what the RPC core needs from a service description.
type Model interface {
	Encode(m Message) ([]byte, error)
	Decode(typeID string, data []byte) (Message, error)
	TypeIDFor(m Message) string
	IsErrorType(typeID string) bool
	Operation(name string) (OperationContext, bool)
}
