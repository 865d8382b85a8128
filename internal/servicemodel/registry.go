package servicemodel

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// TypeEntry describes one registered message type.
type TypeEntry struct {
	ID      string
	IsError bool
	decode  func(data []byte) (Message, error)
}

// Type registers the message type T, decoded into a fresh *T. The id comes
// from T's ApplicationModelType.
func Type[T any, PT interface {
	*T
	Message
}]() TypeEntry {
	return TypeEntry{
		ID: PT(new(T)).ApplicationModelType(),
		decode: func(data []byte) (Message, error) {
			v := PT(new(T))
			if err := json.Unmarshal(emptyAsObject(data), v); err != nil {
				return nil, err
			}
			return v, nil
		},
	}
}

// ErrorType is Type for a modelled service error.
func ErrorType[T any, PT interface {
	*T
	Message
}]() TypeEntry {
	e := Type[T, PT]()
	e.IsError = true
	return e
}

// Raw registers id as a RawMessage type.
func Raw(id string, isError bool) TypeEntry {
	return TypeEntry{
		ID:      id,
		IsError: isError,
		decode: func(data []byte) (Message, error) {
			data = emptyAsObject(data)
			if !json.Valid(data) {
				return nil, fmt.Errorf("payload of %s is not valid JSON", id)
			}
			return RawMessage{Type: id, Data: bytes.Clone(data)}, nil
		},
	}
}

// RawMessage is an undecoded JSON payload tagged with its type id.
type RawMessage struct {
	Type string
	Data json.RawMessage
}

func (m RawMessage) ApplicationModelType() string { return m.Type }

func (m RawMessage) MarshalJSON() ([]byte, error) {
	return emptyAsObject(m.Data), nil
}

// Registry is an immutable Model.
type Registry struct {
	name  string
	ops   map[string]OperationContext
	types map[string]TypeEntry
}

var _ Model = (*Registry)(nil)

// NewRegistry builds a registry. Every type an operation names must be in
// types.
func NewRegistry(name string, ops []OperationContext, types ...TypeEntry) (*Registry, error) {
	r := &Registry{
		name:  name,
		ops:   make(map[string]OperationContext, len(ops)),
		types: make(map[string]TypeEntry, len(types)),
	}
	for _, t := range types {
		if t.ID == "" {
			return nil, fmt.Errorf("service %s: type with empty id", name)
		}
		if _, dup := r.types[t.ID]; dup {
			return nil, fmt.Errorf("service %s: duplicate type %s", name, t.ID)
		}
		r.types[t.ID] = t
	}
	for _, op := range ops {
		if err := op.Validate(); err != nil {
			return nil, fmt.Errorf("service %s: %w", name, err)
		}
		if _, dup := r.ops[op.Name]; dup {
			return nil, fmt.Errorf("service %s: duplicate operation %s", name, op.Name)
		}
		for _, id := range []string{op.RequestType, op.ResponseType, op.StreamingRequestType, op.StreamingResponseType} {
			if id == "" {
				continue
			}
			if _, ok := r.types[id]; !ok {
				return nil, fmt.Errorf("service %s: operation %s references unknown type %s", name, op.Name, id)
			}
		}
		r.ops[op.Name] = op
	}
	return r, nil
}

// Name returns the service name.
func (r *Registry) Name() string { return r.name }

// Operations returns the operations sorted by name.
func (r *Registry) Operations() []OperationContext {
	out := make([]OperationContext, 0, len(r.ops))
	for _, op := range r.ops {
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) Operation(name string) (OperationContext, bool) {
	op, ok := r.ops[name]
	return op, ok
}

func (r *Registry) Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("encoding: nil message")
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", m.ApplicationModelType(), err)
	}
	return data, nil
}

func (r *Registry) Decode(typeID string, data []byte) (Message, error) {
	t, ok := r.types[typeID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typeID)
	}
	m, err := t.decode(data)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", typeID, err)
	}
	return m, nil
}

func (r *Registry) TypeIDFor(m Message) string {
	if m == nil {
		return ""
	}
	return m.ApplicationModelType()
}

func (r *Registry) IsErrorType(typeID string) bool {
	t, ok := r.types[typeID]
	return ok && t.IsError
}

func emptyAsObject(data []byte) []byte {
	if len(bytes.TrimSpace(data)) == 0 {
		return []byte("{}")
	}
	return data
}
