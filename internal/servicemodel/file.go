package servicemodel

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ServiceFile is the YAML description of a service whose messages are
// handled as RawMessage values:
//
//	service: echo
//	operations:
//	  - name: Echo
//	    request: EchoRequest
//	    response: EchoResponse
//	  - name: Watch
//	    request: WatchRequest
//	    response: WatchResponse
//	    stream_response: WatchEvent
//	errors: [ServiceError]
type ServiceFile struct {
	Service    string          `yaml:"service"`
	Operations []OperationSpec `yaml:"operations"`
	Errors     []string        `yaml:"errors,omitempty"`
}

// OperationSpec is one operation in a ServiceFile. An operation is streaming
// when either stream type is set or streaming is true.
type OperationSpec struct {
	Name           string `yaml:"name"`
	Request        string `yaml:"request"`
	Response       string `yaml:"response"`
	Streaming      bool   `yaml:"streaming,omitempty"`
	StreamRequest  string `yaml:"stream_request,omitempty"`
	StreamResponse string `yaml:"stream_response,omitempty"`
}

// LoadServiceFile reads a YAML service description.
func LoadServiceFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading service file: %w", err)
	}
	return ParseServiceFile(data)
}

// ParseServiceFile builds a registry of raw message types from YAML.
func ParseServiceFile(data []byte) (*Registry, error) {
	var f ServiceFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing service file: %w", err)
	}
	if f.Service == "" {
		return nil, fmt.Errorf("parsing service file: missing service name")
	}

	seen := make(map[string]bool)
	var types []TypeEntry
	add := func(id string, isError bool) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		types = append(types, Raw(id, isError))
	}
	for _, id := range f.Errors {
		add(id, true)
	}

	ops := make([]OperationContext, 0, len(f.Operations))
	for _, o := range f.Operations {
		ctx := OperationContext{
			Name:                  o.Name,
			Streaming:             o.Streaming || o.StreamRequest != "" || o.StreamResponse != "",
			RequestType:           o.Request,
			ResponseType:          o.Response,
			StreamingRequestType:  o.StreamRequest,
			StreamingResponseType: o.StreamResponse,
		}
		add(o.Request, false)
		add(o.Response, false)
		add(o.StreamRequest, false)
		add(o.StreamResponse, false)
		ops = append(ops, ctx)
	}
	return NewRegistry(f.Service, ops, types...)
}
