// Package store keeps a journal of the calls made from the CLI. The default
// implementation uses SQLite (pure Go, no CGO).
package store

import (
	"context"
	"time"
)

// Call is one journaled invocation.
type Call struct {
	ID         string     `json:"id" yaml:"id"`
	Server     string     `json:"server" yaml:"server"`
	Operation  string     `json:"operation" yaml:"operation"`
	Streaming  bool       `json:"streaming" yaml:"streaming"`
	Request    []byte     `json:"request,omitempty" yaml:"-"`
	Response   []byte     `json:"response,omitempty" yaml:"-"`
	Events     int        `json:"events" yaml:"events"`
	Error      string     `json:"error,omitempty" yaml:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at" yaml:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
}

// Duration is how long the call ran, or zero while it is still open.
func (c Call) Duration() time.Duration {
	if c.FinishedAt == nil {
		return 0
	}
	return c.FinishedAt.Sub(c.StartedAt)
}

// ListOptions filters CallList.
type ListOptions struct {
	Operation string // exact match, empty for all
	Limit     int    // 0 means 50
}

// Store is the call journal. All methods are safe for concurrent use.
type Store interface {
	// CallStart records a new call and assigns its ID if empty.
	CallStart(ctx context.Context, c *Call) error
	CallFinish(ctx context.Context, id string, response []byte, events int, callErr error) error
	CallGet(ctx context.Context, id string) (*Call, error)
	// CallList returns the newest calls first.
	CallList(ctx context.Context, opts ListOptions) ([]Call, error)
	CallPrune(ctx context.Context, before time.Time) (int64, error)

	// Close releases resources (e.g. closes the database).
	Close() error
}
