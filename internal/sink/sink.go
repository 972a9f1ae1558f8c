// Package sink provides the durable-output backends for Decisions.
//
// Backends implement a deliberately narrow capability so new ones can be
// added without touching engine logic: Emit buffers or writes one Decision,
// Close makes everything buffered durable. Emit may return before a batched
// row hits disk; Close must not.
package sink

import (
	"fmt"

	"github.com/quantfall/microgate/internal/pipeline"
)

// Sink is the shared capability implemented by every backend.
type Sink interface {
	// Name identifies the backend for logging and close-order bookkeeping.
	Name() string

	// Emit persists or buffers one Decision. The Decision is owned by the
	// sink after the call and is never shared with another sink.
	Emit(d *pipeline.Decision) error

	// Close flushes all buffered rows durably, then releases resources.
	Close() error
}

// Error wraps a backend failure with the sink name and whether a retry
// could plausibly succeed.
type Error struct {
	Sink      string
	Op        string
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("sink %s: %s: %v", e.Sink, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether a retry could plausibly succeed. The engine
// discovers this through an interface check, not a package dependency.
func (e *Error) IsTransient() bool { return e.Transient }

// Null is the dry-run backend: Emit and Close are no-ops.
type Null struct{}

// NewNull returns the no-op sink.
func NewNull() *Null { return &Null{} }

func (*Null) Name() string                    { return "null" }
func (*Null) Emit(_ *pipeline.Decision) error { return nil }
func (*Null) Close() error                    { return nil }
