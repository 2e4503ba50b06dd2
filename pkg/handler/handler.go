package handler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/deckflow/deckflow/pkg/types"
)

// Request carries one task into a handler. Payload and SubjectRef are
// opaque to the scheduler; handlers interpret them. Report publishes
// advisory progress (nil-safe to ignore).
type Request struct {
	TaskID     int64
	Kind       string
	PipelineID string
	SubjectRef string
	Payload    []byte
	Attempt    int // 0 on the first execution, equals retries afterwards
	Report     func(percent int, step string)
}

// Handler executes one task kind. The context is cancelled when the
// worker is shutting down or the task's lease has been lost; handlers are
// expected to stop cooperatively. Because delivery is at-least-once, any
// externally visible side effect must be idempotent or self-deduplicating.
type Handler interface {
	Handle(ctx context.Context, req *Request) ([]byte, error)
}

// Func adapts a plain function to the Handler interface.
type Func func(ctx context.Context, req *Request) ([]byte, error)

// Handle implements Handler.
func (f Func) Handle(ctx context.Context, req *Request) ([]byte, error) {
	return f(ctx, req)
}

// Failure is a classified handler error. Transient failures are retried
// with backoff; permanent ones fail the task immediately.
type Failure struct {
	Message string
	Class   types.FailureClass
	Cause   error
}

// Error implements the error interface.
func (f *Failure) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("%s: %v", f.Message, f.Cause)
	}
	return f.Message
}

// Unwrap exposes the underlying cause.
func (f *Failure) Unwrap() error {
	return f.Cause
}

// Transient wraps an error as a retryable failure.
func Transient(msg string, cause error) *Failure {
	return &Failure{Message: msg, Class: types.FailureTransient, Cause: cause}
}

// Permanent wraps an error as a non-retryable failure.
func Permanent(msg string, cause error) *Failure {
	return &Failure{Message: msg, Class: types.FailurePermanent, Cause: cause}
}

// Classify extracts the failure class from a handler error. Unclassified
// errors count as transient: an error the handler did not recognize is
// indistinguishable from a flaky dependency, and the retry budget bounds
// the damage of guessing wrong.
func Classify(err error) types.FailureClass {
	var f *Failure
	if errors.As(err, &f) {
		return f.Class
	}
	return types.FailureTransient
}

// Registry maps task kinds to handlers. A worker's capability set is
// exactly the kinds registered here.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a kind, replacing any previous binding.
func (r *Registry) Register(kind string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

// Get returns the handler for a kind.
func (r *Registry) Get(kind string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}

// Kinds returns the registered kinds sorted for stable capability
// advertisement.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.handlers))
	for kind := range r.handlers {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}
