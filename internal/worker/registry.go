package worker

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// Handler executes one task. A nil error is success; any error is the failure
// reason recorded on the task. Handlers may be invoked more than once for the
// same task and must tolerate it.
type Handler interface {
	Handle(ctx context.Context, taskID string, payload json.RawMessage) error
}

type HandlerFunc func(ctx context.Context, taskID string, payload json.RawMessage) error

func (f HandlerFunc) Handle(ctx context.Context, taskID string, payload json.RawMessage) error {
	return f(ctx, taskID, payload)
}

// Registry maps task types to handlers. It is filled during boot and read
// concurrently afterwards.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a task type. Registering a type again replaces
// the previous handler.
func (r *Registry) Register(taskType string, h Handler) {
	r.mu.Lock()
	r.handlers[taskType] = h
	r.mu.Unlock()
}

func (r *Registry) Handler(taskType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskType]
	return h, ok
}

func (r *Registry) Has(taskType string) bool {
	_, ok := r.Handler(taskType)
	return ok
}

// Types returns the registered task types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
