package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/meshsched/meshsched/pkg/models"
)

// Executor runs one kind of task on a node
type Executor interface {
	// Name is the task type the executor handles
	Name() string

	// Execute runs the assignment and returns its JSON result
	Execute(ctx context.Context, a *models.TaskAssignment) (json.RawMessage, error)
}

// Registry maps task types to executors
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates a registry holding the given executors
func NewRegistry(executors ...Executor) *Registry {
	r := &Registry{executors: make(map[string]Executor)}
	for _, e := range executors {
		r.Register(e)
	}
	return r
}

// DefaultRegistry holds the built-in sleep and echo executors
func DefaultRegistry() *Registry {
	return NewRegistry(SleepExecutor{}, EchoExecutor{})
}

// Register installs e under e.Name(), replacing any earlier executor
func (r *Registry) Register(e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[e.Name()] = e
}

// Lookup returns the executor for a task type
func (r *Registry) Lookup(taskType string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[taskType]
	return e, ok
}

// Types lists the registered task types in order
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.executors))
	for t := range r.executors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// SleepPayload is the payload of a "sleep" task
type SleepPayload struct {
	Seconds float64 `json:"seconds"`
	Fail    string  `json:"fail,omitempty"` // if set, the task fails with this message after sleeping
}

// SleepExecutor waits for the requested time. It is used to exercise the mesh.
type SleepExecutor struct{}

// Name implements Executor
func (SleepExecutor) Name() string { return "sleep" }

// Execute implements Executor
func (SleepExecutor) Execute(ctx context.Context, a *models.TaskAssignment) (json.RawMessage, error) {
	var p SleepPayload
	if len(a.Payload) > 0 {
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid sleep payload: %w", err)
		}
	}
	if p.Seconds < 0 {
		return nil, fmt.Errorf("invalid sleep payload: negative seconds")
	}

	start := time.Now()
	timer := time.NewTimer(time.Duration(p.Seconds * float64(time.Second)))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	if p.Fail != "" {
		return nil, fmt.Errorf("%s", p.Fail)
	}
	return json.Marshal(map[string]float64{"slept_seconds": time.Since(start).Seconds()})
}

// EchoExecutor returns the payload unchanged
type EchoExecutor struct{}

// Name implements Executor
func (EchoExecutor) Name() string { return "echo" }

// Execute implements Executor
func (EchoExecutor) Execute(ctx context.Context, a *models.TaskAssignment) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(a.Payload) == 0 {
		return json.RawMessage(`null`), nil
	}
	return append(json.RawMessage(nil), a.Payload...), nil
}
