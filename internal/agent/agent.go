// Package agent exposes engine capabilities behind a uniform
// initialize/execute contract selected by a type tag.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go-etl-engine/internal/model"
)

// ErrUnknownAgent is returned for an unregistered type tag
var ErrUnknownAgent = errors.New("unknown agent type")

// Input is one execution request
type Input struct {
	Caller  model.Caller    `json:"caller"`
	Payload json.RawMessage `json:"payload"`
}

// Output is one execution result
type Output struct {
	Agent  string      `json:"agent"`
	Status string      `json:"status"`
	Data   interface{} `json:"data,omitempty"`
}

// Agent is a capability that can be initialized once and executed many times
type Agent interface {
	Type() string
	Initialize(ctx context.Context) error
	Execute(ctx context.Context, in Input) (Output, error)
}

// Factory builds an agent instance
type Factory func() Agent

// Registry maps type tags to agents. Agents are created and initialized on
// first use.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	instances map[string]Agent
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		instances: make(map[string]Agent),
	}
}

// Register adds a factory. Registering a tag twice is a programming error.
func (r *Registry) Register(typ string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.factories[typ]; dup {
		panic(fmt.Sprintf("agent: type %q registered twice", typ))
	}
	r.factories[typ] = f
}

// Types lists the registered tags, sorted
func (r *Registry) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Get returns the initialized agent for a tag
func (r *Registry) Get(ctx context.Context, typ string) (Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.instances[typ]; ok {
		return a, nil
	}
	f, ok := r.factories[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, typ)
	}
	a := f()
	if err := a.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize agent %s: %w", typ, err)
	}
	r.instances[typ] = a
	return a, nil
}

// Execute runs the agent registered under typ
func (r *Registry) Execute(ctx context.Context, typ string, in Input) (Output, error) {
	a, err := r.Get(ctx, typ)
	if err != nil {
		return Output{}, err
	}
	return a.Execute(ctx, in)
}
