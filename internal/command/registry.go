package command

import (
	"context"
	"fmt"
	"sort"
)

// Executor runs one instruction and always answers with a Response
type Executor interface {
	Execute(ctx context.Context, instruction string, args Args) Response
}

// Registry maps each domain to the executor owning it. It is filled once at
// startup and read-only afterwards.
type Registry struct {
	handlers map[Domain]Executor
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[Domain]Executor)}
}

// Register binds a domain to its executor
func (r *Registry) Register(d Domain, e Executor) error {
	if d == "" {
		return fmt.Errorf("empty domain")
	}
	if e == nil {
		return fmt.Errorf("nil executor for domain %q", d)
	}
	if _, exists := r.handlers[d]; exists {
		return fmt.Errorf("domain %q already registered", d)
	}
	r.handlers[d] = e
	return nil
}

// Lookup returns the executor for d
func (r *Registry) Lookup(d Domain) (Executor, bool) {
	e, ok := r.handlers[d]
	return e, ok
}

// Domains lists registered domains in a stable order
func (r *Registry) Domains() []Domain {
	out := make([]Domain, 0, len(r.handlers))
	for d := range r.handlers {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
