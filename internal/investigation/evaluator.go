package investigation

import (
	"context"
	"sync"
)

// RuleConfig carries the per-definition tuning knobs handed to an
// evaluator (thresholds, bounds, field names). Keys are evaluator-specific.
type RuleConfig map[string]interface{}

// Verdict is the outcome of evaluating one entity.
type Verdict struct {
	Anomalous bool
	Severity  Severity // ignored unless Anomalous
	Reasons   []string
}

// Evaluator applies a pure anomaly rule to a single entity. Implementations
// must be stateless and perform no I/O; the same entity and config always
// produce the same verdict.
type Evaluator interface {
	Kind() string
	Evaluate(entity interface{}, cfg RuleConfig) Verdict
}

// EntityIterator yields entities one at a time from a lazy data source.
type EntityIterator interface {
	// Next returns the next entity. ok is false once the sequence is
	// exhausted; err aborts the scan.
	Next(ctx context.Context) (entity interface{}, ok bool, err error)
	Close() error
}

// DataSource yields the finite entity set for one investigator kind. Both
// access patterns must be supported; Iter is what keeps large scans in
// bounded memory.
type DataSource interface {
	All(ctx context.Context) ([]interface{}, error)
	Iter(ctx context.Context) (EntityIterator, error)
}

// Binding pairs an evaluator with the data source and config it scans.
type Binding struct {
	Evaluator Evaluator
	Source    DataSource
	Config    RuleConfig
	Streaming bool // use the chunked strategy
}

// Registry maps investigator kinds to their bindings.
type Registry struct {
	mu       sync.RWMutex
	bindings map[string]Binding
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{bindings: make(map[string]Binding)}
}

// Register installs a binding for a kind, replacing any previous one.
func (r *Registry) Register(kind string, b Binding) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[kind] = b
}

// Lookup returns the binding for a kind.
func (r *Registry) Lookup(kind string) (Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[kind]
	return b, ok
}

// Kinds returns the registered kinds.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.bindings))
	for k := range r.bindings {
		kinds = append(kinds, k)
	}
	return kinds
}
