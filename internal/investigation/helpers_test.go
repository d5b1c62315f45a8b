package investigation

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/nkropf/datapatrol/internal/errors"
	"github.com/nkropf/datapatrol/internal/notify"
)

// memoryStore is an in-memory Store for coordinator tests. Error
// injection hooks mimic the persistence layer's failure modes.
type memoryStore struct {
	mu       sync.Mutex
	defs     map[string]*Definition
	execs    map[string]*Execution
	findings map[string][]*Finding

	// incrementHook, when set, runs before each increment attempt; a
	// non-nil return is surfaced instead of applying the increment.
	incrementHook func(executionID string) error
	finalizeErr   error
	getExecErr    error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		defs:     make(map[string]*Definition),
		execs:    make(map[string]*Execution),
		findings: make(map[string][]*Finding),
	}
}

func (s *memoryStore) putDefinition(def *Definition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defs[def.ID] = def
}

func (s *memoryStore) GetDefinition(ctx context.Context, id string) (*Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.defs[id]
	if !ok {
		return nil, apperrors.NewStoreError(apperrors.ErrorTypeNotFound, "get_definition", id, apperrors.ErrNotFound)
	}
	copy := *def
	return &copy, nil
}

func (s *memoryStore) TouchDefinition(ctx context.Context, id string, lastRun time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.defs[id]
	if !ok {
		return apperrors.NewStoreError(apperrors.ErrorTypeNotFound, "touch_definition", id, apperrors.ErrNotFound)
	}
	def.LastRunAt = &lastRun
	return nil
}

func (s *memoryStore) CreateExecution(ctx context.Context, exec *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copy := *exec
	s.execs[exec.ID] = &copy
	return nil
}

func (s *memoryStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getExecErr != nil {
		return nil, s.getExecErr
	}
	exec, ok := s.execs[id]
	if !ok {
		return nil, apperrors.NewStoreError(apperrors.ErrorTypeNotFound, "get_execution", id, apperrors.ErrNotFound)
	}
	copy := *exec
	return &copy, nil
}

func (s *memoryStore) FinalizeExecution(ctx context.Context, id string, status Status, completedAt time.Time, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalizeErr != nil {
		return s.finalizeErr
	}
	exec, ok := s.execs[id]
	if !ok {
		return apperrors.NewStoreError(apperrors.ErrorTypeNotFound, "finalize_execution", id, apperrors.ErrNotFound)
	}
	if exec.Status.Terminal() {
		return apperrors.NewStoreError(apperrors.ErrorTypeConflict, "finalize_execution", id, apperrors.ErrFinalized)
	}
	exec.Status = status
	exec.CompletedAt = &completedAt
	exec.Error = errMsg
	return nil
}

func (s *memoryStore) InsertFinding(ctx context.Context, f *Finding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.execs[f.ExecutionID]; !ok {
		return apperrors.NewStoreError(apperrors.ErrorTypeNotFound, "insert_finding", f.ID, apperrors.ErrNotFound)
	}
	copy := *f
	s.findings[f.ExecutionID] = append(s.findings[f.ExecutionID], &copy)
	return nil
}

func (s *memoryStore) IncrementResultCount(ctx context.Context, executionID string) error {
	s.mu.Lock()
	hook := s.incrementHook
	s.mu.Unlock()

	if hook != nil {
		if err := hook(executionID); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.execs[executionID]
	if !ok {
		return apperrors.NewStoreError(apperrors.ErrorTypeNotFound, "increment_count", executionID, apperrors.ErrNotFound)
	}
	exec.ResultCount++
	return nil
}

func (s *memoryStore) findingCount(executionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.findings[executionID])
}

func (s *memoryStore) singleExecution() *Execution {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, exec := range s.execs {
		copy := *exec
		return &copy
	}
	return nil
}

func contentionErr(op, id string) error {
	return apperrors.NewStoreError(apperrors.ErrorTypeContention, op, id, fmt.Errorf("database is locked"))
}

// recordingPublisher captures events in publish order.
type recordingPublisher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (p *recordingPublisher) Publish(event notify.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) all() []notify.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]notify.Event, len(p.events))
	copy(out, p.events)
	return out
}

func (p *recordingPublisher) byType(t notify.EventType) []notify.Event {
	var out []notify.Event
	for _, e := range p.all() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// countingEvaluator wraps an Evaluator and tracks how many entities it saw.
type countingEvaluator struct {
	inner Evaluator
	mu    sync.Mutex
	seen  int
}

func (c *countingEvaluator) Kind() string { return c.inner.Kind() }

func (c *countingEvaluator) Evaluate(entity interface{}, cfg RuleConfig) Verdict {
	c.mu.Lock()
	c.seen++
	c.mu.Unlock()
	return c.inner.Evaluate(entity, cfg)
}

func (c *countingEvaluator) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seen
}

// thresholdRule mirrors the built-in threshold evaluator without importing
// the rules package (which would create an import cycle in tests).
type thresholdRule struct{}

func (thresholdRule) Kind() string { return "threshold-check" }

func (thresholdRule) Evaluate(entity interface{}, cfg RuleConfig) Verdict {
	value, ok := entity.(float64)
	if !ok {
		return Verdict{}
	}
	max, _ := cfg["max"].(float64)
	var reasons []string
	if value > max {
		reasons = append(reasons, fmt.Sprintf("value %v above max %v", value, max))
	}
	if value < 0 {
		reasons = append(reasons, fmt.Sprintf("value %v below zero", value))
	}
	if len(reasons) == 0 {
		return Verdict{}
	}
	return Verdict{Anomalous: true, Severity: SeverityWarning, Reasons: reasons}
}

// failingSource yields a fixed number of entities and then errors.
type failingSource struct {
	entities []interface{}
	yield    int
}

func (f *failingSource) All(ctx context.Context) ([]interface{}, error) {
	return nil, fmt.Errorf("data source unavailable")
}

func (f *failingSource) Iter(ctx context.Context) (EntityIterator, error) {
	return &failingIterator{entities: f.entities, yield: f.yield}, nil
}

type failingIterator struct {
	entities []interface{}
	yield    int
	pos      int
}

func (it *failingIterator) Next(ctx context.Context) (interface{}, bool, error) {
	if it.pos >= it.yield {
		return nil, false, fmt.Errorf("entity stream broke after %d entities", it.pos)
	}
	e := it.entities[it.pos]
	it.pos++
	return e, true, nil
}

func (it *failingIterator) Close() error { return nil }
