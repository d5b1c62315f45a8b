package investigation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	apperrors "github.com/nkropf/datapatrol/internal/errors"
	"github.com/nkropf/datapatrol/internal/metrics"
	"github.com/nkropf/datapatrol/internal/notify"
)

// Store is the persistence contract the coordinator needs. The SQLite
// implementation lives in internal/store; tests substitute in-memory fakes.
type Store interface {
	GetDefinition(ctx context.Context, id string) (*Definition, error)
	TouchDefinition(ctx context.Context, id string, lastRun time.Time) error

	CreateExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	// FinalizeExecution moves a Running execution to a terminal status.
	// It must refuse to touch an execution that is already terminal.
	FinalizeExecution(ctx context.Context, id string, status Status, completedAt time.Time, errMsg string) error

	InsertFinding(ctx context.Context, f *Finding) error
	// IncrementResultCount applies a single atomic "+1" to the stored
	// counter. Transient contention is reported via a retryable error.
	IncrementResultCount(ctx context.Context, executionID string) error
}

// Defaults for the increment retry protocol.
const (
	DefaultIncrementAttempts  = 3
	DefaultIncrementBaseDelay = 50 * time.Millisecond
)

// Coordinator orchestrates one scan invocation end to end: execution
// record creation, result callback wiring, finalization, and the
// completion notification. It holds no per-scan state of its own; the
// execution row is the only durable "is it running" signal.
type Coordinator struct {
	store     Store
	registry  *Registry
	publisher notify.Publisher

	chunkSize          int
	incrementAttempts  int
	incrementBaseDelay time.Duration
}

// Option tunes a Coordinator.
type Option func(*Coordinator)

// WithChunkSize sets the streaming-batch chunk size.
func WithChunkSize(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.chunkSize = n
		}
	}
}

// WithIncrementRetry sets the counter increment retry budget.
func WithIncrementRetry(attempts int, baseDelay time.Duration) Option {
	return func(c *Coordinator) {
		if attempts > 0 {
			c.incrementAttempts = attempts
		}
		if baseDelay >= 0 {
			c.incrementBaseDelay = baseDelay
		}
	}
}

// NewCoordinator creates a coordinator. A nil publisher disables
// notifications.
func NewCoordinator(store Store, registry *Registry, publisher notify.Publisher, opts ...Option) *Coordinator {
	if publisher == nil {
		publisher = notify.Discard
	}
	c := &Coordinator{
		store:              store,
		registry:           registry,
		publisher:          publisher,
		chunkSize:          DefaultChunkSize,
		incrementAttempts:  DefaultIncrementAttempts,
		incrementBaseDelay: DefaultIncrementBaseDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StartScan runs one scan for the given definition and blocks until the
// scan, including any streaming sub-work, has fully completed.
//
// The return value means "the scan ran and left a durable record": false
// covers unknown/inactive definitions and unrecoverable finalization
// failures. A scan that ran and ended Failed still returns true; callers
// read the outcome from the execution record.
func (c *Coordinator) StartScan(ctx context.Context, definitionID string) bool {
	def, err := c.store.GetDefinition(ctx, definitionID)
	if err != nil {
		log.Warn().Err(err).Str("definition", definitionID).Msg("Scan rejected: definition lookup failed")
		metrics.Get().ScansRejected.Inc()
		return false
	}
	if !def.Active {
		log.Warn().Str("definition", definitionID).Msg("Scan rejected: definition inactive")
		metrics.Get().ScansRejected.Inc()
		return false
	}

	binding, ok := c.registry.Lookup(def.Kind)
	if !ok {
		log.Warn().Str("definition", definitionID).Str("kind", def.Kind).Msg("Scan rejected: no evaluator registered for kind")
		metrics.Get().ScansRejected.Inc()
		return false
	}

	exec := &Execution{
		ID:           uuid.NewString(),
		DefinitionID: def.ID,
		Status:       StatusRunning,
		StartedAt:    time.Now(),
	}
	if err := c.store.CreateExecution(ctx, exec); err != nil {
		log.Error().Err(err).Str("definition", definitionID).Msg("Scan rejected: could not persist execution record")
		metrics.Get().ScansRejected.Inc()
		return false
	}

	log.Info().
		Str("definition", def.ID).
		Str("kind", def.Kind).
		Str("execution", exec.ID).
		Msg("Starting scan")
	metrics.Get().ScansStarted.WithLabelValues(def.Kind).Inc()

	inv := NewInvestigator(def, binding, c.chunkSize, c.publisher)
	scanErr := inv.Execute(ctx, c.resultSink(exec.ID, def.ID))

	if scanErr != nil {
		return c.finalizeFailed(ctx, exec.ID, def, scanErr)
	}
	return c.finalizeCompleted(ctx, exec.ID, def)
}

// finalizeCompleted marks the execution Completed and emits the completion
// notification with the counter value read back from the persisted record.
func (c *Coordinator) finalizeCompleted(ctx context.Context, executionID string, def *Definition) bool {
	now := time.Now()
	if err := c.store.FinalizeExecution(ctx, executionID, StatusCompleted, now, ""); err != nil {
		log.Error().Err(err).Str("execution", executionID).Msg("Failed to finalize completed execution")
		return false
	}
	if err := c.store.TouchDefinition(ctx, def.ID, now); err != nil {
		log.Warn().Err(err).Str("definition", def.ID).Msg("Failed to update last-run timestamp")
	}

	// Re-read so the announced count is exactly what is queryable, not a
	// locally tracked value.
	final, err := c.store.GetExecution(ctx, executionID)
	if err != nil {
		log.Error().Err(err).Str("execution", executionID).Msg("Failed to read back finalized execution")
		return false
	}

	c.publisher.Publish(notify.Event{
		Type:           notify.EventStatusChanged,
		InvestigatorID: def.ID,
		Timestamp:      now,
		Status:         string(StatusCompleted),
	})
	c.publisher.Publish(notify.Event{
		Type:           notify.EventScanCompleted,
		InvestigatorID: def.ID,
		Timestamp:      now,
		FinalCount:     final.ResultCount,
	})

	log.Info().
		Str("definition", def.ID).
		Str("execution", executionID).
		Int64("result_count", final.ResultCount).
		Msg("Scan completed")
	metrics.Get().ScansCompleted.WithLabelValues(def.Kind).Inc()
	return true
}

// finalizeFailed records the failure. No completion notification is sent,
// only a status change; the findings persisted before the failure stay
// valid and counted.
func (c *Coordinator) finalizeFailed(ctx context.Context, executionID string, def *Definition, scanErr error) bool {
	now := time.Now()
	if err := c.store.FinalizeExecution(ctx, executionID, StatusFailed, now, scanErr.Error()); err != nil {
		log.Error().Err(err).Str("execution", executionID).Msg("Failed to finalize failed execution")
		return false
	}

	c.publisher.Publish(notify.Event{
		Type:           notify.EventStatusChanged,
		InvestigatorID: def.ID,
		Timestamp:      now,
		Status:         string(StatusFailed),
	})

	log.Error().
		Err(scanErr).
		Str("definition", def.ID).
		Str("execution", executionID).
		Msg("Scan failed")
	metrics.Get().ScansFailed.WithLabelValues(def.Kind).Inc()
	return true
}

// resultSink binds the result callback to an execution: persist the
// finding, atomically bump the counter, announce the finding. It may be
// invoked from the streaming evaluator goroutine while the coordinator
// goroutine waits, which is exactly why the increment goes through the
// store's atomic primitive and never through a read-modify-write.
func (c *Coordinator) resultSink(executionID, definitionID string) ResultFunc {
	return func(ctx context.Context, f *Finding) {
		f.ID = ulid.Make().String()
		f.ExecutionID = executionID
		if f.Timestamp.IsZero() {
			f.Timestamp = time.Now()
		}

		if err := c.store.InsertFinding(ctx, f); err != nil {
			log.Error().Err(err).Str("execution", executionID).Msg("Failed to persist finding, skipping counter increment")
			return
		}
		metrics.Get().FindingsPersisted.Inc()

		c.incrementWithRetry(ctx, executionID)

		c.publisher.Publish(notify.Event{
			Type:           notify.EventFindingAdded,
			InvestigatorID: definitionID,
			Timestamp:      time.Now(),
			Finding:        f,
		})
	}
}

// incrementWithRetry applies the atomic counter increment, retrying with
// exponential backoff on transient contention. Exhausted retries are
// swallowed: the finding row is already durable, so the damage is a
// transient undercount that reconciliation repairs.
func (c *Coordinator) incrementWithRetry(ctx context.Context, executionID string) {
	delay := c.incrementBaseDelay
	for attempt := 1; ; attempt++ {
		err := c.store.IncrementResultCount(ctx, executionID)
		if err == nil {
			return
		}
		if !apperrors.IsRetryable(err) || attempt >= c.incrementAttempts {
			log.Error().
				Err(err).
				Str("execution", executionID).
				Int("attempts", attempt).
				Msg("Counter increment dropped, result count needs reconciliation")
			metrics.Get().IncrementDropped.Inc()
			return
		}

		metrics.Get().IncrementRetries.Inc()
		log.Debug().
			Err(err).
			Str("execution", executionID).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("Counter increment contention, retrying")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			metrics.Get().IncrementDropped.Inc()
			return
		}
		delay *= 2
	}
}
