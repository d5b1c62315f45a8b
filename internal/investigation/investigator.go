package investigation

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/nkropf/datapatrol/internal/notify"
)

// ResultFunc receives every anomaly finding the scan produces. The
// coordinator binds it to an execution id; the investigator never touches
// persistence directly.
type ResultFunc func(ctx context.Context, f *Finding)

// DefaultChunkSize bounds streaming-batch memory when no size is configured.
const DefaultChunkSize = 500

// Investigator runs one scan: it walks a data source, applies the rule
// evaluator to every entity, and hands each anomaly to the result callback.
// Summary and diagnostic findings are announced on the event stream only;
// they are not persisted and never count toward the execution's result
// counter.
type Investigator struct {
	definitionID string
	kind         string
	evaluator    Evaluator
	source       DataSource
	cfg          RuleConfig
	chunkSize    int
	streaming    bool
	publisher    notify.Publisher
}

// NewInvestigator binds a definition to its registered evaluator and source.
func NewInvestigator(def *Definition, b Binding, chunkSize int, publisher notify.Publisher) *Investigator {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if publisher == nil {
		publisher = notify.Discard
	}
	return &Investigator{
		definitionID: def.ID,
		kind:         def.Kind,
		evaluator:    b.Evaluator,
		source:       b.Source,
		cfg:          b.Config,
		chunkSize:    chunkSize,
		streaming:    b.Streaming,
		publisher:    publisher,
	}
}

// Execute runs the scan to completion, invoking emit for every anomaly.
// The authoritative completion notification is the coordinator's job; the
// investigator only announces the start and logs its local view of the end.
func (inv *Investigator) Execute(ctx context.Context, emit ResultFunc) error {
	inv.publisher.Publish(notify.Event{
		Type:           notify.EventScanStarted,
		InvestigatorID: inv.definitionID,
		Timestamp:      time.Now(),
	})

	var err error
	if inv.streaming {
		err = inv.runStreaming(ctx, emit)
	} else {
		err = inv.runWholeBatch(ctx, emit)
	}
	if err != nil {
		return err
	}

	log.Debug().
		Str("investigator", inv.definitionID).
		Str("kind", inv.kind).
		Msg("Scan body finished")
	return nil
}

// runWholeBatch materializes the full entity set and evaluates it in one
// pass. Adequate for small datasets.
func (inv *Investigator) runWholeBatch(ctx context.Context, emit ResultFunc) error {
	entities, err := inv.source.All(ctx)
	if err != nil {
		inv.publishDiagnostic(err, 0)
		return err
	}

	var processed, anomalies int64
	bySeverity := make(map[Severity]int64)

	for _, entity := range entities {
		if err := ctx.Err(); err != nil {
			inv.publishDiagnostic(err, processed)
			return err
		}
		processed++
		verdict := inv.evaluator.Evaluate(entity, inv.cfg)
		if !verdict.Anomalous {
			continue
		}
		anomalies++
		f := inv.buildFinding(entity, verdict)
		bySeverity[f.Severity]++
		emit(ctx, f)
	}

	inv.publishSummary(processed, anomalies, bySeverity)
	return nil
}

// runStreaming consumes the source lazily in fixed-size chunks. Chunk
// evaluation runs on its own goroutine while the producer fills the next
// chunk, so peak memory stays O(chunk size) regardless of dataset size.
func (inv *Investigator) runStreaming(ctx context.Context, emit ResultFunc) error {
	it, err := inv.source.Iter(ctx)
	if err != nil {
		inv.publishDiagnostic(err, 0)
		return err
	}
	defer func() {
		if cerr := it.Close(); cerr != nil {
			log.Warn().Err(cerr).Str("investigator", inv.definitionID).Msg("Closing entity iterator failed")
		}
	}()

	var processed, anomalies atomic.Int64
	bySeverity := make(map[Severity]int64) // touched only by the evaluator goroutine

	chunks := make(chan []interface{}, 1)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for chunk := range chunks {
			for _, entity := range chunk {
				verdict := inv.evaluator.Evaluate(entity, inv.cfg)
				if !verdict.Anomalous {
					continue
				}
				anomalies.Add(1)
				f := inv.buildFinding(entity, verdict)
				bySeverity[f.Severity]++
				emit(gctx, f)
			}
		}
		return nil
	})

	g.Go(func() error {
		defer close(chunks)
		buf := make([]interface{}, 0, inv.chunkSize)
		for {
			entity, ok, err := it.Next(gctx)
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			processed.Add(1)
			buf = append(buf, entity)
			if len(buf) < inv.chunkSize {
				continue
			}
			select {
			case chunks <- buf:
			case <-gctx.Done():
				return gctx.Err()
			}
			buf = make([]interface{}, 0, inv.chunkSize)
		}
		// The final partial chunk still gets evaluated.
		if len(buf) > 0 {
			select {
			case chunks <- buf:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		inv.publishDiagnostic(err, processed.Load())
		return err
	}

	inv.publishSummary(processed.Load(), anomalies.Load(), bySeverity)
	return nil
}

// buildFinding turns a verdict into an unpersisted finding. The callback
// assigns the id and execution id.
func (inv *Investigator) buildFinding(entity interface{}, verdict Verdict) *Finding {
	severity := verdict.Severity
	if severity == "" {
		severity = SeverityWarning
	}

	details, err := json.Marshal(map[string]interface{}{
		"entity":  entity,
		"reasons": verdict.Reasons,
	})
	if err != nil {
		// Entity is not JSON-encodable; keep the reasons at least.
		details, _ = json.Marshal(map[string]interface{}{"reasons": verdict.Reasons})
	}

	return &Finding{
		Timestamp: time.Now(),
		Severity:  severity,
		Message:   strings.Join(verdict.Reasons, "; "),
		Details:   details,
	}
}

// publishSummary announces the terminal scan totals on the event stream.
func (inv *Investigator) publishSummary(processed, anomalies int64, bySeverity map[Severity]int64) {
	details, _ := json.Marshal(map[string]interface{}{
		"summary":     true,
		"processed":   processed,
		"anomalies":   anomalies,
		"by_severity": bySeverity,
	})
	inv.publisher.Publish(notify.Event{
		Type:           notify.EventFindingAdded,
		InvestigatorID: inv.definitionID,
		Timestamp:      time.Now(),
		Finding: &Finding{
			Timestamp: time.Now(),
			Severity:  SeverityInfo,
			Message:   "scan summary",
			Details:   details,
		},
	})
	log.Info().
		Str("investigator", inv.definitionID).
		Str("kind", inv.kind).
		Int64("processed", processed).
		Int64("anomalies", anomalies).
		Msg("Scan summary")
}

// publishDiagnostic announces a mid-scan failure with the progress made so
// far. Findings already emitted remain valid and counted.
func (inv *Investigator) publishDiagnostic(err error, processed int64) {
	details, _ := json.Marshal(map[string]interface{}{
		"diagnostic": true,
		"processed":  processed,
		"error":      err.Error(),
	})
	inv.publisher.Publish(notify.Event{
		Type:           notify.EventFindingAdded,
		InvestigatorID: inv.definitionID,
		Timestamp:      time.Now(),
		Finding: &Finding{
			Timestamp: time.Now(),
			Severity:  SeverityCritical,
			Message:   "scan aborted: " + err.Error(),
			Details:   details,
		},
	})
	log.Error().
		Err(err).
		Str("investigator", inv.definitionID).
		Str("kind", inv.kind).
		Int64("processed", processed).
		Msg("Scan failed mid-stream")
}
