// Package outbox runs the slow-path worker: it leases co-committed outbox
// events and materializes them into the vector index and the knowledge
// graph, with per-sink checkpoints so crashes never double-apply.
package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kokoro-ai/kokoro/internal/config"
	"github.com/kokoro-ai/kokoro/internal/graph"
	"github.com/kokoro-ai/kokoro/internal/model"
	"github.com/kokoro-ai/kokoro/internal/search"
	"github.com/kokoro-ai/kokoro/internal/service/llm"
	"github.com/kokoro-ai/kokoro/internal/storage"
)

// relationWeightBump is added to an edge each time its relation is
// re-asserted by an extraction.
const relationWeightBump = 0.1

// backoffBase is the unit of the retry backoff curve; attempt n waits
// 2^n * base, capped at one hour by storage.
const backoffBase = time.Second

// Worker drains the outbox. One instance per process; multiple processes
// coordinate through FOR UPDATE SKIP LOCKED leases.
type Worker struct {
	db        *storage.DB
	index     search.Index
	graph     *graph.Store
	extractor *llm.Extractor
	cfg       config.Config
	logger    *slog.Logger

	wake chan struct{}
	wg   sync.WaitGroup
}

// NewWorker creates the outbox worker and registers its queue gauges.
func NewWorker(db *storage.DB, index search.Index, gs *graph.Store, extractor *llm.Extractor, cfg config.Config, logger *slog.Logger) (*Worker, error) {
	w := &Worker{
		db:        db,
		index:     index,
		graph:     gs,
		extractor: extractor,
		cfg:       cfg,
		logger:    logger,
		wake:      make(chan struct{}, 1),
	}
	if err := w.registerMetrics(); err != nil {
		return nil, err
	}
	return w, nil
}

// Wake nudges the worker to poll immediately. Called by the fast path after
// enqueueing so commits do not wait out a full poll interval.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run polls the outbox until ctx is cancelled, then drains in-flight work.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.WorkerPollInterval)
	defer ticker.Stop()

	w.logger.Info("outbox: worker started",
		"poll_interval", w.cfg.WorkerPollInterval,
		"batch_size", w.cfg.WorkerBatchSize)

	for {
		w.drainOnce(ctx)

		select {
		case <-ctx.Done():
			w.logger.Info("outbox: worker stopping")
			w.wg.Wait()
			return
		case <-ticker.C:
		case <-w.wake:
		}
	}
}

// drainOnce leases and processes batches until the queue is empty or ctx is
// cancelled. The batch grows when the backlog passes the high watermark.
func (w *Worker) drainOnce(ctx context.Context) {
	for ctx.Err() == nil {
		batch := w.cfg.WorkerBatchSize
		if depth, err := w.db.OutboxDepth(ctx); err == nil && depth > int64(w.cfg.OutboxHighWatermark) {
			batch *= 4
			w.logger.Warn("outbox: backlog above high watermark",
				"depth", depth, "watermark", w.cfg.OutboxHighWatermark, "batch", batch)
		}

		events, err := w.db.LeaseOutboxEvents(ctx, batch)
		if err != nil {
			w.logger.Error("outbox: lease failed", "error", err)
			return
		}
		if len(events) == 0 {
			return
		}

		for _, ev := range events {
			if ctx.Err() != nil {
				return
			}
			w.wg.Add(1)
			w.processEvent(ctx, ev)
			w.wg.Done()
		}
	}
}

// Drain processes the queue to empty, bounded by ctx. Used in tests and
// during maintenance; normal operation goes through Run.
func (w *Worker) Drain(ctx context.Context) {
	w.drainOnce(ctx)
	w.wg.Wait()
}

func (w *Worker) processEvent(ctx context.Context, ev model.OutboxEvent) {
	var err error
	switch ev.Kind {
	case model.OutboxUpsert:
		err = w.applyUpsert(ctx, ev)
	case model.OutboxDelete:
		err = w.applyDelete(ctx, ev)
	default:
		err = fmt.Errorf("outbox: unknown event kind %q", ev.Kind)
	}
	if err == nil {
		return
	}

	switch llm.Classify(err) {
	case llm.NeedsReview:
		w.logger.Warn("outbox: event parked for review",
			"event_id", ev.EventID, "memory_id", ev.MemoryID, "error", err)
		if mrErr := w.db.MarkPendingReview(ctx, ev.ID, err); mrErr != nil {
			w.logger.Error("outbox: mark pending review failed", "event_id", ev.EventID, "error", mrErr)
		}
	case llm.Permanent:
		// maxRetries 1 dead-letters immediately; retrying cannot help.
		w.logger.Error("outbox: permanent failure, dead-lettering",
			"event_id", ev.EventID, "memory_id", ev.MemoryID, "error", err)
		if fErr := w.db.FailOutboxEvent(ctx, ev.ID, err, 1, backoffBase); fErr != nil {
			w.logger.Error("outbox: dead-letter failed", "event_id", ev.EventID, "error", fErr)
		}
	default:
		w.logger.Warn("outbox: retryable failure",
			"event_id", ev.EventID, "memory_id", ev.MemoryID,
			"retry_count", ev.RetryCount, "error", err)
		if fErr := w.db.FailOutboxEvent(ctx, ev.ID, err, w.cfg.DLQRetryThreshold, backoffBase); fErr != nil {
			w.logger.Error("outbox: requeue failed", "event_id", ev.EventID, "error", fErr)
		}
	}
}

// applyUpsert materializes a memory into both sinks. The vector write runs
// first because it needs no LLM call; an extraction failure then retries
// without re-upserting the point.
func (w *Worker) applyUpsert(ctx context.Context, ev model.OutboxEvent) error {
	p := ev.Payload

	// Without an index (graph-only deployments) the vector checkpoint is a
	// no-op so the graph leg still runs.
	if ev.VectorWrittenAt == nil && w.index == nil {
		if err := w.db.MarkVectorWritten(ctx, ev.ID); err != nil {
			return err
		}
		now := time.Now()
		ev.VectorWrittenAt = &now
	}

	if ev.VectorWrittenAt == nil {
		if len(p.Embedding) == 0 {
			return fmt.Errorf("outbox: upsert event %s has no embedding", ev.EventID)
		}
		pointID := model.VectorPrimaryID(p.UserID, p.MemoryID)
		err := w.index.Upsert(ctx, []search.Point{{
			ID:         pointID,
			MemoryID:   p.MemoryID,
			UserID:     p.UserID,
			Valence:    float64(p.Valence),
			ObservedAt: p.ObservedAt.Unix(),
			Embedding:  p.Embedding,
		}})
		if err != nil {
			return fmt.Errorf("outbox: vector upsert: %w", err)
		}
		if err := w.db.MarkVectorWritten(ctx, ev.ID); err != nil {
			return err
		}
		now := time.Now()
		ev.VectorWrittenAt = &now
	}

	if ev.GraphWrittenAt == nil {
		ext, err := w.extractor.ExtractGraph(ctx, p.Content)
		if err != nil {
			return fmt.Errorf("outbox: extraction: %w", err)
		}

		res, err := w.graph.ApplyExtraction(ctx, p.UserID, ext, relationWeightBump)
		if err != nil {
			return fmt.Errorf("outbox: graph apply: %w", err)
		}

		links := make([]model.MemoryEntityLink, len(res.EntityIDs))
		for i, entityID := range res.EntityIDs {
			links[i] = model.MemoryEntityLink{
				UserID:     p.UserID,
				MemoryID:   p.MemoryID,
				EntityID:   entityID,
				Confidence: 1.0,
				Source:     "extraction",
			}
		}
		if err := w.db.LinkMemoryEntities(ctx, links); err != nil {
			return fmt.Errorf("outbox: bridge write: %w", err)
		}
		if err := w.db.MarkGraphWritten(ctx, ev.ID); err != nil {
			return err
		}

		pointID := model.VectorPrimaryID(p.UserID, p.MemoryID)
		if err := w.db.UpsertIDMapping(ctx, model.IDMapping{
			UserID:          p.UserID,
			PostgresID:      p.MemoryID,
			GraphNodeID:     res.PrimaryNodeID,
			VectorPrimaryID: &pointID,
			EntityType:      "memory",
		}); err != nil {
			return fmt.Errorf("outbox: id mapping: %w", err)
		}
	}

	if err := w.db.CompleteOutboxEvent(ctx, ev); err != nil {
		return err
	}
	w.logger.Info("outbox: memory committed",
		"event_id", ev.EventID, "memory_id", ev.MemoryID, "user_id", ev.UserID)
	return nil
}

// applyDelete removes a memory's footprint from both sinks. The checkpoint
// columns are reused: vector_written_at marks the point purge,
// graph_written_at the graph contribution removal.
func (w *Worker) applyDelete(ctx context.Context, ev model.OutboxEvent) error {
	p := ev.Payload

	if ev.VectorWrittenAt == nil {
		if len(p.VectorPrimaryIDs) > 0 && w.index != nil {
			if err := w.index.DeleteByIDs(ctx, p.VectorPrimaryIDs); err != nil {
				return fmt.Errorf("outbox: vector delete: %w", err)
			}
		}
		if err := w.db.MarkVectorWritten(ctx, ev.ID); err != nil {
			return err
		}
	}

	if ev.GraphWrittenAt == nil {
		if err := w.graph.RemoveMemoryContribution(ctx, p.UserID, p.MemoryID); err != nil {
			return fmt.Errorf("outbox: graph delete: %w", err)
		}
		if err := w.db.MarkGraphWritten(ctx, ev.ID); err != nil {
			return err
		}
	}

	if err := w.db.CompleteOutboxEvent(ctx, ev); err != nil {
		return err
	}
	w.logger.Info("outbox: memory purged from sinks",
		"event_id", ev.EventID, "memory_id", ev.MemoryID, "user_id", ev.UserID)
	return nil
}

// RunLeaseReclaim periodically returns events stuck in processing beyond
// the lease timeout to pending. Recovers work lost to worker crashes.
func (w *Worker) RunLeaseReclaim(ctx context.Context) {
	interval := w.cfg.WorkerLeaseTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.db.ReclaimStaleLeases(ctx, w.cfg.WorkerLeaseTimeout)
			if err != nil {
				w.logger.Error("outbox: lease reclaim failed", "error", err)
				continue
			}
			if n > 0 {
				w.logger.Warn("outbox: reclaimed stale leases", "count", n)
				w.Wake()
			}
		}
	}
}

// RunAuditSweep closes deletion audits whose delete events have all
// completed. The audit flips to completed only after every sink purge is
// confirmed, which is what the deletion endpoint promises.
func (w *Worker) RunAuditSweep(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.WorkerPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.sweepAudits(ctx); err != nil {
				w.logger.Error("outbox: audit sweep failed", "error", err)
			}
		}
	}
}

func (w *Worker) sweepAudits(ctx context.Context) error {
	audits, err := w.db.OpenDeletionAudits(ctx, 100)
	if err != nil {
		return err
	}
	for _, audit := range audits {
		ids := make([]uuid.UUID, len(audit.AffectedRecords))
		for i, r := range audit.AffectedRecords {
			ids[i] = r.MemoryID
		}
		pending, err := w.db.PendingDeleteEventCount(ctx, audit.UserID, ids)
		if err != nil {
			return err
		}
		if pending > 0 {
			continue
		}
		if err := w.db.CompleteDeletionAudit(ctx, audit.ID); err != nil {
			return err
		}
		w.logger.Info("outbox: deletion audit completed",
			"audit_id", audit.ID, "user_id", audit.UserID, "records", len(audit.AffectedRecords))
	}
	return nil
}
