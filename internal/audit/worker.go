package audit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"llmgate/internal/metrics"
	"llmgate/internal/storage"
)

// Worker consumes the audit stream and persists request records. It is the
// only writer to the audit_requests table.
type Worker struct {
	store   *storage.Store
	queue   *Queue
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

type WorkerConfig struct {
	Store   *storage.Store
	Queue   *Queue
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

func NewWorker(cfg WorkerConfig) *Worker {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	return &Worker{
		store:   cfg.Store,
		queue:   cfg.Queue,
		logger:  cfg.Logger,
		metrics: m,
	}
}

func (w *Worker) Start(ctx context.Context, concurrency int) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return err
	}
	if concurrency < 1 {
		concurrency = 1
	}

	wg := sync.WaitGroup{}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consumeLoop(ctx, slot)
		}(i)
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (w *Worker) consumeLoop(ctx context.Context, slot int) {
	log := w.logger.With().Int("slot", slot).Logger()
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		messages, err := w.queue.Read(ctx, 16)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("failed to read audit stream")
			time.Sleep(1 * time.Second)
			continue
		}

		for _, msg := range messages {
			if err := w.store.InsertRequestRecord(ctx, msg.Record); err != nil {
				// Best-effort log; the record is acked regardless so a poison
				// row cannot wedge the stream.
				w.metrics.AuditFailed.Inc()
				log.Error().Err(err).Str("request_id", msg.Record.RequestID).Msg("failed to persist audit record")
			} else {
				w.metrics.AuditWritten.Inc()
			}
			if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
				log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack audit message")
			}
		}
	}
}

// Prune deletes audit rows older than the retention window. Wired to the
// cron janitor.
func (w *Worker) Prune(ctx context.Context, retention time.Duration) {
	n, err := w.store.PruneRequestRecords(ctx, time.Now().Add(-retention))
	if err != nil {
		w.logger.Error().Err(err).Msg("failed to prune audit records")
		return
	}
	if n > 0 {
		w.logger.Info().Int64("pruned", n).Msg("pruned audit records")
	}
}
