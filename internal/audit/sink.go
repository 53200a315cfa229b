package audit

import (
	"context"

	"github.com/rs/zerolog"

	"llmgate/internal/metrics"
	"llmgate/internal/storage"
)

// Sink is the hand-off the router talks to. Record never blocks: when the
// buffer is full the record is dropped and counted, never queued at the cost
// of request latency.
type Sink struct {
	ch      chan storage.RequestRecord
	queue   *Queue
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

type SinkConfig struct {
	Queue   *Queue
	Buffer  int
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

func NewSink(cfg SinkConfig) *Sink {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.Buffer < 1 {
		cfg.Buffer = 256
	}
	return &Sink{
		ch:      make(chan storage.RequestRecord, cfg.Buffer),
		queue:   cfg.Queue,
		logger:  cfg.Logger,
		metrics: m,
	}
}

// Record hands off one audit record, fire-and-forget.
func (s *Sink) Record(rec storage.RequestRecord) {
	select {
	case s.ch <- rec:
	default:
		s.metrics.AuditDropped.Inc()
		s.logger.Warn().Str("request_id", rec.RequestID).Msg("audit buffer full, record dropped")
	}
}

// Start drains the buffer into the redis stream until ctx is done. Publish
// failures are logged and swallowed; they are never request-visible.
func (s *Sink) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-s.ch:
			if _, err := s.queue.Enqueue(ctx, rec); err != nil {
				if ctx.Err() != nil {
					return
				}
				s.metrics.AuditFailed.Inc()
				s.logger.Error().Err(err).Str("request_id", rec.RequestID).Msg("failed to publish audit record")
			}
		}
	}
}
