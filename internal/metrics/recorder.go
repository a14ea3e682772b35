package metrics

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// writeTimeout bounds a single store write from the drain loop.
const writeTimeout = 5 * time.Second

// Sink receives drained records. *Store implements Sink.
type Sink interface {
	Record(ctx context.Context, rec Record) error
}

// Recorder is the fire-and-forget submission point for the serving path.
//
// Observe never blocks: records go into a bounded queue drained by a single
// background worker. When the queue is full (store slow, traffic burst) the
// record is dropped and counted, so chat latency and memory stay bounded.
type Recorder struct {
	sink   Sink
	queue  chan Record
	logger *slog.Logger

	dropped atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

// NewRecorder creates a Recorder with the given queue capacity and starts
// its drain worker. Call Close to flush and stop.
func NewRecorder(sink Sink, queueSize int, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize < 1 {
		queueSize = 1
	}
	r := &Recorder{
		sink:   sink,
		queue:  make(chan Record, queueSize),
		logger: logger,
		done:   make(chan struct{}),
	}
	go r.drain()
	return r
}

// Observe submits a record without blocking. A full queue drops the record;
// the drop is counted and logged at debug level. Never returns an error:
// monitoring must not fail the serving path.
func (r *Recorder) Observe(rec Record) {
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now()
	}
	select {
	case r.queue <- rec:
	default:
		n := r.dropped.Add(1)
		r.logger.Debug("metrics queue full, record dropped", "dropped_total", n)
	}
}

// Dropped returns how many records have been dropped since startup.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Close stops accepting records, flushes the queue, and waits for the drain
// worker to exit.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		close(r.queue)
		<-r.done
	})
}

// drain writes queued records to the sink. Store errors are logged and the
// record is discarded; the queue keeps moving.
func (r *Recorder) drain() {
	defer close(r.done)
	for rec := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := r.sink.Record(ctx, rec); err != nil {
			r.logger.Warn("failed to persist metric record", "error", err)
		}
		cancel()
	}
}
