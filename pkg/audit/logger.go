package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kelpielabs/gatehouse/pkg/observability"
)

// Logger accepts audit records. Log must be safe for concurrent use and
// must never block the caller.
type Logger interface {
	Log(record *Record)
	Close() error
}

// Sink persists audit records. The postgres Store implements it.
type Sink interface {
	Append(ctx context.Context, record *Record) error
}

// DefaultQueueSize bounds the async queue.
const DefaultQueueSize = 4096

// writeTimeout bounds a single sink write by the background worker.
const writeTimeout = 5 * time.Second

// AsyncLogger queues records and writes them from a background goroutine.
// A full queue drops the record rather than applying backpressure to the
// request path.
type AsyncLogger struct {
	queue  chan *Record
	sink   Sink
	logger *observability.Logger

	dropped      atomic.Uint64
	onDrop       func()
	onWriteError func()

	closeOnce sync.Once
	done      chan struct{}
}

// AsyncOptions configures an AsyncLogger.
type AsyncOptions struct {
	// QueueSize overrides DefaultQueueSize when positive.
	QueueSize int
	// OnDrop is called once per dropped record. Wired to a metrics counter.
	OnDrop func()
	// OnWriteError is called once per failed sink write.
	OnWriteError func()
}

// NewAsyncLogger creates and starts an async audit logger.
func NewAsyncLogger(sink Sink, logger *observability.Logger, opts AsyncOptions) *AsyncLogger {
	size := opts.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}

	a := &AsyncLogger{
		queue:        make(chan *Record, size),
		sink:         sink,
		logger:       logger,
		onDrop:       opts.OnDrop,
		onWriteError: opts.OnWriteError,
		done:         make(chan struct{}),
	}
	go a.run()
	return a
}

// Log enqueues a record. Never blocks: when the queue is full the record is
// dropped and counted.
func (a *AsyncLogger) Log(record *Record) {
	select {
	case a.queue <- record:
	default:
		a.dropped.Add(1)
		if a.onDrop != nil {
			a.onDrop()
		}
		a.logger.WithFields(map[string]interface{}{
			"event_type": string(record.EventType),
			"dropped":    a.dropped.Load(),
		}).Warn("audit queue full, dropping record")
	}
}

// Dropped returns the number of records dropped since start.
func (a *AsyncLogger) Dropped() uint64 {
	return a.dropped.Load()
}

// QueueDepth returns the current queue occupancy. Exposed for metrics.
func (a *AsyncLogger) QueueDepth() int {
	return len(a.queue)
}

// Close stops accepting records and drains the queue.
func (a *AsyncLogger) Close() error {
	a.closeOnce.Do(func() {
		close(a.queue)
		<-a.done
	})
	return nil
}

func (a *AsyncLogger) run() {
	defer close(a.done)
	for record := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := a.sink.Append(ctx, record); err != nil {
			if a.onWriteError != nil {
				a.onWriteError()
			}
			a.logger.WithError(err).WithField("event_type", string(record.EventType)).
				Error("failed to persist audit record")
		}
		cancel()
	}
}

// NopLogger discards all records. Used in tests and when auditing is
// disabled outright.
type NopLogger struct{}

func (NopLogger) Log(*Record) {}

func (NopLogger) Close() error { return nil }
