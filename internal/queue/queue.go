package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fairyhunter13/product-catalog-service/internal/obs"
)

// Job is one unit of sink work. Partition, Sink, Key and Sequence are for
// logging; Run does the work and must not block past ctx.
type Job struct {
	Partition int
	Sink      string
	Key       string
	Sequence  uint64
	Run       func(ctx context.Context)
}

// Queue is an unbounded job backlog drained by a broker into a buffered
// output channel. Enqueue never blocks; workers read from Out.
type Queue struct {
	mu      sync.Mutex
	pending []Job
	head    int // pending[:head] already handed to out

	wake   chan struct{}
	out    chan Job
	closed atomic.Bool

	enqueued  atomic.Uint64
	processed atomic.Uint64
}

// New creates a Queue whose output channel buffers outBuffer jobs.
func New(outBuffer int) *Queue {
	if outBuffer <= 0 {
		outBuffer = 64
	}
	return &Queue{
		wake: make(chan struct{}, 1),
		out:  make(chan Job, outBuffer),
	}
}

// Start runs the broker until ctx is done. A warning is logged each time the
// backlog rises above highWatermark; zero disables it.
func (q *Queue) Start(ctx context.Context, highWatermark int) {
	go q.broker(ctx, highWatermark)
}

func (q *Queue) broker(ctx context.Context, highWatermark int) {
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	above := false
	for {
		waiting := q.handOff()
		if highWatermark > 0 {
			switch {
			case !above && waiting > highWatermark:
				above = true
				obs.Logger.Warn("dispatch_backlog_high", "backlog_size", waiting, "high_watermark", highWatermark)
			case above && waiting <= highWatermark/2:
				above = false
				obs.Logger.Info("dispatch_backlog_recovered", "backlog_size", waiting)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		case <-tick.C:
		}
	}
}

// handOff moves as many pending jobs to out as fit without blocking and
// returns how many are still waiting.
func (q *Queue) handOff() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.head < len(q.pending) && len(q.out) < cap(q.out) {
		q.out <- q.pending[q.head]
		q.pending[q.head] = Job{}
		q.head++
	}
	if q.head == len(q.pending) {
		q.pending, q.head = q.pending[:0], 0
	} else if q.head > len(q.pending)/2 {
		n := copy(q.pending, q.pending[q.head:])
		clear(q.pending[n:])
		q.pending, q.head = q.pending[:n], 0
	}
	return len(q.pending) - q.head
}

// Enqueue appends a job and wakes the broker. It returns false once intake
// is closed.
func (q *Queue) Enqueue(j Job) bool {
	if q.closed.Load() {
		return false
	}
	q.enqueued.Add(1)
	q.mu.Lock()
	q.pending = append(q.pending, j)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Out is the channel workers receive jobs from.
func (q *Queue) Out() <-chan Job { return q.out }

// BacklogSize returns jobs not yet handed to the output channel.
func (q *Queue) BacklogSize() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) - q.head
}

// QueueDepth returns the backlog plus jobs buffered in the output channel.
func (q *Queue) QueueDepth() int {
	return q.BacklogSize() + len(q.out)
}

// MarkProcessed counts one finished job.
func (q *Queue) MarkProcessed() { q.processed.Add(1) }

// Metrics returns counters and sizes for observability.
func (q *Queue) Metrics() (enq, proc uint64, backlog, depth int) {
	backlog = q.BacklogSize()
	return q.enqueued.Load(), q.processed.Load(), backlog, backlog + len(q.out)
}

// CloseIntake makes later Enqueue calls fail.
func (q *Queue) CloseIntake() { q.closed.Store(true) }

// IsShuttingDown reports whether intake is closed.
func (q *Queue) IsShuttingDown() bool { return q.closed.Load() }
