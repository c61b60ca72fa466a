// Package queue implements the sink dispatch pool: a job queue drained by a
// worker set that grows and shrinks with the backlog.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/fairyhunter13/product-catalog-service/internal/config"
	"github.com/fairyhunter13/product-catalog-service/internal/obs"
)

// Option configures a Manager.
type Option func(*Manager)

// WithMetrics reports pool size and backlog to c on every scaling tick.
func WithMetrics(c *obs.Collector) Option {
	return func(m *Manager) { m.metrics = c }
}

// Manager runs queued jobs on an autoscaled set of workers.
type Manager struct {
	cfg     config.Config
	q       *Queue
	metrics *obs.Collector
	ctx     context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	workers []context.CancelFunc
}

// NewManager constructs a Manager over q.
func NewManager(cfg config.Config, q *Queue, opts ...Option) *Manager {
	m := &Manager{cfg: cfg, q: q}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start begins processing and autoscaling in the background.
func (m *Manager) Start(parent context.Context) {
	m.ctx, m.cancel = context.WithCancel(parent)
	m.q.Start(m.ctx, m.cfg.QueueHighWatermark)
	m.resize(max(m.cfg.InitialWorkerCount, 1))
	if m.cfg.ScaleInterval > 0 {
		go m.scaler()
	}
}

// Stop cancels background routines and stops workers. Jobs still running
// observe a cancelled context.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.resize(0)
}

// nextSize returns the worker count for the next interval and the updated
// number of consecutive idle ticks. It grows by one while the backlog
// exceeds ScaleUpBacklogPerWorker per worker and shrinks by one after
// ScaleDownIdleTicks ticks with an empty backlog.
func (m *Manager) nextSize(backlog, workers, idle int) (int, int) {
	switch {
	case backlog > workers*m.cfg.ScaleUpBacklogPerWorker && workers < m.cfg.WorkerMax:
		return workers + 1, 0
	case backlog > 0:
		return workers, 0
	}
	idle++
	if idle >= m.cfg.ScaleDownIdleTicks && workers > m.cfg.WorkerMin {
		return workers - 1, 0
	}
	return workers, idle
}

func (m *Manager) scaler() {
	t := time.NewTicker(m.cfg.ScaleInterval)
	defer t.Stop()
	idle := 0
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-t.C:
		}
		backlog, workers := m.q.BacklogSize(), m.WorkerCount()
		var next int
		next, idle = m.nextSize(backlog, workers, idle)
		if next != workers {
			m.resize(next)
			obs.Logger.Info("dispatch_workers_scaled", "worker_count", next, "backlog_size", backlog)
		}
		if m.metrics != nil {
			m.metrics.DispatchPool(next, backlog)
		}
	}
}

// resize starts or cancels workers until n are running.
func (m *Manager) resize(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.workers) < n {
		wctx, cancel := context.WithCancel(m.ctx)
		m.workers = append(m.workers, cancel)
		go m.worker(wctx)
	}
	for len(m.workers) > n {
		last := len(m.workers) - 1
		m.workers[last]()
		m.workers = m.workers[:last]
	}
}

// worker runs jobs until its context is cancelled. Jobs run under the
// manager context so scaling down never cuts a job short.
func (m *Manager) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-m.q.Out():
			m.run(j)
		}
	}
}

func (m *Manager) run(j Job) {
	defer m.q.MarkProcessed()
	defer func() {
		if r := recover(); r != nil {
			obs.Logger.Error("dispatch_job_panic",
				"partition", j.Partition, "sink", j.Sink, "key", j.Key, "sequence", j.Sequence, "panic", r)
		}
	}()
	if j.Run != nil {
		j.Run(m.ctx)
	}
}

// Enqueue hands j to the pool. It returns false once intake is closed.
func (m *Manager) Enqueue(j Job) bool { return m.q.Enqueue(j) }

// BacklogSize returns jobs waiting for a worker.
func (m *Manager) BacklogSize() int { return m.q.BacklogSize() }

// QueueDepth returns the backlog plus jobs buffered for workers.
func (m *Manager) QueueDepth() int { return m.q.QueueDepth() }

// WorkerCount returns the current number of workers.
func (m *Manager) WorkerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}

// IsShuttingDown reports whether new enqueues are rejected.
func (m *Manager) IsShuttingDown() bool { return m.q.IsShuttingDown() }

// CloseIntake makes later Enqueue calls fail.
func (m *Manager) CloseIntake() { m.q.CloseIntake() }

// QueueMetrics exposes the underlying queue metrics.
func (m *Manager) QueueMetrics() (enq, proc uint64, backlog, depth int) {
	return m.q.Metrics()
}

// DrainUntil blocks until every enqueued job has run or ctx is done.
func (m *Manager) DrainUntil(ctx context.Context) bool {
	t := time.NewTicker(25 * time.Millisecond)
	defer t.Stop()
	for {
		if enq, proc, _, _ := m.q.Metrics(); enq == proc {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
		}
	}
}
