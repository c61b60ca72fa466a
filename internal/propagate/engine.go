package propagate

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/fairyhunter13/product-catalog-service/internal/config"
	"github.com/fairyhunter13/product-catalog-service/internal/kv"
	"github.com/fairyhunter13/product-catalog-service/internal/model"
	"github.com/fairyhunter13/product-catalog-service/internal/obs"
	"github.com/fairyhunter13/product-catalog-service/internal/queue"
	"github.com/fairyhunter13/product-catalog-service/internal/store"
	"github.com/fairyhunter13/product-catalog-service/internal/stream"
)

const (
	// ErrSuperseded is returned when replaying a dead letter whose key has
	// since advanced past it for that sink.
	ErrSuperseded = errors.ConstError("dead letter superseded by a newer sequence")
	// ErrLaneBusy is returned when a replay targets a lane with a dispatch in
	// flight.
	ErrLaneBusy = errors.ConstError("lane busy")
	// ErrReplayFailed is returned when the sink did not acknowledge a replay.
	ErrReplayFailed = errors.ConstError("replay not acknowledged")
	// ErrPartitionUnavailable is returned when no worker owns the partition
	// in this process.
	ErrPartitionUnavailable = errors.ConstError("partition not running")

	errPoolClosed = errors.ConstError("dispatch pool closed")
)

// Partition worker states.
const (
	StateStarting = "starting"
	StateRunning  = "running"
	StateWaiting  = "waiting"
	StateFailed   = "failed"
	StateStopped  = "stopped"
)

// Config tunes the engine.
type Config struct {
	Owner            string
	LeaseTTL         time.Duration
	PollInterval     time.Duration
	SinkTimeout      time.Duration
	Retry            RetryPolicy
	GapWarnThreshold uint64
	ReadBatch        int
	MaxInFlight      int
	// Partitions restricts the engine to some partitions. Nil means all.
	Partitions []int
}

// ConfigFrom maps service configuration onto engine settings.
func ConfigFrom(c config.Config) Config {
	gap := uint64(0)
	if c.GapWarnThreshold > 0 {
		gap = uint64(c.GapWarnThreshold)
	}
	return Config{
		Owner:        c.LeaseOwner,
		LeaseTTL:     c.LeaseTTL,
		PollInterval: c.PollInterval,
		SinkTimeout:  c.SinkTimeout,
		Retry: RetryPolicy{
			Base:        c.RetryBase,
			Cap:         c.RetryCap,
			Factor:      c.RetryFactor,
			MaxAttempts: c.RetryMaxAttempts,
		},
		GapWarnThreshold: gap,
		ReadBatch:        c.ReadBatch,
		MaxInFlight:      c.MaxInFlight,
	}
}

func (c Config) withDefaults() Config {
	if c.Owner == "" {
		c.Owner = "engine"
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 10 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.ReadBatch <= 0 {
		c.ReadBatch = 256
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 1024
	}
	c.Retry = c.Retry.withDefaults()
	return c
}

// Options carries the engine's collaborators that have defaults.
type Options struct {
	Clock   clock.Clock
	Metrics *obs.Collector
}

// PartitionStatus is a point-in-time view of one partition worker.
type PartitionStatus struct {
	Partition    int       `json:"partition"`
	State        string    `json:"state"`
	Owner        string    `json:"owner,omitempty"`
	Token        uint64    `json:"token,omitempty"`
	Cursor       uint64    `json:"cursor"`
	ReadPosition uint64    `json:"read_position"`
	Head         uint64    `json:"head"`
	InFlight     int       `json:"in_flight"`
	Lanes        int       `json:"lanes"`
	Retrying     int       `json:"retrying"`
	Error        string    `json:"error,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type partitionState struct {
	mu      sync.Mutex
	status  PartitionStatus
	replays chan replayRequest
	stopped chan struct{}
}

func (ps *partitionState) update(fn func(*PartitionStatus)) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	fn(&ps.status)
}

func (ps *partitionState) snapshot() PartitionStatus {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.status
}

type replayRequest struct {
	dl   model.DeadLetter
	done chan error
}

// Engine consumes change-log partitions and propagates events to sinks.
type Engine struct {
	cfg         Config
	log         *store.Log
	db          *kv.DB
	pool        *queue.Manager
	sinks       []Sink
	sinkByName  map[string]Sink
	checkpoints *Checkpoints
	leases      *Leases
	deadLetters *DeadLetters
	normalizer  stream.Normalizer
	clock       clock.Clock
	metrics     *obs.Collector

	parts  map[int]*partitionState
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds an engine over the change log lg stored in db. Sink jobs run on
// pool, which the caller starts and stops.
func New(cfg Config, lg *store.Log, db *kv.DB, pool *queue.Manager, sinks []Sink, opts Options) (*Engine, error) {
	cfg = cfg.withDefaults()
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Metrics == nil {
		opts.Metrics = obs.NewMetricsCollector()
	}
	byName := make(map[string]Sink, len(sinks))
	for _, s := range sinks {
		name := s.Name()
		switch {
		case name == "" || strings.Contains(name, "/"):
			return nil, errors.NotValidf("sink name %q", name)
		case name == NormalizerSink:
			return nil, errors.NotValidf("sink name %q is reserved", name)
		case byName[name] != nil:
			return nil, errors.AlreadyExistsf("sink %q", name)
		}
		byName[name] = s
	}
	parts := cfg.Partitions
	if parts == nil {
		for p := 0; p < lg.Partitions(); p++ {
			parts = append(parts, p)
		}
	}
	e := &Engine{
		cfg:         cfg,
		log:         lg,
		db:          db,
		pool:        pool,
		sinks:       sinks,
		sinkByName:  byName,
		checkpoints: NewCheckpoints(db),
		leases:      NewLeases(db, opts.Clock),
		deadLetters: NewDeadLetters(db),
		clock:       opts.Clock,
		metrics:     opts.Metrics,
		parts:       make(map[int]*partitionState, len(parts)),
	}
	for _, p := range parts {
		if p < 0 || p >= lg.Partitions() {
			return nil, errors.NotValidf("partition %d", p)
		}
		e.parts[p] = &partitionState{status: PartitionStatus{Partition: p, State: StateStopped}}
	}
	return e, nil
}

// Checkpoints exposes the checkpoint store.
func (e *Engine) Checkpoints() *Checkpoints { return e.checkpoints }

// DeadLetters exposes the dead-letter store.
func (e *Engine) DeadLetters() *DeadLetters { return e.deadLetters }

// Leases exposes the lease table.
func (e *Engine) Leases() *Leases { return e.leases }

// Start launches one supervisor per partition.
func (e *Engine) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	e.cancel = cancel
	for p := range e.parts {
		e.wg.Add(1)
		go e.supervise(ctx, p)
	}
	obs.Logger.Info("propagation_started", "partitions", len(e.parts), "sinks", len(e.sinks), "owner", e.cfg.Owner)
}

// Stop cancels all partition workers and waits for them and their sink calls
// to exit. Stop the engine before the dispatch pool it runs on.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	obs.Logger.Info("propagation_stopped")
}

// Status returns the status of every partition, ordered by partition.
func (e *Engine) Status() []PartitionStatus {
	out := make([]PartitionStatus, 0, len(e.parts))
	for p, ps := range e.parts {
		st := ps.snapshot()
		st.Head = e.log.Head(p)
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Partition < out[j].Partition })
	return out
}

// Idle reports whether every partition has settled: it is either running
// and has finished with every appended change record, or it has failed and
// will not make progress until an operator intervenes.
func (e *Engine) Idle() bool {
	for p, ps := range e.parts {
		st := ps.snapshot()
		switch {
		case st.State == StateFailed:
		case st.State != StateRunning || st.Cursor != e.log.Head(p):
			return false
		}
	}
	return true
}

// WaitIdle blocks until Idle or ctx is done.
func (e *Engine) WaitIdle(ctx context.Context) bool {
	for {
		if e.Idle() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Replay redelivers a quarantined event to its sink once. On Ack the dead
// letter is removed.
func (e *Engine) Replay(ctx context.Context, id string) error {
	dl, err := e.deadLetters.Get(id)
	if err != nil {
		return err
	}
	if dl.Sink == NormalizerSink || dl.Event == nil {
		return errors.NotSupportedf("replaying a record that could not be normalized")
	}
	if e.sinkByName[dl.Sink] == nil {
		return errors.NotFoundf("sink %q", dl.Sink)
	}
	ps := e.parts[dl.Partition]
	if ps == nil {
		return errors.Annotatef(ErrPartitionUnavailable, "partition %d", dl.Partition)
	}
	ps.mu.Lock()
	replays, stopped := ps.replays, ps.stopped
	ps.mu.Unlock()
	if replays == nil {
		return errors.Annotatef(ErrPartitionUnavailable, "partition %d", dl.Partition)
	}
	req := replayRequest{dl: dl, done: make(chan error, 1)}
	select {
	case replays <- req:
	case <-stopped:
		return errors.Annotatef(ErrPartitionUnavailable, "partition %d", dl.Partition)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-stopped:
		return errors.Annotatef(ErrPartitionUnavailable, "partition %d stopped during replay", dl.Partition)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) supervise(ctx context.Context, part int) {
	defer e.wg.Done()
	ps := e.parts[part]
	ps.update(func(s *PartitionStatus) { s.State = StateStarting })
	for {
		if ctx.Err() != nil {
			ps.update(func(s *PartitionStatus) { s.State = StateStopped })
			return
		}
		lease, err := e.leases.Acquire(part, e.cfg.Owner, e.cfg.LeaseTTL)
		if err != nil {
			ps.update(func(s *PartitionStatus) {
				s.State, s.Error, s.UpdatedAt = StateWaiting, err.Error(), e.clock.Now()
			})
			select {
			case <-ctx.Done():
			case <-e.clock.After(e.cfg.LeaseTTL / 2):
			}
			continue
		}

		err = e.runWorker(ctx, part, lease)
		if rerr := e.leases.Release(part, lease.Owner, lease.Token); rerr != nil {
			obs.Logger.Warn("lease_release_failed", "partition", part, "error", rerr)
		}
		switch {
		case ctx.Err() != nil:
			ps.update(func(s *PartitionStatus) { s.State = StateStopped })
			return
		case errors.Is(err, ErrCheckpointCorrupt):
			obs.Logger.Error("partition_failed", "partition", part, "error", err)
			ps.update(func(s *PartitionStatus) {
				s.State, s.Error, s.UpdatedAt = StateFailed, err.Error(), e.clock.Now()
			})
			return
		default:
			obs.Logger.Warn("partition_worker_restart", "partition", part, "token", lease.Token, "error", err)
			ps.update(func(s *PartitionStatus) {
				s.State, s.UpdatedAt = StateWaiting, e.clock.Now()
				if err != nil {
					s.Error = err.Error()
				}
			})
			select {
			case <-ctx.Done():
			case <-e.clock.After(e.cfg.PollInterval):
			}
		}
	}
}

func (e *Engine) runWorker(ctx context.Context, part int, lease Lease) error {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := newWorker(e, part, lease)
	ps := e.parts[part]
	stopped := make(chan struct{})
	ps.mu.Lock()
	ps.replays, ps.stopped = w.replays, stopped
	ps.status.State, ps.status.Owner, ps.status.Token, ps.status.Error = StateRunning, lease.Owner, lease.Token, ""
	ps.status.UpdatedAt = e.clock.Now()
	ps.mu.Unlock()
	defer func() {
		ps.mu.Lock()
		ps.replays, ps.stopped = nil, nil
		ps.mu.Unlock()
		close(stopped)
	}()
	obs.Logger.Info("partition_acquired", "partition", part, "owner", lease.Owner, "token", lease.Token)

	renewErr := make(chan error, 1)
	go func() {
		for {
			select {
			case <-wctx.Done():
				return
			case <-e.clock.After(e.cfg.LeaseTTL / 3):
			}
			if _, err := e.leases.Renew(part, lease.Owner, lease.Token, e.cfg.LeaseTTL); err != nil {
				renewErr <- err
				cancel()
				return
			}
		}
	}()

	err := w.run(wctx)
	// Sink calls of this worker must end before the lease is released and a
	// successor can deliver the same keys.
	cancel()
	w.inflight.Wait()
	select {
	case rerr := <-renewErr:
		if ctx.Err() == nil {
			err = rerr
		}
	default:
	}
	return err
}
