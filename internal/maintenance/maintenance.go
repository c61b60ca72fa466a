// Package maintenance runs scheduled housekeeping: trimming change-log
// entries every sink has finished with, purging old dead letters and
// expiring the published event topic.
package maintenance

import (
	"context"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/fairyhunter13/product-catalog-service/internal/obs"
	"github.com/fairyhunter13/product-catalog-service/internal/propagate"
	"github.com/fairyhunter13/product-catalog-service/internal/sink/events"
	"github.com/fairyhunter13/product-catalog-service/internal/store"
)

// Options configures a Maintainer.
type Options struct {
	// Cron is a five-field cron expression evaluated in UTC.
	Cron string
	// LogRetention keeps consumed change-log entries and published events
	// for at least this long. Zero trims consumed entries at once and keeps
	// published events forever.
	LogRetention time.Duration
	// DLQRetention purges dead letters older than this. Zero keeps them.
	DLQRetention time.Duration
	Clock        clock.Clock
	Metrics      *obs.Collector
}

// Report counts what one run removed.
type Report struct {
	LogEntries  int `json:"log_entries"`
	DeadLetters int `json:"dead_letters"`
	Events      int `json:"events"`
}

// Maintainer owns the housekeeping schedule.
type Maintainer struct {
	opts        Options
	log         *store.Log
	checkpoints *propagate.Checkpoints
	deadLetters *propagate.DeadLetters
	topic       *events.Topic

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New validates opts. topic may be nil.
func New(opts Options, lg *store.Log, cps *propagate.Checkpoints, dlq *propagate.DeadLetters, topic *events.Topic) (*Maintainer, error) {
	if opts.Cron == "" {
		opts.Cron = "*/15 * * * *"
	}
	if !gronx.IsValid(opts.Cron) {
		return nil, errors.NotValidf("maintenance cron %q", opts.Cron)
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Metrics == nil {
		opts.Metrics = obs.NewMetricsCollector()
	}
	return &Maintainer{opts: opts, log: lg, checkpoints: cps, deadLetters: dlq, topic: topic}, nil
}

// RunOnce performs one housekeeping pass as of now.
func (m *Maintainer) RunOnce(ctx context.Context, now time.Time) (Report, error) {
	var rep Report
	logCutoff := now.Add(-m.opts.LogRetention)
	if m.opts.LogRetention <= 0 {
		logCutoff = now.Add(time.Millisecond)
	}
	for p := 0; p < m.log.Partitions(); p++ {
		cursor, err := m.checkpoints.Cursor(p)
		if err != nil {
			// A partition with a corrupt cursor keeps its log for inspection.
			obs.Logger.Warn("maintenance_partition_skipped", "partition", p, "error", err)
			continue
		}
		n, err := m.log.TrimThrough(ctx, p, cursor, logCutoff)
		if err != nil {
			return rep, errors.Annotatef(err, "trimming partition %d", p)
		}
		rep.LogEntries += n
	}

	if m.opts.DLQRetention > 0 {
		n, err := m.deadLetters.PurgeBefore(ctx, now.Add(-m.opts.DLQRetention))
		if err != nil {
			return rep, errors.Annotate(err, "purging dead letters")
		}
		rep.DeadLetters = n
	}

	if m.topic != nil && m.opts.LogRetention > 0 {
		n, err := m.topic.TrimBefore(ctx, logCutoff)
		if err != nil {
			return rep, errors.Annotate(err, "trimming event topic")
		}
		rep.Events = n
	}

	m.opts.Metrics.Maintenance("log", rep.LogEntries)
	m.opts.Metrics.Maintenance("dead_letters", rep.DeadLetters)
	m.opts.Metrics.Maintenance("events", rep.Events)
	obs.Logger.Info("maintenance_run",
		"log_entries", rep.LogEntries, "dead_letters", rep.DeadLetters, "events", rep.Events)
	return rep, nil
}

// Start runs RunOnce on the cron schedule until Stop or ctx is done.
func (m *Maintainer) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.loop(ctx, m.done)
	obs.Logger.Info("maintenance_scheduler_started", "cron", m.opts.Cron)
}

// Stop ends the schedule and waits for a running pass to finish.
func (m *Maintainer) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (m *Maintainer) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		now := m.opts.Clock.Now().UTC()
		next, err := gronx.NextTickAfter(m.opts.Cron, now, false)
		wait := next.Sub(now)
		if err != nil {
			obs.Logger.Error("maintenance_nexttick_failed", "cron", m.opts.Cron, "error", err)
			wait = time.Minute
		}
		select {
		case <-ctx.Done():
			obs.Logger.Info("maintenance_scheduler_stopping")
			return
		case <-m.opts.Clock.After(wait):
		}
		if err != nil {
			continue
		}
		if _, err := m.RunOnce(ctx, m.opts.Clock.Now()); err != nil && ctx.Err() == nil {
			obs.Logger.Error("maintenance_run_failed", "error", err)
		}
	}
}
