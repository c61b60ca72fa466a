package propagate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/juju/errors"

	"github.com/fairyhunter13/product-catalog-service/internal/model"
	"github.com/fairyhunter13/product-catalog-service/internal/obs"
	"github.com/fairyhunter13/product-catalog-service/internal/queue"
	"github.com/fairyhunter13/product-catalog-service/internal/store"
)

type laneID struct {
	sink string
	key  string
}

// lane holds the events of one (sink, key) in sequence order. Only the head
// is ever dispatched.
type lane struct {
	id          laneID
	sink        Sink
	items       []*laneItem
	loaded      bool
	lastApplied uint64
	busy        bool
	attempts    int
	retryAt     time.Time
}

func (l *lane) pop() { l.items = l.items[1:] }

func (l *lane) clearRetry() {
	l.attempts = 0
	l.retryAt = time.Time{}
}

type laneItem struct {
	ev      model.ChangeEvent
	dropped bool
	off     *pendingOffset

	replay     *replayRequest
	deadLetter model.DeadLetter
}

// pendingOffset counts the sinks still working on a log entry.
type pendingOffset struct {
	offset    uint64
	remaining int
}

type dispatchResult struct {
	lane    *lane
	item    *laneItem
	res     model.SinkResult
	elapsed time.Duration
}

type worker struct {
	e     *Engine
	part  int
	lease Lease

	cursor  uint64
	readPos uint64
	pending []*pendingOffset
	lanes   map[laneID]*lane

	results chan dispatchResult
	replays chan replayRequest

	// inflight counts sink calls started by this worker. The worker's lease
	// is not given up until it drops to zero.
	inflight sync.WaitGroup
}

func newWorker(e *Engine, part int, lease Lease) *worker {
	return &worker{
		e:       e,
		part:    part,
		lease:   lease,
		lanes:   make(map[laneID]*lane),
		results: make(chan dispatchResult, 64),
		replays: make(chan replayRequest),
	}
}

func (w *worker) run(ctx context.Context) error {
	cursor, err := w.e.checkpoints.Cursor(w.part)
	if err != nil {
		return err
	}
	w.cursor, w.readPos = cursor, cursor

	for {
		// Taken before reading so an append racing the read still wakes us.
		notify := w.e.log.Notify(w.part)
		if err := w.fill(ctx); err != nil {
			return err
		}
		if err := w.pump(ctx); err != nil {
			return err
		}
		if err := w.advance(ctx); err != nil {
			return err
		}
		w.publish()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case r := <-w.results:
			if err := w.handle(ctx, r); err != nil {
				return err
			}
		case req := <-w.replays:
			w.accept(req)
		case <-notify:
		case <-w.e.clock.After(w.nextWake()):
		}
	}
}

func (w *worker) fill(ctx context.Context) error {
	room := w.e.cfg.MaxInFlight - len(w.pending)
	if room <= 0 {
		return nil
	}
	if room > w.e.cfg.ReadBatch {
		room = w.e.cfg.ReadBatch
	}
	entries, err := w.e.log.Read(w.part, w.readPos, room)
	if err != nil {
		return err
	}
	for _, ent := range entries {
		if err := w.ingest(ctx, ent); err != nil {
			return err
		}
	}
	return nil
}

func (w *worker) ingest(ctx context.Context, ent store.Entry) error {
	w.readPos = ent.Offset
	po := &pendingOffset{offset: ent.Offset}
	w.pending = append(w.pending, po)

	if ent.Corrupt {
		return w.quarantineRecord(ctx, ent, "change record checksum mismatch")
	}
	res, err := w.e.normalizer.Normalize(ent.Raw)
	if err != nil {
		return w.quarantineRecord(ctx, ent, err.Error())
	}
	ev := res.Event
	ev.Partition, ev.Offset = w.part, ent.Offset
	if ev.Timestamp.IsZero() {
		ev.Timestamp = ent.Appended
	}
	for _, s := range w.e.sinks {
		l := w.lane(s, ev.Key)
		l.items = append(l.items, &laneItem{ev: ev, dropped: res.Dropped, off: po})
		po.remaining++
	}
	return nil
}

// quarantineRecord dead-letters a log entry that cannot become an event. The
// entry counts as finished for every sink.
func (w *worker) quarantineRecord(ctx context.Context, ent store.Entry, reason string) error {
	raw := json.RawMessage(ent.Raw)
	if !json.Valid(ent.Raw) {
		quoted, err := json.Marshal(string(ent.Raw))
		if err != nil {
			return errors.Trace(err)
		}
		raw = quoted
	}
	dl := model.DeadLetter{
		ID:        newDeadLetterID(),
		Sink:      NormalizerSink,
		Partition: w.part,
		Offset:    ent.Offset,
		Raw:       raw,
		Reason:    reason,
		Attempts:  1,
		CreatedAt: w.e.clock.Now().UTC(),
	}
	if err := w.commit(ctx, func(b *pebble.Batch) error { return stageDeadLetter(b, dl) }); err != nil {
		return err
	}
	w.e.metrics.NormalizeFailure()
	w.e.metrics.Quarantine(NormalizerSink)
	obs.Logger.Warn("change_record_quarantined",
		"partition", w.part, "offset", ent.Offset, "dead_letter", dl.ID, "reason", reason)
	return nil
}

func (w *worker) lane(s Sink, key string) *lane {
	id := laneID{sink: s.Name(), key: key}
	l := w.lanes[id]
	if l == nil {
		l = &lane{id: id, sink: s}
		w.lanes[id] = l
	}
	return l
}

// load reads the lane's checkpoint and any persisted retry state for its
// head event.
func (w *worker) load(l *lane) error {
	if l.loaded {
		return nil
	}
	last, err := w.e.checkpoints.LastApplied(l.id.sink, l.id.key)
	if err != nil {
		return err
	}
	l.lastApplied = last
	rs, found, err := w.e.checkpoints.Retry(l.id.sink, l.id.key)
	if err != nil {
		return err
	}
	if found && len(l.items) > 0 && l.items[0].replay == nil && rs.Sequence == l.items[0].ev.Sequence {
		l.attempts, l.retryAt = rs.Attempts, rs.NextEligible
	}
	l.loaded = true
	return nil
}

func (w *worker) pump(ctx context.Context) error {
	for id, l := range w.lanes {
		if err := w.step(ctx, l); err != nil {
			return err
		}
		if !l.busy && len(l.items) == 0 {
			delete(w.lanes, id)
		}
	}
	return nil
}

func (w *worker) step(ctx context.Context, l *lane) error {
	for !l.busy && len(l.items) > 0 {
		if err := w.load(l); err != nil {
			return err
		}
		it := l.items[0]
		if it.replay != nil {
			return w.dispatch(ctx, l, it)
		}
		seq := it.ev.Sequence
		switch {
		case seq <= l.lastApplied:
			w.e.metrics.Duplicate(l.id.sink)
			obs.Logger.Debug("event_duplicate_discarded",
				"sink", l.id.sink, "key", l.id.key, "sequence", seq, "last_applied", l.lastApplied)
			l.pop()
			l.clearRetry()
			w.finish(it)
		case it.dropped:
			if err := w.commit(ctx, func(b *pebble.Batch) error {
				return stageApplied(b, l.id.sink, l.id.key, seq)
			}); err != nil {
				return err
			}
			l.lastApplied = seq
			l.pop()
			l.clearRetry()
			w.finish(it)
		case w.e.clock.Now().Before(l.retryAt):
			return nil
		default:
			return w.dispatch(ctx, l, it)
		}
	}
	return nil
}

func (w *worker) dispatch(ctx context.Context, l *lane, it *laneItem) error {
	ev := it.ev
	if it.replay == nil && ev.Sequence > l.lastApplied+1 {
		ev.PossiblyOutOfOrder = true
		w.e.metrics.Gap(l.id.sink)
		gap := ev.Sequence - l.lastApplied - 1
		if w.e.cfg.GapWarnThreshold > 0 && gap >= w.e.cfg.GapWarnThreshold {
			obs.Logger.Warn("sequence_gap",
				"sink", l.id.sink, "key", l.id.key, "sequence", ev.Sequence, "last_applied", l.lastApplied, "missing", gap)
		} else {
			obs.Logger.Debug("sequence_gap",
				"sink", l.id.sink, "key", l.id.key, "sequence", ev.Sequence, "last_applied", l.lastApplied, "missing", gap)
		}
	}

	l.busy = true
	sink, timeout, results := l.sink, w.e.cfg.SinkTimeout, w.results
	w.inflight.Add(1)
	ok := w.e.pool.Enqueue(queue.Job{
		Partition: w.part,
		Sink:      l.id.sink,
		Key:       l.id.key,
		Sequence:  ev.Sequence,
		Run: func(jctx context.Context) {
			defer w.inflight.Done()
			// The call ends with the worker or the pool, whichever stops first.
			rctx, cancel := context.WithCancel(ctx)
			defer cancel()
			defer context.AfterFunc(jctx, cancel)()
			if rctx.Err() != nil {
				return
			}
			start := time.Now()
			res := applyBounded(rctx, sink, ev, timeout)
			select {
			case results <- dispatchResult{lane: l, item: it, res: res, elapsed: time.Since(start)}:
			case <-ctx.Done():
			}
		},
	})
	if !ok {
		w.inflight.Done()
		l.busy = false
		return errors.Trace(errPoolClosed)
	}
	return nil
}

// applyBounded calls the sink under a deadline. A deadline hit or a panic is
// reported as retryable.
func applyBounded(ctx context.Context, s Sink, ev model.ChangeEvent, timeout time.Duration) (res model.SinkResult) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			res = model.RetryLater(fmt.Sprintf("sink panic: %v", r))
		}
	}()
	res = s.Apply(ctx, ev)
	if res.Outcome != model.Ack && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res = model.RetryLater("sink timeout")
	}
	return res
}

func (w *worker) handle(ctx context.Context, r dispatchResult) error {
	l, it := r.lane, r.item
	l.busy = false
	w.e.metrics.Dispatch(l.id.sink, r.res.Outcome.String(), r.elapsed)
	if it.replay != nil {
		return w.finishReplay(ctx, l, it, r.res)
	}

	seq := it.ev.Sequence
	switch r.res.Outcome {
	case model.Ack:
		if err := w.commit(ctx, func(b *pebble.Batch) error {
			return stageApplied(b, l.id.sink, l.id.key, seq)
		}); err != nil {
			return err
		}
		l.lastApplied = seq
		l.pop()
		l.clearRetry()
		w.finish(it)
	case model.Retryable:
		attempts := l.attempts + 1
		if attempts >= w.e.cfg.Retry.MaxAttempts {
			return w.quarantine(ctx, l, it, "retries exhausted: "+r.res.Reason, attempts)
		}
		now := w.e.clock.Now()
		delay := w.e.cfg.Retry.Backoff(attempts)
		rs := RetryState{
			Sequence:      seq,
			Attempts:      attempts,
			NextEligible:  now.Add(delay),
			Reason:        r.res.Reason,
			Partition:     w.part,
			Offset:        it.ev.Offset,
			LastAttemptAt: now,
		}
		if err := w.commit(ctx, func(b *pebble.Batch) error {
			return stageRetry(b, l.id.sink, l.id.key, rs)
		}); err != nil {
			return err
		}
		l.attempts, l.retryAt = attempts, rs.NextEligible
		w.e.metrics.Retry(l.id.sink)
		obs.Logger.Info("sink_retry_scheduled",
			"sink", l.id.sink, "key", l.id.key, "sequence", seq, "attempts", attempts, "delay", delay, "reason", r.res.Reason)
	default:
		return w.quarantine(ctx, l, it, r.res.Reason, l.attempts+1)
	}
	return nil
}

// quarantine dead-letters the head event of l and moves the lane past it in
// the same batch.
func (w *worker) quarantine(ctx context.Context, l *lane, it *laneItem, reason string, attempts int) error {
	ev := it.ev
	dl := model.DeadLetter{
		ID:        newDeadLetterID(),
		Sink:      l.id.sink,
		Partition: w.part,
		Offset:    ev.Offset,
		Key:       ev.Key,
		Sequence:  ev.Sequence,
		Event:     &ev,
		Reason:    reason,
		Attempts:  attempts,
		CreatedAt: w.e.clock.Now().UTC(),
	}
	if err := w.commit(ctx, func(b *pebble.Batch) error {
		if err := stageDeadLetter(b, dl); err != nil {
			return err
		}
		return stageApplied(b, l.id.sink, l.id.key, ev.Sequence)
	}); err != nil {
		return err
	}
	l.lastApplied = ev.Sequence
	l.pop()
	l.clearRetry()
	w.finish(it)
	w.e.metrics.Quarantine(l.id.sink)
	obs.Logger.Warn("event_quarantined",
		"sink", l.id.sink, "key", ev.Key, "sequence", ev.Sequence, "attempts", attempts,
		"dead_letter", dl.ID, "reason", reason)
	return nil
}

func (w *worker) accept(req replayRequest) {
	dl := req.dl
	s := w.e.sinkByName[dl.Sink]
	l := w.lane(s, dl.Key)
	if l.busy {
		req.done <- errors.Annotatef(ErrLaneBusy, "sink %q key %q", dl.Sink, dl.Key)
		return
	}
	if err := w.load(l); err != nil {
		req.done <- err
		return
	}
	if l.lastApplied != dl.Sequence {
		req.done <- errors.Annotatef(ErrSuperseded, "sink %q key %q is at sequence %d, dead letter holds %d",
			dl.Sink, dl.Key, l.lastApplied, dl.Sequence)
		return
	}
	it := &laneItem{ev: *dl.Event, replay: &req, deadLetter: dl}
	l.items = append([]*laneItem{it}, l.items...)
}

func (w *worker) finishReplay(ctx context.Context, l *lane, it *laneItem, res model.SinkResult) error {
	l.pop()
	dl := it.deadLetter
	if res.Outcome == model.Ack {
		err := w.commit(ctx, func(b *pebble.Batch) error { return stageDeadLetterDelete(b, dl.ID) })
		it.replay.done <- err
		if err == nil {
			obs.Logger.Info("dead_letter_replayed", "dead_letter", dl.ID, "sink", dl.Sink, "key", dl.Key, "sequence", dl.Sequence)
		}
		return err
	}
	dl.Attempts++
	dl.Reason = res.Reason
	err := w.commit(ctx, func(b *pebble.Batch) error { return stageDeadLetter(b, dl) })
	if err != nil {
		it.replay.done <- err
		return err
	}
	it.replay.done <- errors.Annotatef(ErrReplayFailed, "%s: %s", res.Outcome, res.Reason)
	return nil
}

func (w *worker) finish(it *laneItem) {
	if it.off != nil {
		it.off.remaining--
	}
}

// advance moves the cursor over the leading run of finished offsets.
func (w *worker) advance(ctx context.Context) error {
	moved := false
	for len(w.pending) > 0 && w.pending[0].remaining == 0 {
		w.cursor = w.pending[0].offset
		w.pending = w.pending[1:]
		moved = true
	}
	if !moved {
		return nil
	}
	cursor := w.cursor
	if err := w.commit(ctx, func(b *pebble.Batch) error { return stageCursor(b, w.part, cursor) }); err != nil {
		return err
	}
	w.e.metrics.PartitionOffsets(w.part, cursor, w.e.log.Head(w.part))
	return nil
}

func (w *worker) commit(ctx context.Context, stage func(b *pebble.Batch) error) error {
	b := w.e.db.NewBatch()
	defer b.Close()
	if err := stage(b); err != nil {
		return err
	}
	return w.e.leases.CommitFenced(ctx, w.part, w.lease.Owner, w.lease.Token, b)
}

func (w *worker) publish() {
	retrying := 0
	for _, l := range w.lanes {
		if !l.retryAt.IsZero() {
			retrying++
		}
	}
	w.e.parts[w.part].update(func(s *PartitionStatus) {
		s.Cursor = w.cursor
		s.ReadPosition = w.readPos
		s.InFlight = len(w.pending)
		s.Lanes = len(w.lanes)
		s.Retrying = retrying
		s.UpdatedAt = w.e.clock.Now()
	})
}

// nextWake returns how long to sleep before the earliest retry is due, or
// the poll interval when none is.
func (w *worker) nextWake() time.Duration {
	wait := w.e.cfg.PollInterval
	now := w.e.clock.Now()
	for _, l := range w.lanes {
		if l.busy || len(l.items) == 0 || l.retryAt.IsZero() {
			continue
		}
		if d := l.retryAt.Sub(now); d < wait {
			wait = d
		}
	}
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait
}
