// Package kv wraps a Pebble database with an fsync policy, batches and
// prefix scans. It is the single durable store of the service: product rows,
// the change log, checkpoints, leases and dead letters all live here under
// distinct key prefixes.
package kv

import (
	"context"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/juju/errors"
)

// ErrNotFound is returned by Get for absent keys.
var ErrNotFound = pebble.ErrNotFound

// FsyncMode defines durability behavior for write operations.
type FsyncMode int

const (
	FsyncModeUnspecified FsyncMode = iota
	// FsyncModeAlways syncs the WAL on each committed batch.
	FsyncModeAlways
	// FsyncModeInterval lets Pebble coalesce WAL syncs within FsyncInterval.
	FsyncModeInterval
	// FsyncModeNever never forces a WAL sync from the application.
	FsyncModeNever
)

// ParseFsyncMode maps a config string to a FsyncMode.
func ParseFsyncMode(s string) FsyncMode {
	switch s {
	case "always":
		return FsyncModeAlways
	case "never":
		return FsyncModeNever
	case "interval":
		return FsyncModeInterval
	default:
		return FsyncModeUnspecified
	}
}

// Options configures the store.
type Options struct {
	DataDir       string
	Fsync         FsyncMode
	FsyncInterval time.Duration
	// PebbleOptions allows advanced tuning. Defaults are used when nil.
	PebbleOptions *pebble.Options
	Metrics       MetricsHook
}

// MetricsHook observes storage latencies and sizes.
type MetricsHook interface {
	ObserveWrite(elapsed time.Duration, bytes int)
	ObserveRead(elapsed time.Duration, bytes int)
	ObserveBatchCommit(elapsed time.Duration, numOps int, bytes int)
}

// NoopMetrics is used when no hook is provided.
type NoopMetrics struct{}

func (NoopMetrics) ObserveWrite(time.Duration, int)            {}
func (NoopMetrics) ObserveRead(time.Duration, int)             {}
func (NoopMetrics) ObserveBatchCommit(time.Duration, int, int) {}

// DB wraps a Pebble database instance.
type DB struct {
	inner     *pebble.DB
	writeSync bool
	metrics   MetricsHook
}

// Open creates or opens the database in opts.DataDir.
func Open(opts Options) (*DB, error) {
	if opts.DataDir == "" {
		return nil, errors.NotValidf("empty data dir")
	}
	po := opts.PebbleOptions
	if po == nil {
		po = &pebble.Options{}
	}
	switch opts.Fsync {
	case FsyncModeAlways, FsyncModeNever:
	case FsyncModeInterval:
		if opts.FsyncInterval <= 0 {
			opts.FsyncInterval = 5 * time.Millisecond
		}
		interval := opts.FsyncInterval
		po.WALMinSyncInterval = func() time.Duration { return interval }
	default:
		po.WALMinSyncInterval = func() time.Duration { return 5 * time.Millisecond }
	}

	inner, err := pebble.Open(opts.DataDir, po)
	if err != nil {
		return nil, errors.Annotatef(err, "opening pebble at %q", opts.DataDir)
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	return &DB{
		inner:     inner,
		writeSync: opts.Fsync == FsyncModeAlways || opts.Fsync == FsyncModeInterval,
		metrics:   metrics,
	}, nil
}

// Close closes the database.
func (db *DB) Close() error {
	if db == nil || db.inner == nil {
		return nil
	}
	return db.inner.Close()
}

// NewBatch creates a batch for atomic multi-key updates.
func (db *DB) NewBatch() *pebble.Batch {
	return db.inner.NewBatch()
}

// CommitBatch commits b with the configured fsync policy.
func (db *DB) CommitBatch(_ context.Context, b *pebble.Batch) error {
	if b == nil {
		return errors.NotValidf("nil batch")
	}
	start := time.Now()
	ops := int(b.Count())
	size := b.Len()
	mode := pebble.NoSync
	if db.writeSync {
		mode = pebble.Sync
	}
	err := b.Commit(mode)
	db.metrics.ObserveBatchCommit(time.Since(start), ops, size)
	return err
}

// Set writes one key.
func (db *DB) Set(key, value []byte) error {
	b := db.inner.NewBatch()
	defer b.Close()
	if err := b.Set(key, value, nil); err != nil {
		return err
	}
	start := time.Now()
	err := db.CommitBatch(context.Background(), b)
	db.metrics.ObserveWrite(time.Since(start), len(key)+len(value))
	return err
}

// Delete removes one key.
func (db *DB) Delete(key []byte) error {
	b := db.inner.NewBatch()
	defer b.Close()
	if err := b.Delete(key, nil); err != nil {
		return err
	}
	return db.CommitBatch(context.Background(), b)
}

// Get returns a copy of the value stored under key, or ErrNotFound.
func (db *DB) Get(key []byte) ([]byte, error) {
	start := time.Now()
	val, closer, err := db.inner.Get(key)
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	buf := append([]byte(nil), val...)
	db.metrics.ObserveRead(time.Since(start), len(buf))
	return buf, nil
}

// PrefixEnd returns the smallest key greater than every key with prefix p,
// or nil when p is all 0xff bytes.
func PrefixEnd(p []byte) []byte {
	end := append([]byte(nil), p...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// Scan iterates keys in [start, end) in order, calling fn with copies of key
// and value until fn returns false. A nil end scans to the end of the prefix
// space of start.
func (db *DB) Scan(start, end []byte, fn func(key, value []byte) bool) error {
	it, err := db.inner.NewIter(&pebble.IterOptions{LowerBound: start, UpperBound: end})
	if err != nil {
		return errors.Trace(err)
	}
	for valid := it.First(); valid; valid = it.Next() {
		k := append([]byte(nil), it.Key()...)
		v := append([]byte(nil), it.Value()...)
		if !fn(k, v) {
			break
		}
	}
	if err := it.Error(); err != nil {
		_ = it.Close()
		return errors.Trace(err)
	}
	return errors.Trace(it.Close())
}

// ScanPrefix iterates all keys starting with prefix.
func (db *DB) ScanPrefix(prefix []byte, fn func(key, value []byte) bool) error {
	return db.Scan(prefix, PrefixEnd(prefix), fn)
}

// CompactRange requests compaction of [start, end).
func (db *DB) CompactRange(start, end []byte) error {
	return db.inner.Compact(start, end, true)
}
