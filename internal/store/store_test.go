package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/product-catalog-service/internal/kv"
	"github.com/fairyhunter13/product-catalog-service/internal/model"
	"github.com/fairyhunter13/product-catalog-service/internal/stream"
)

func newTestStore(t *testing.T, partitions int) (*Store, *kv.DB) {
	t.Helper()
	db, err := kv.Open(kv.Options{DataDir: t.TempDir(), Fsync: kv.FsyncModeNever})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	s, err := New(db, Options{Partitions: partitions})
	require.NoError(t, err)
	return s, db
}

func ver(v int64) *int64 { return &v }

func allEntries(t *testing.T, s *Store) []Entry {
	t.Helper()
	var out []Entry
	for p := 0; p < s.Log().Partitions(); p++ {
		es, err := s.Log().Read(p, 0, 10000)
		require.NoError(t, err)
		out = append(out, es...)
	}
	return out
}

func TestPutGetVersions(t *testing.T) {
	s, _ := newTestStore(t, 4)
	ctx := context.Background()

	p, created, err := s.Put(ctx, "p1", model.Attributes{"name": "A", "price": 10}, nil)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(1), p.Version)

	p, created, err = s.Put(ctx, "p1", model.Attributes{"name": "A", "price": 12}, nil)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, int64(2), p.Version)

	got, err := s.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, json.Number("12"), got.Attributes["price"])
	assert.Equal(t, int64(2), got.Version)

	_, err = s.Get(ctx, "missing")
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestPutCompareAndSwap(t *testing.T) {
	s, _ := newTestStore(t, 2)
	ctx := context.Background()

	_, _, err := s.Put(ctx, "p1", model.Attributes{"a": 1}, ver(1))
	assert.True(t, errors.Is(err, model.ErrVersionConflict))

	_, created, err := s.Put(ctx, "p1", model.Attributes{"a": 1}, ver(0))
	require.NoError(t, err)
	assert.True(t, created)

	_, _, err = s.Put(ctx, "p1", model.Attributes{"a": 2}, ver(0))
	assert.True(t, errors.Is(err, model.ErrVersionConflict))

	p, _, err := s.Put(ctx, "p1", model.Attributes{"a": 2}, ver(1))
	require.NoError(t, err)
	assert.Equal(t, int64(2), p.Version)

	assert.Len(t, allEntries(t, s), 2)
}

func TestConcurrentCompareAndSwapSingleWinner(t *testing.T) {
	s, _ := newTestStore(t, 4)
	ctx := context.Background()
	_, _, err := s.Put(ctx, "p1", model.Attributes{"n": 0}, nil)
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := s.Put(ctx, "p1", model.Attributes{"n": i + 1}, ver(1))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, model.ErrVersionConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, conflicts)
	assert.Len(t, allEntries(t, s), 2)
}

func TestConcurrentUnconditionalPutsKeepSequencesContiguous(t *testing.T) {
	s, _ := newTestStore(t, 1)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := s.Put(ctx, "hot", model.Attributes{"n": i}, nil)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := s.Get(ctx, "hot")
	require.NoError(t, err)
	assert.Equal(t, int64(50), got.Version)

	entries := allEntries(t, s)
	require.Len(t, entries, 50)
	var n stream.Normalizer
	for i, e := range entries {
		assert.Equal(t, uint64(i+1), e.Offset)
		res, err := n.Normalize(e.Raw)
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), res.Event.Sequence)
	}
}

func TestDeleteTombstoneAndRecreate(t *testing.T) {
	s, _ := newTestStore(t, 2)
	ctx := context.Background()

	err := s.Delete(ctx, "p1", nil)
	assert.True(t, errors.Is(err, model.ErrNotFound))

	_, _, err = s.Put(ctx, "p1", model.Attributes{"a": "x"}, nil)
	require.NoError(t, err)
	assert.True(t, errors.Is(s.Delete(ctx, "p1", ver(7)), model.ErrVersionConflict))
	require.NoError(t, s.Delete(ctx, "p1", ver(1)))

	_, err = s.Get(ctx, "p1")
	assert.True(t, errors.Is(err, model.ErrNotFound))
	assert.True(t, errors.Is(s.Delete(ctx, "p1", nil), model.ErrNotFound))

	p, created, err := s.Put(ctx, "p1", model.Attributes{"a": "y"}, ver(0))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(3), p.Version)

	var kinds []model.EventKind
	var n stream.Normalizer
	for _, e := range allEntries(t, s) {
		res, err := n.Normalize(e.Raw)
		require.NoError(t, err)
		kinds = append(kinds, res.Event.Kind)
	}
	assert.Equal(t, []model.EventKind{model.ProductCreated, model.ProductDeleted, model.ProductCreated}, kinds)
}

func TestListPaging(t *testing.T) {
	s, _ := newTestStore(t, 3)
	ctx := context.Background()
	for i := 0; i < 7; i++ {
		_, _, err := s.Put(ctx, fmt.Sprintf("p%02d", i), model.Attributes{"i": i}, nil)
		require.NoError(t, err)
	}
	require.NoError(t, s.Delete(ctx, "p03", nil))

	var ids []string
	token := ""
	pages := 0
	for {
		ps, next, err := s.List(ctx, token, 2)
		require.NoError(t, err)
		for _, p := range ps {
			ids = append(ids, p.ID)
		}
		pages++
		if next == "" {
			break
		}
		token = next
	}
	assert.Equal(t, []string{"p00", "p01", "p02", "p04", "p05", "p06"}, ids)
	assert.Equal(t, 3, pages)
}

func TestValidation(t *testing.T) {
	s, _ := newTestStore(t, 1)
	ctx := context.Background()
	_, _, err := s.Put(ctx, "", model.Attributes{}, nil)
	assert.True(t, errors.Is(err, model.ErrInvalidInput))
	_, _, err = s.Put(ctx, "p", model.Attributes{"version": 3}, nil)
	assert.True(t, errors.Is(err, model.ErrInvalidInput))
	assert.Empty(t, allEntries(t, s))
}

func TestLogNotifyAndReopen(t *testing.T) {
	dir := t.TempDir()
	db, err := kv.Open(kv.Options{DataDir: dir, Fsync: kv.FsyncModeNever})
	require.NoError(t, err)
	s, err := New(db, Options{Partitions: 1})
	require.NoError(t, err)

	ch := s.Log().Notify(0)
	_, _, err = s.Put(context.Background(), "k", model.Attributes{}, nil)
	require.NoError(t, err)
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatalf("notify channel not closed on append")
	}
	_, _, err = s.Put(context.Background(), "k", model.Attributes{"b": true}, nil)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = kv.Open(kv.Options{DataDir: dir, Fsync: kv.FsyncModeNever})
	require.NoError(t, err)
	defer db.Close()
	s, err = New(db, Options{Partitions: 1})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), s.Log().Head(0))
	p, _, err := s.Put(context.Background(), "k", model.Attributes{}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), p.Version)
	assert.Equal(t, uint64(3), s.Log().Head(0))
}

func TestTrimThrough(t *testing.T) {
	db, err := kv.Open(kv.Options{DataDir: t.TempDir(), Fsync: kv.FsyncModeNever})
	require.NoError(t, err)
	defer db.Close()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := testclock.NewClock(start)
	s, err := New(db, Options{Partitions: 1, Clock: clk})
	require.NoError(t, err)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, _, err := s.Put(ctx, "k", model.Attributes{"i": i}, nil)
		require.NoError(t, err)
		clk.Advance(time.Minute)
	}
	// Entries were appended at start+0..4m. Trim through offset 4 but only
	// those older than start+2m.
	n, err := s.Log().TrimThrough(ctx, 0, 4, start.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	es, err := s.Log().Read(0, 0, 100)
	require.NoError(t, err)
	require.Len(t, es, 3)
	assert.Equal(t, uint64(3), es[0].Offset)
	assert.Equal(t, start.Add(2*time.Minute), es[0].Appended)
}

func TestCorruptEntryIsFlagged(t *testing.T) {
	s, db := newTestStore(t, 1)
	require.NoError(t, db.Set(keyLogEntry(0, 1), []byte("garbage-bytes")))
	es, err := s.Log().Read(0, 0, 10)
	require.NoError(t, err)
	require.Len(t, es, 1)
	assert.True(t, es[0].Corrupt)
}

func TestPartitionForIsStable(t *testing.T) {
	for _, k := range []string{"a", "p1", "product-42"} {
		p := PartitionFor(k, 8)
		assert.GreaterOrEqual(t, p, 0)
		assert.Less(t, p, 8)
		assert.Equal(t, p, PartitionFor(k, 8))
	}
	assert.Equal(t, 0, PartitionFor("x", 1))
}
