package propagate

import (
	"context"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/product-catalog-service/internal/kv"
)

func openTestDB(t *testing.T) *kv.DB {
	t.Helper()
	db, err := kv.Open(kv.Options{DataDir: t.TempDir(), Fsync: kv.FsyncModeNever})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestFrameDetectsCorruption(t *testing.T) {
	f := frameUint64(42)
	v, ok := unframeUint64(f)
	require.True(t, ok)
	assert.Equal(t, uint64(42), v)

	f[3] ^= 0xff
	_, ok = unframeUint64(f)
	assert.False(t, ok)

	_, ok = unframe([]byte{1, 2})
	assert.False(t, ok)
}

func TestCheckpointsLifecycle(t *testing.T) {
	db := openTestDB(t)
	cps := NewCheckpoints(db)
	ctx := context.Background()

	last, err := cps.LastApplied("cache", "p1")
	require.NoError(t, err)
	assert.Zero(t, last)

	rs := RetryState{Sequence: 3, Attempts: 2, NextEligible: time.Now().Add(time.Second).UTC(), Reason: "busy"}
	b := db.NewBatch()
	require.NoError(t, stageApplied(b, "cache", "p1", 2))
	require.NoError(t, stageRetry(b, "cache", "p1", rs))
	require.NoError(t, stageCursor(b, 1, 7))
	require.NoError(t, db.CommitBatch(ctx, b))
	require.NoError(t, b.Close())

	last, err = cps.LastApplied("cache", "p1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), last)
	got, found, err := cps.Retry("cache", "p1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 2, got.Attempts)
	assert.True(t, rs.NextEligible.Equal(got.NextEligible))
	cur, err := cps.Cursor(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), cur)

	list, err := cps.List("cache", "", 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "p1", list[0].Key)
	require.NotNil(t, list[0].Retry)

	// Applying clears the retry state.
	b = db.NewBatch()
	require.NoError(t, stageApplied(b, "cache", "p1", 3))
	require.NoError(t, db.CommitBatch(ctx, b))
	require.NoError(t, b.Close())
	_, found, err = cps.Retry("cache", "p1")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, cps.Reset("cache", "p1"))
	last, err = cps.LastApplied("cache", "p1")
	require.NoError(t, err)
	assert.Zero(t, last)

	require.NoError(t, cps.ResetCursor(1, 0))
	cur, err = cps.Cursor(1)
	require.NoError(t, err)
	assert.Zero(t, cur)
}

func TestCheckpointsCorrupt(t *testing.T) {
	db := openTestDB(t)
	cps := NewCheckpoints(db)

	require.NoError(t, db.Set(laneKey(applyPrefix, "index", "k"), []byte("not a checkpoint")))
	_, err := cps.LastApplied("index", "k")
	assert.True(t, errors.Is(err, ErrCheckpointCorrupt))

	_, err = cps.List("", "", 0)
	assert.True(t, errors.Is(err, ErrCheckpointCorrupt))

	require.NoError(t, db.Set(laneKey(retryPrefix, "index", "k"), frame([]byte("{"))))
	_, _, err = cps.Retry("index", "k")
	assert.True(t, errors.Is(err, ErrCheckpointCorrupt))

	require.NoError(t, db.Set(keyCursor(0), frame([]byte{1})))
	_, err = cps.Cursor(0)
	assert.True(t, errors.Is(err, ErrCheckpointCorrupt))
}

func TestCheckpointsListFiltersBySinkAndPrefix(t *testing.T) {
	db := openTestDB(t)
	cps := NewCheckpoints(db)
	b := db.NewBatch()
	for _, k := range []string{"a1", "a2", "b1"} {
		require.NoError(t, stageApplied(b, "cache", k, 1))
		require.NoError(t, stageApplied(b, "index", k, 1))
	}
	require.NoError(t, db.CommitBatch(context.Background(), b))
	require.NoError(t, b.Close())

	all, err := cps.List("", "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 6)

	some, err := cps.List("index", "a", 0)
	require.NoError(t, err)
	require.Len(t, some, 2)
	assert.Equal(t, "index", some[0].Sink)
	assert.Equal(t, "a1", some[0].Key)

	limited, err := cps.List("cache", "", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
