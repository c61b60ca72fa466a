package propagate

import (
	"context"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeaseAcquireAndFencing(t *testing.T) {
	db := openTestDB(t)
	clk := testclock.NewClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	leases := NewLeases(db, clk)
	ctx := context.Background()

	a, err := leases.Acquire(0, "a", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), a.Token)

	// Re-acquiring a live lease keeps the token.
	again, err := leases.Acquire(0, "a", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, a.Token, again.Token)

	_, err = leases.Acquire(0, "b", 10*time.Second)
	assert.True(t, errors.Is(err, ErrLeaseHeld))

	clk.Advance(11 * time.Second)
	b, err := leases.Acquire(0, "b", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), b.Token)

	batch := db.NewBatch()
	require.NoError(t, stageCursor(batch, 0, 9))
	err = leases.CommitFenced(ctx, 0, "a", a.Token, batch)
	assert.True(t, errors.Is(err, ErrFenced))
	require.NoError(t, batch.Close())
	cur, err := NewCheckpoints(db).Cursor(0)
	require.NoError(t, err)
	assert.Zero(t, cur, "fenced write must not land")

	_, err = leases.Renew(0, "a", a.Token, 10*time.Second)
	assert.True(t, errors.Is(err, ErrFenced))

	batch = db.NewBatch()
	require.NoError(t, stageCursor(batch, 0, 9))
	require.NoError(t, leases.CommitFenced(ctx, 0, "b", b.Token, batch))
	require.NoError(t, batch.Close())
	cur, err = NewCheckpoints(db).Cursor(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), cur)
}

func TestLeaseRenewAndExpiry(t *testing.T) {
	db := openTestDB(t)
	clk := testclock.NewClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	leases := NewLeases(db, clk)

	l, err := leases.Acquire(3, "a", 10*time.Second)
	require.NoError(t, err)
	clk.Advance(8 * time.Second)
	l, err = leases.Renew(3, "a", l.Token, 10*time.Second)
	require.NoError(t, err)
	clk.Advance(8 * time.Second)

	_, err = leases.Acquire(3, "b", 10*time.Second)
	assert.True(t, errors.Is(err, ErrLeaseHeld), "renewed lease still live")

	clk.Advance(3 * time.Second)
	_, err = leases.Renew(3, "a", l.Token, 10*time.Second)
	assert.True(t, errors.Is(err, ErrFenced), "expired lease cannot be renewed")

	// Expired and re-taken by the same owner still bumps the token.
	l2, err := leases.Acquire(3, "a", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, l.Token+1, l2.Token)
}

func TestLeaseRelease(t *testing.T) {
	db := openTestDB(t)
	clk := testclock.NewClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	leases := NewLeases(db, clk)

	a, err := leases.Acquire(0, "a", time.Minute)
	require.NoError(t, err)
	require.NoError(t, leases.Release(0, "b", a.Token), "foreign release is ignored")
	_, err = leases.Acquire(0, "b", time.Minute)
	assert.True(t, errors.Is(err, ErrLeaseHeld))

	require.NoError(t, leases.Release(0, "a", a.Token))
	b, err := leases.Acquire(0, "b", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, a.Token+1, b.Token)

	got, found, err := leases.Get(0)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "b", got.Owner)
}
