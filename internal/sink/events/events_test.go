package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/product-catalog-service/internal/kv"
	"github.com/fairyhunter13/product-catalog-service/internal/model"
)

func openTopic(t *testing.T, dir string) (*Topic, *kv.DB) {
	t.Helper()
	db, err := kv.Open(kv.Options{DataDir: dir, Fsync: kv.FsyncModeNever})
	require.NoError(t, err)
	topic, err := Open(db)
	require.NoError(t, err)
	return topic, db
}

func change(kind model.EventKind, key string, seq uint64, at time.Time) model.ChangeEvent {
	p := &model.Product{ID: key, Attributes: model.Attributes{"n": "x"}, Version: int64(seq)}
	ev := model.ChangeEvent{EventID: key, Kind: kind, Key: key, Sequence: seq, Timestamp: at}
	if kind == model.ProductDeleted {
		ev.Before = p
	} else {
		ev.After = p
	}
	return ev
}

func TestTopicPublishReadAndReopen(t *testing.T) {
	dir := t.TempDir()
	topic, db := openTopic(t, dir)
	ctx := context.Background()
	now := time.Now().UTC()

	notify := topic.Notify()
	assert.Equal(t, model.Ack, topic.Apply(ctx, change(model.ProductCreated, "a", 1, now)).Outcome)
	select {
	case <-notify:
	default:
		t.Fatal("publish did not notify")
	}
	topic.Apply(ctx, change(model.ProductCreated, "b", 1, now))
	topic.Apply(ctx, change(model.ProductDeleted, "a", 2, now))
	// Redelivery is absorbed by the key guard.
	assert.Equal(t, model.Ack, topic.Apply(ctx, change(model.ProductCreated, "a", 1, now)).Outcome)
	assert.Equal(t, uint64(3), topic.Head())

	all, err := topic.Read(0, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, uint64(1), all[0].Offset)
	assert.Equal(t, model.ProductDeleted, all[2].Kind)
	require.NotNil(t, all[2].Product)
	assert.Equal(t, "a", all[2].Product.ID)

	page, err := topic.Read(1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "b", page[0].Key)

	require.NoError(t, db.Close())
	topic, db = openTopic(t, dir)
	defer db.Close()
	assert.Equal(t, uint64(3), topic.Head())
	assert.Equal(t, model.Ack, topic.Apply(ctx, change(model.ProductCreated, "a", 2, now)).Outcome)
	assert.Equal(t, uint64(3), topic.Head(), "guard survives reopen")
}

func TestTopicTrimBefore(t *testing.T) {
	topic, db := openTopic(t, t.TempDir())
	defer db.Close()
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		topic.Apply(ctx, change(model.ProductUpdated, "k", uint64(i+1), base.Add(time.Duration(i)*time.Hour)))
	}
	n, err := topic.TrimBefore(ctx, base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	rest, err := topic.Read(0, 0)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, uint64(3), rest[0].Offset)
	assert.Equal(t, uint64(4), topic.Head())
}

func TestTopicRejectsMissingImage(t *testing.T) {
	topic, db := openTopic(t, t.TempDir())
	defer db.Close()
	res := topic.Apply(context.Background(), model.ChangeEvent{Kind: model.ProductUpdated, Key: "k", Sequence: 1})
	assert.Equal(t, model.Fatal, res.Outcome)
}
