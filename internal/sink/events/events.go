// Package events publishes change events to a durable, ordered domain-event
// topic that clients read by offset.
package events

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"sync"
	"time"

	"github.com/juju/errors"

	"github.com/fairyhunter13/product-catalog-service/internal/kv"
	"github.com/fairyhunter13/product-catalog-service/internal/model"
)

// Name is the sink name used in checkpoints and dead letters.
const Name = "events"

// Topic keyspace:
//
//	topic/h               head offset (be8)
//	topic/o/{offset_be8}  published event (JSON)
//	topic/k/{key}         last published sequence of key (be8)
var (
	headKey      = []byte("topic/h")
	offsetPrefix = []byte("topic/o/")
	keyPrefix    = []byte("topic/k/")
)

func keyOffset(off uint64) []byte {
	k := append([]byte(nil), offsetPrefix...)
	return binary.BigEndian.AppendUint64(k, off)
}

func keyGuard(key string) []byte {
	return append(append([]byte(nil), keyPrefix...), key...)
}

// Published is one entry of the topic.
type Published struct {
	Offset    uint64          `json:"offset"`
	EventID   string          `json:"event_id"`
	Kind      model.EventKind `json:"kind"`
	Key       string          `json:"key"`
	Sequence  uint64          `json:"sequence"`
	Product   *model.Product  `json:"product,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	// PossiblyOutOfOrder marks an event published after a sequence gap.
	PossiblyOutOfOrder bool `json:"possibly_out_of_order,omitempty"`
}

// Topic is the events sink.
type Topic struct {
	db *kv.DB

	mu     sync.Mutex
	head   uint64
	notify chan struct{}
}

// Open loads the topic head from db.
func Open(db *kv.DB) (*Topic, error) {
	t := &Topic{db: db, notify: make(chan struct{})}
	v, err := db.Get(headKey)
	switch {
	case err == nil && len(v) == 8:
		t.head = binary.BigEndian.Uint64(v)
	case err == nil:
		return nil, errors.Errorf("topic head has %d bytes", len(v))
	case !errors.Is(err, kv.ErrNotFound):
		return nil, errors.Annotate(err, "loading topic head")
	}
	return t, nil
}

func (t *Topic) Name() string { return Name }

// Head returns the last published offset.
func (t *Topic) Head() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.head
}

// Notify returns a channel closed on the next publish.
func (t *Topic) Notify() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.notify
}

func (t *Topic) Apply(ctx context.Context, ev model.ChangeEvent) model.SinkResult {
	if ev.Key == "" {
		return model.Reject("event without key")
	}
	pub := Published{
		EventID:            ev.EventID,
		Kind:               ev.Kind,
		Key:                ev.Key,
		Sequence:           ev.Sequence,
		Timestamp:          ev.Timestamp,
		PossiblyOutOfOrder: ev.PossiblyOutOfOrder,
	}
	switch ev.Kind {
	case model.ProductCreated, model.ProductUpdated:
		if ev.After == nil {
			return model.Reject("event without new image")
		}
		pub.Product = ev.After
	case model.ProductDeleted:
		pub.Product = ev.Before
	default:
		return model.Reject("unknown event kind " + string(ev.Kind))
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	last, err := t.lastSequence(ev.Key)
	if err != nil {
		return model.RetryLater(err.Error())
	}
	if ev.Sequence <= last {
		return model.Acked()
	}
	pub.Offset = t.head + 1
	v, err := json.Marshal(pub)
	if err != nil {
		return model.Reject(err.Error())
	}
	b := t.db.NewBatch()
	defer b.Close()
	var seq, head [8]byte
	binary.BigEndian.PutUint64(seq[:], ev.Sequence)
	binary.BigEndian.PutUint64(head[:], pub.Offset)
	if err := b.Set(keyOffset(pub.Offset), v, nil); err != nil {
		return model.RetryLater(err.Error())
	}
	if err := b.Set(headKey, head[:], nil); err != nil {
		return model.RetryLater(err.Error())
	}
	if err := b.Set(keyGuard(ev.Key), seq[:], nil); err != nil {
		return model.RetryLater(err.Error())
	}
	if err := t.db.CommitBatch(ctx, b); err != nil {
		return model.RetryLater(err.Error())
	}
	t.head = pub.Offset
	close(t.notify)
	t.notify = make(chan struct{})
	return model.Acked()
}

func (t *Topic) lastSequence(key string) (uint64, error) {
	v, err := t.db.Get(keyGuard(key))
	if errors.Is(err, kv.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Annotatef(err, "reading topic guard of %q", key)
	}
	if len(v) != 8 {
		return 0, errors.Errorf("topic guard of %q has %d bytes", key, len(v))
	}
	return binary.BigEndian.Uint64(v), nil
}

// Read returns up to limit events with offsets greater than after.
func (t *Topic) Read(after uint64, limit int) ([]Published, error) {
	if limit <= 0 {
		limit = 100
	}
	var (
		out    []Published
		decErr error
	)
	err := t.db.Scan(keyOffset(after+1), kv.PrefixEnd(offsetPrefix), func(_, v []byte) bool {
		var p Published
		if decErr = json.Unmarshal(v, &p); decErr != nil {
			return false
		}
		out = append(out, p)
		return len(out) < limit
	})
	if err == nil {
		err = decErr
	}
	return out, errors.Trace(err)
}

// TrimBefore deletes published events older than cutoff from the front of
// the topic and returns how many were removed. Key guards are kept.
func (t *Topic) TrimBefore(ctx context.Context, cutoff time.Time) (int, error) {
	b := t.db.NewBatch()
	defer b.Close()
	n := 0
	var stageErr error
	err := t.db.ScanPrefix(offsetPrefix, func(k, v []byte) bool {
		var p Published
		if json.Unmarshal(v, &p) == nil && !p.Timestamp.Before(cutoff) {
			return false
		}
		if stageErr = b.Delete(k, nil); stageErr != nil {
			return false
		}
		n++
		return true
	})
	if err == nil {
		err = stageErr
	}
	if err != nil || n == 0 {
		return 0, errors.Trace(err)
	}
	return n, errors.Trace(t.db.CommitBatch(ctx, b))
}
