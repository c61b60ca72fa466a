package propagate

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"github.com/juju/errors"

	"github.com/fairyhunter13/product-catalog-service/internal/kv"
	"github.com/fairyhunter13/product-catalog-service/internal/model"
)

// NormalizerSink names dead letters for records that never reached a sink.
const NormalizerSink = "normalizer"

// ErrDeadLetterNotFound is returned for unknown dead-letter ids.
const ErrDeadLetterNotFound = errors.ConstError("dead letter not found")

var dlqPrefix = []byte("dlq/")

func keyDeadLetter(id string) []byte {
	return append(append([]byte(nil), dlqPrefix...), id...)
}

// DeadLetters is the durable quarantine store. Ids are UUIDv7, so key order
// is creation order.
type DeadLetters struct {
	db *kv.DB
}

func NewDeadLetters(db *kv.DB) *DeadLetters { return &DeadLetters{db: db} }

func newDeadLetterID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func stageDeadLetter(b *pebble.Batch, dl model.DeadLetter) error {
	v, err := json.Marshal(dl)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(b.Set(keyDeadLetter(dl.ID), v, nil))
}

func stageDeadLetterDelete(b *pebble.Batch, id string) error {
	return errors.Trace(b.Delete(keyDeadLetter(id), nil))
}

func decodeDeadLetter(b []byte) (model.DeadLetter, error) {
	var dl model.DeadLetter
	if err := json.Unmarshal(b, &dl); err != nil {
		return model.DeadLetter{}, errors.Annotate(err, "decoding dead letter")
	}
	return dl, nil
}

// Get returns one dead letter.
func (d *DeadLetters) Get(id string) (model.DeadLetter, error) {
	b, err := d.db.Get(keyDeadLetter(id))
	if errors.Is(err, kv.ErrNotFound) {
		return model.DeadLetter{}, errors.Annotatef(ErrDeadLetterNotFound, "id %q", id)
	}
	if err != nil {
		return model.DeadLetter{}, errors.Trace(err)
	}
	return decodeDeadLetter(b)
}

// ListFilter narrows a dead-letter listing.
type ListFilter struct {
	Sink  string
	Key   string
	After string
	Limit int
}

// List returns dead letters in creation order.
func (d *DeadLetters) List(f ListFilter) ([]model.DeadLetter, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	start := keyDeadLetter(f.After)
	if f.After != "" {
		start = append(start, 0)
	}
	var (
		out     []model.DeadLetter
		scanErr error
	)
	err := d.db.Scan(start, kv.PrefixEnd(dlqPrefix), func(_, v []byte) bool {
		dl, err := decodeDeadLetter(v)
		if err != nil {
			scanErr = err
			return false
		}
		if (f.Sink != "" && dl.Sink != f.Sink) || (f.Key != "" && dl.Key != f.Key) {
			return true
		}
		out = append(out, dl)
		return len(out) < f.Limit
	})
	if err == nil {
		err = scanErr
	}
	return out, errors.Trace(err)
}

// Delete removes a dead letter.
func (d *DeadLetters) Delete(id string) error {
	if _, err := d.Get(id); err != nil {
		return err
	}
	return errors.Trace(d.db.Delete(keyDeadLetter(id)))
}

// PurgeBefore removes dead letters created before cutoff and returns how many
// were removed.
func (d *DeadLetters) PurgeBefore(ctx context.Context, cutoff time.Time) (int, error) {
	b := d.db.NewBatch()
	defer b.Close()
	n := 0
	var stageErr error
	err := d.db.ScanPrefix(dlqPrefix, func(k, v []byte) bool {
		dl, err := decodeDeadLetter(v)
		if err != nil || !dl.CreatedAt.Before(cutoff) {
			return true
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
	if err != nil {
		return 0, errors.Trace(err)
	}
	if n == 0 {
		return 0, nil
	}
	return n, errors.Trace(d.db.CommitBatch(ctx, b))
}
