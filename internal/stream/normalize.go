package stream

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"time"

	"github.com/juju/errors"

	"github.com/fairyhunter13/product-catalog-service/internal/model"
)

// Result is the outcome of normalizing one record. Dropped records carry
// Key and Sequence but must not reach any sink.
type Result struct {
	Event   model.ChangeEvent
	Dropped bool
}

// Normalizer maps raw change records to domain change events. It holds no
// state and is safe for concurrent use.
type Normalizer struct{}

// Normalize decodes and maps one raw record. Errors wrap ErrMalformed.
func (n Normalizer) Normalize(raw []byte) (Result, error) {
	var rec Record
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&rec); err != nil {
		if errors.Is(err, ErrMalformed) {
			return Result{}, err
		}
		return Result{}, errors.Annotatef(ErrMalformed, "decoding record: %v", err)
	}
	return n.NormalizeRecord(rec)
}

// NormalizeRecord maps an already decoded record.
func (Normalizer) NormalizeRecord(rec Record) (Result, error) {
	key, err := keyOf(rec.DynamoDB.Keys)
	if err != nil {
		return Result{}, errors.Annotate(err, "keys")
	}
	if rec.DynamoDB.SequenceNumber == "" {
		return Result{}, errors.Annotatef(ErrMalformed, "record for %q has no sequence number", key)
	}
	seq, perr := strconv.ParseUint(rec.DynamoDB.SequenceNumber, 10, 64)
	if perr != nil || seq == 0 {
		return Result{}, errors.Annotatef(ErrMalformed, "record for %q has bad sequence number %q", key, rec.DynamoDB.SequenceNumber)
	}

	ev := model.ChangeEvent{
		EventID:   rec.EventID,
		Key:       key,
		Sequence:  seq,
		Timestamp: approxTime(rec.DynamoDB.ApproximateCreationDateTime),
	}
	before, err := imageProduct(rec.DynamoDB.OldImage, key, seq)
	if err != nil {
		return Result{}, errors.Annotate(err, "old image")
	}
	after, err := imageProduct(rec.DynamoDB.NewImage, key, seq)
	if err != nil {
		return Result{}, errors.Annotate(err, "new image")
	}

	switch rec.EventName {
	case EventInsert:
		if after == nil {
			return Result{}, errors.Annotatef(ErrMalformed, "INSERT for %q without new image", key)
		}
		ev.Kind = model.ProductCreated
		if before != nil {
			ev.Kind = model.ProductUpdated
		}
	case EventModify:
		if after == nil || before == nil {
			return Result{}, errors.Annotatef(ErrMalformed, "MODIFY for %q needs both images", key)
		}
		ev.Kind = model.ProductUpdated
	case EventRemove:
		if before == nil {
			return Result{}, errors.Annotatef(ErrMalformed, "REMOVE for %q without old image", key)
		}
		ev.Kind = model.ProductDeleted
		after = nil
	default:
		return Result{}, errors.Annotatef(ErrMalformed, "unknown event name %q", rec.EventName)
	}
	ev.Before, ev.After = before, after

	if ev.Kind == model.ProductUpdated && model.SameAttributes(before.Attributes, after.Attributes) {
		return Result{Event: ev, Dropped: true}, nil
	}
	return Result{Event: ev}, nil
}

func imageProduct(img Image, key string, seq uint64) (*model.Product, error) {
	if len(img) == 0 {
		return nil, nil
	}
	p, err := ProductOf(img, int64(seq))
	if err != nil {
		return nil, err
	}
	if p.ID != key {
		return nil, errors.Annotatef(ErrMalformed, "image id %q does not match key %q", p.ID, key)
	}
	return &p, nil
}

func approxTime(secs float64) time.Time {
	if secs <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(math.Round(secs * 1000))).UTC()
}
