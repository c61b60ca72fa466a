// Package store is the key-value adapter of the product catalog. It keeps
// product rows in Pebble and, in the same atomic batch as each mutation,
// appends one raw change record to the key's change-log partition.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/im7mortal/kmutex"
	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/fairyhunter13/product-catalog-service/internal/kv"
	"github.com/fairyhunter13/product-catalog-service/internal/model"
	"github.com/fairyhunter13/product-catalog-service/internal/obs"
	"github.com/fairyhunter13/product-catalog-service/internal/stream"
)

var productPrefix = []byte("p/")

func keyProduct(id string) []byte {
	k := make([]byte, 0, len(productPrefix)+len(id))
	k = append(k, productPrefix...)
	return append(k, id...)
}

// row is the stored form of a product. Deleted rows are tombstones that keep
// the last sequence so a re-created key continues from it.
type row struct {
	ID         string           `json:"id"`
	Attributes model.Attributes `json:"attributes,omitempty"`
	Version    int64            `json:"version"`
	Deleted    bool             `json:"deleted,omitempty"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

func (r row) product() model.Product {
	attrs := r.Attributes
	if attrs == nil {
		attrs = model.Attributes{}
	}
	return model.Product{ID: r.ID, Attributes: attrs, Version: r.Version}
}

func decodeRow(b []byte) (row, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var r row
	if err := dec.Decode(&r); err != nil {
		return row{}, errors.Annotate(err, "decoding product row")
	}
	return r, nil
}

// Options configures a Store.
type Options struct {
	Partitions int
	Clock      clock.Clock
	Metrics    *obs.Collector
}

// Store implements get, put, delete and list over the KV database.
type Store struct {
	db      *kv.DB
	log     *Log
	locks   *kmutex.Kmutex
	clock   clock.Clock
	metrics *obs.Collector
}

// New opens the store on db.
func New(db *kv.DB, opts Options) (*Store, error) {
	if opts.Partitions <= 0 {
		opts.Partitions = 1
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Metrics == nil {
		opts.Metrics = obs.NewMetricsCollector()
	}
	l, err := openLog(db, opts.Partitions)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &Store{
		db:      db,
		log:     l,
		locks:   kmutex.New(),
		clock:   opts.Clock,
		metrics: opts.Metrics,
	}, nil
}

// Log exposes the change log written by this store.
func (s *Store) Log() *Log { return s.log }

// DB exposes the underlying database.
func (s *Store) DB() *kv.DB { return s.db }

func (s *Store) load(id string) (row, bool, error) {
	b, err := s.db.Get(keyProduct(id))
	if errors.Is(err, kv.ErrNotFound) {
		return row{}, false, nil
	}
	if err != nil {
		return row{}, false, errors.Annotatef(err, "reading product %q", id)
	}
	r, err := decodeRow(b)
	if err != nil {
		return row{}, false, errors.Trace(err)
	}
	return r, true, nil
}

// Get returns the current product, or model.ErrNotFound when it is absent or
// deleted.
func (s *Store) Get(_ context.Context, id string) (model.Product, error) {
	if err := model.ValidateID(id); err != nil {
		return model.Product{}, err
	}
	r, ok, err := s.load(id)
	if err != nil {
		return model.Product{}, err
	}
	if !ok || r.Deleted {
		return model.Product{}, errors.Annotatef(model.ErrNotFound, "product %q", id)
	}
	return r.product(), nil
}

// Put writes the product unconditionally, or compare-and-swaps when
// expectedVersion is set. An expected version of 0 means the product must not
// exist. It reports whether the product was created.
func (s *Store) Put(ctx context.Context, id string, attrs model.Attributes, expectedVersion *int64) (model.Product, bool, error) {
	if err := model.ValidateID(id); err != nil {
		return model.Product{}, false, err
	}
	norm, err := model.NormalizeAttributes(attrs)
	if err != nil {
		return model.Product{}, false, err
	}

	s.locks.Lock(id)
	defer s.locks.Unlock(id)

	cur, exists, err := s.load(id)
	if err != nil {
		return model.Product{}, false, err
	}
	live := exists && !cur.Deleted
	if expectedVersion != nil {
		var have int64
		if live {
			have = cur.Version
		}
		if *expectedVersion != have {
			return model.Product{}, false, errors.Annotatef(model.ErrVersionConflict,
				"product %q is at version %d, expected %d", id, have, *expectedVersion)
		}
	}

	now := s.clock.Now().UTC()
	next := row{ID: id, Attributes: norm, Version: cur.Version + 1, UpdatedAt: now}
	after := next.product()
	var before *model.Product
	if live {
		b := cur.product()
		before = &b
	}
	if err := s.commit(ctx, next, before, &after, now); err != nil {
		return model.Product{}, false, err
	}
	op := "update"
	if !live {
		op = "create"
	}
	s.metrics.StoreWrite(op)
	obs.Logger.Debug("product_put", "id", id, "version", after.Version, "op", op)
	return after.Clone(), !live, nil
}

// Delete removes the product, leaving a tombstone. It returns
// model.ErrNotFound when there is nothing to delete.
func (s *Store) Delete(ctx context.Context, id string, expectedVersion *int64) error {
	if err := model.ValidateID(id); err != nil {
		return err
	}
	s.locks.Lock(id)
	defer s.locks.Unlock(id)

	cur, exists, err := s.load(id)
	if err != nil {
		return err
	}
	if !exists || cur.Deleted {
		return errors.Annotatef(model.ErrNotFound, "product %q", id)
	}
	if expectedVersion != nil && *expectedVersion != cur.Version {
		return errors.Annotatef(model.ErrVersionConflict,
			"product %q is at version %d, expected %d", id, cur.Version, *expectedVersion)
	}
	now := s.clock.Now().UTC()
	tomb := row{ID: id, Version: cur.Version + 1, Deleted: true, UpdatedAt: now}
	before := cur.product()
	if err := s.commit(ctx, tomb, &before, nil, now); err != nil {
		return err
	}
	s.metrics.StoreWrite("delete")
	obs.Logger.Debug("product_deleted", "id", id, "version", tomb.Version)
	return nil
}

// commit writes the row and its change record in one batch.
func (s *Store) commit(ctx context.Context, r row, before, after *model.Product, at time.Time) error {
	rec, err := stream.NewRecord(r.ID, before, after, uint64(r.Version), at)
	if err != nil {
		return errors.Trace(err)
	}
	raw, err := rec.Encode()
	if err != nil {
		return errors.Trace(err)
	}
	val, err := json.Marshal(r)
	if err != nil {
		return errors.Trace(err)
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(keyProduct(r.ID), val, nil); err != nil {
		return errors.Trace(err)
	}
	part := PartitionFor(r.ID, s.log.Partitions())
	if _, err := s.log.commitWith(ctx, b, part, raw, at); err != nil {
		return errors.Annotatef(err, "writing product %q", r.ID)
	}
	return nil
}

// List returns up to limit live products ordered by id, starting after
// pageToken. The returned token is empty when no further products exist.
func (s *Store) List(_ context.Context, pageToken string, limit int) ([]model.Product, string, error) {
	if limit <= 0 {
		limit = 100
	}
	start := keyProduct(pageToken)
	if pageToken != "" {
		start = append(start, 0)
	}
	var (
		out     []model.Product
		more    bool
		scanErr error
	)
	err := s.db.Scan(start, kv.PrefixEnd(productPrefix), func(_, v []byte) bool {
		r, err := decodeRow(v)
		if err != nil {
			scanErr = err
			return false
		}
		if r.Deleted {
			return true
		}
		if len(out) == limit {
			more = true
			return false
		}
		out = append(out, r.product())
		return true
	})
	if err == nil {
		err = scanErr
	}
	if err != nil {
		return nil, "", errors.Annotate(err, "listing products")
	}
	next := ""
	if more {
		next = out[len(out)-1].ID
	}
	return out, next, nil
}
