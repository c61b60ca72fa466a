package propagate

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
	"strings"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/juju/errors"

	"github.com/fairyhunter13/product-catalog-service/internal/kv"
)

// Propagation keyspace:
//
//	cp/k/{sink}/{key}   last applied sequence (framed)
//	cp/r/{sink}/{key}   retry state (framed JSON)
//	cp/c/{part_be4}     partition cursor (framed)
//	lease/{part_be4}    lease record (JSON)
//	dlq/{id}            dead letter (JSON)
//
// Framed values end in a crc32c of the preceding bytes.

var (
	applyPrefix  = []byte("cp/k/")
	retryPrefix  = []byte("cp/r/")
	cursorPrefix = []byte("cp/c/")
	castagnoli   = crc32.MakeTable(crc32.Castagnoli)
)

const (
	// ErrCheckpointCorrupt is returned when a stored checkpoint fails to
	// decode. The owning partition stops rather than guess.
	ErrCheckpointCorrupt = errors.ConstError("checkpoint corrupt")
)

func laneKey(prefix []byte, sink, key string) []byte {
	k := make([]byte, 0, len(prefix)+len(sink)+1+len(key))
	k = append(k, prefix...)
	k = append(k, sink...)
	k = append(k, '/')
	return append(k, key...)
}

func keyCursor(part int) []byte {
	k := append([]byte(nil), cursorPrefix...)
	return binary.BigEndian.AppendUint32(k, uint32(part))
}

func frame(payload []byte) []byte {
	out := append([]byte(nil), payload...)
	return binary.BigEndian.AppendUint32(out, crc32.Checksum(payload, castagnoli))
}

func unframe(b []byte) ([]byte, bool) {
	if len(b) < 4 {
		return nil, false
	}
	payload := b[:len(b)-4]
	if crc32.Checksum(payload, castagnoli) != binary.BigEndian.Uint32(b[len(b)-4:]) {
		return nil, false
	}
	return payload, true
}

func frameUint64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return frame(b[:])
}

func unframeUint64(b []byte) (uint64, bool) {
	payload, ok := unframe(b)
	if !ok || len(payload) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(payload), true
}

// RetryState is the persisted progress of a lane awaiting retry.
type RetryState struct {
	Sequence      uint64    `json:"sequence"`
	Attempts      int       `json:"attempts"`
	NextEligible  time.Time `json:"next_eligible"`
	Reason        string    `json:"reason"`
	Partition     int       `json:"partition"`
	Offset        uint64    `json:"offset"`
	LastAttemptAt time.Time `json:"last_attempt_at"`
}

// Checkpoint is one (sink, key) progress entry.
type Checkpoint struct {
	Sink        string      `json:"sink"`
	Key         string      `json:"key"`
	LastApplied uint64      `json:"last_applied"`
	Retry       *RetryState `json:"retry,omitempty"`
}

// Checkpoints reads and stages checkpoint writes. Writes go into caller
// batches so they commit atomically with the fencing check.
type Checkpoints struct {
	db *kv.DB
}

func NewCheckpoints(db *kv.DB) *Checkpoints { return &Checkpoints{db: db} }

// LastApplied returns the highest sequence applied by sink for key, 0 when
// none.
func (c *Checkpoints) LastApplied(sink, key string) (uint64, error) {
	b, err := c.db.Get(laneKey(applyPrefix, sink, key))
	if errors.Is(err, kv.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Annotatef(err, "reading checkpoint %s/%s", sink, key)
	}
	v, ok := unframeUint64(b)
	if !ok {
		return 0, errors.Annotatef(ErrCheckpointCorrupt, "sink %q key %q", sink, key)
	}
	return v, nil
}

// Retry returns the persisted retry state of a lane.
func (c *Checkpoints) Retry(sink, key string) (RetryState, bool, error) {
	b, err := c.db.Get(laneKey(retryPrefix, sink, key))
	if errors.Is(err, kv.ErrNotFound) {
		return RetryState{}, false, nil
	}
	if err != nil {
		return RetryState{}, false, errors.Annotatef(err, "reading retry state %s/%s", sink, key)
	}
	payload, ok := unframe(b)
	var rs RetryState
	if !ok || json.Unmarshal(payload, &rs) != nil {
		return RetryState{}, false, errors.Annotatef(ErrCheckpointCorrupt, "retry state of sink %q key %q", sink, key)
	}
	return rs, true, nil
}

// Cursor returns the committed offset of a partition.
func (c *Checkpoints) Cursor(part int) (uint64, error) {
	b, err := c.db.Get(keyCursor(part))
	if errors.Is(err, kv.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Annotatef(err, "reading cursor of partition %d", part)
	}
	v, ok := unframeUint64(b)
	if !ok {
		return 0, errors.Annotatef(ErrCheckpointCorrupt, "cursor of partition %d", part)
	}
	return v, nil
}

func stageApplied(b *pebble.Batch, sink, key string, seq uint64) error {
	if err := b.Set(laneKey(applyPrefix, sink, key), frameUint64(seq), nil); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(b.Delete(laneKey(retryPrefix, sink, key), nil))
}

func stageRetry(b *pebble.Batch, sink, key string, rs RetryState) error {
	payload, err := json.Marshal(rs)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(b.Set(laneKey(retryPrefix, sink, key), frame(payload), nil))
}

func stageCursor(b *pebble.Batch, part int, offset uint64) error {
	return errors.Trace(b.Set(keyCursor(part), frameUint64(offset), nil))
}

// Reset forgets everything sink has applied for key, so the next event for
// key is delivered again. Use only while the owning partition is stopped.
func (c *Checkpoints) Reset(sink, key string) error {
	b := c.db.NewBatch()
	defer b.Close()
	if err := b.Delete(laneKey(applyPrefix, sink, key), nil); err != nil {
		return errors.Trace(err)
	}
	if err := b.Delete(laneKey(retryPrefix, sink, key), nil); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(c.db.CommitBatch(context.Background(), b))
}

// ResetCursor rewinds a partition cursor. Use only while the partition is
// stopped.
func (c *Checkpoints) ResetCursor(part int, offset uint64) error {
	return errors.Trace(c.db.Set(keyCursor(part), frameUint64(offset)))
}

// List returns checkpoints, optionally restricted to one sink and a key
// prefix. Corrupt entries are reported with ErrCheckpointCorrupt.
func (c *Checkpoints) List(sink, keyPrefix string, limit int) ([]Checkpoint, error) {
	prefix := append([]byte(nil), applyPrefix...)
	if sink != "" {
		prefix = laneKey(applyPrefix, sink, keyPrefix)
	}
	var (
		out     []Checkpoint
		scanErr error
	)
	err := c.db.ScanPrefix(prefix, func(k, v []byte) bool {
		rest := string(bytes.TrimPrefix(k, applyPrefix))
		i := strings.IndexByte(rest, '/')
		if i < 0 {
			return true
		}
		cp := Checkpoint{Sink: rest[:i], Key: rest[i+1:]}
		seq, ok := unframeUint64(v)
		if !ok {
			scanErr = errors.Annotatef(ErrCheckpointCorrupt, "sink %q key %q", cp.Sink, cp.Key)
			return false
		}
		cp.LastApplied = seq
		if rs, found, err := c.Retry(cp.Sink, cp.Key); err != nil {
			scanErr = err
			return false
		} else if found {
			cp.Retry = &rs
		}
		out = append(out, cp)
		return limit <= 0 || len(out) < limit
	})
	if err == nil {
		err = scanErr
	}
	return out, errors.Trace(err)
}
