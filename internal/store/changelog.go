package store

import (
	"context"
	"encoding/binary"
	"hash/crc32"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/pebble"
	"github.com/juju/errors"

	"github.com/fairyhunter13/product-catalog-service/internal/kv"
)

// Change-log keyspace (byte-wise sortable):
//
//	log/{part_be4}/m               last offset
//	log/{part_be4}/e/{offset_be8}  record
//
// Entry values are varint(headerLen) | header | payload | crc32c, where the
// header holds the append time in unix milliseconds.

var (
	logPrefix  = []byte("log/")
	metaSuffix = []byte("/m")
	entrySeg   = []byte("/e/")
	castagnoli = crc32.MakeTable(crc32.Castagnoli)
)

func appendBE4(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}

func appendBE8(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

func keyLogMeta(part int) []byte {
	k := make([]byte, 0, 16)
	k = append(k, logPrefix...)
	k = appendBE4(k, uint32(part))
	return append(k, metaSuffix...)
}

func keyLogEntryPrefix(part int) []byte {
	k := make([]byte, 0, 24)
	k = append(k, logPrefix...)
	k = appendBE4(k, uint32(part))
	return append(k, entrySeg...)
}

func keyLogEntry(part int, offset uint64) []byte {
	return appendBE8(keyLogEntryPrefix(part), offset)
}

func encodeEntry(header, payload []byte) []byte {
	out := make([]byte, 0, 10+len(header)+len(payload)+4)
	var tmp [10]byte
	n := binary.PutUvarint(tmp[:], uint64(len(header)))
	out = append(out, tmp[:n]...)
	out = append(out, header...)
	out = append(out, payload...)
	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, payload)
	return binary.BigEndian.AppendUint32(out, crc)
}

func decodeEntry(b []byte) (header, payload []byte, ok bool) {
	if len(b) < 1+4 {
		return nil, nil, false
	}
	hlen, n := binary.Uvarint(b)
	if n <= 0 || int(n)+int(hlen)+4 > len(b) {
		return nil, nil, false
	}
	header = b[n : n+int(hlen)]
	payload = b[n+int(hlen) : len(b)-4]
	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, payload)
	if crc != binary.BigEndian.Uint32(b[len(b)-4:]) {
		return nil, nil, false
	}
	return header, payload, true
}

// Entry is one change-log record as read back.
type Entry struct {
	Partition int
	Offset    uint64
	Appended  time.Time
	Raw       []byte
	// Corrupt is set when the stored frame fails its checksum. Raw then
	// holds the undecoded value.
	Corrupt bool
}

// PartitionFor maps a product key onto one of n partitions.
func PartitionFor(key string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(key) % uint64(n))
}

// Log is the partitioned change log. Appends to one partition are serialized
// and receive contiguous offsets starting at 1.
type Log struct {
	db    *kv.DB
	parts []*logPartition
}

type logPartition struct {
	mu     sync.Mutex
	head   uint64
	notify chan struct{}
}

func openLog(db *kv.DB, partitions int) (*Log, error) {
	l := &Log{db: db, parts: make([]*logPartition, partitions)}
	for p := range l.parts {
		lp := &logPartition{notify: make(chan struct{})}
		v, err := db.Get(keyLogMeta(p))
		switch {
		case err == nil && len(v) >= 8:
			lp.head = binary.BigEndian.Uint64(v[:8])
		case err == nil || errors.Is(err, kv.ErrNotFound):
		default:
			return nil, errors.Annotatef(err, "loading head of partition %d", p)
		}
		l.parts[p] = lp
	}
	return l, nil
}

// Partitions returns the partition count.
func (l *Log) Partitions() int { return len(l.parts) }

func (l *Log) partition(p int) (*logPartition, error) {
	if p < 0 || p >= len(l.parts) {
		return nil, errors.NotValidf("partition %d", p)
	}
	return l.parts[p], nil
}

// Append commits raw as the next entry of partition p.
func (l *Log) Append(ctx context.Context, p int, raw []byte, at time.Time) (uint64, error) {
	b := l.db.NewBatch()
	defer b.Close()
	return l.commitWith(ctx, b, p, raw, at)
}

// commitWith adds the next entry of partition p to b and commits b while
// holding the partition lock, so offsets become visible in order.
func (l *Log) commitWith(ctx context.Context, b *pebble.Batch, p int, raw []byte, at time.Time) (uint64, error) {
	lp, err := l.partition(p)
	if err != nil {
		return 0, err
	}
	lp.mu.Lock()
	defer lp.mu.Unlock()

	off := lp.head + 1
	var header [8]byte
	binary.BigEndian.PutUint64(header[:], uint64(at.UnixMilli()))
	if err := b.Set(keyLogEntry(p, off), encodeEntry(header[:], raw), nil); err != nil {
		return 0, errors.Trace(err)
	}
	var meta [8]byte
	binary.BigEndian.PutUint64(meta[:], off)
	if err := b.Set(keyLogMeta(p), meta[:], nil); err != nil {
		return 0, errors.Trace(err)
	}
	if err := l.db.CommitBatch(ctx, b); err != nil {
		return 0, errors.Annotatef(err, "committing offset %d of partition %d", off, p)
	}
	lp.head = off
	close(lp.notify)
	lp.notify = make(chan struct{})
	return off, nil
}

// Head returns the last appended offset of partition p.
func (l *Log) Head(p int) uint64 {
	lp, err := l.partition(p)
	if err != nil {
		return 0
	}
	lp.mu.Lock()
	defer lp.mu.Unlock()
	return lp.head
}

// Notify returns a channel closed on the next append to partition p.
func (l *Log) Notify(p int) <-chan struct{} {
	lp, err := l.partition(p)
	if err != nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	lp.mu.Lock()
	defer lp.mu.Unlock()
	return lp.notify
}

// Read returns up to limit entries of partition p with offsets greater than
// after, in offset order.
func (l *Log) Read(p int, after uint64, limit int) ([]Entry, error) {
	if _, err := l.partition(p); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 256
	}
	prefix := keyLogEntryPrefix(p)
	start := keyLogEntry(p, after+1)
	var out []Entry
	err := l.db.Scan(start, kv.PrefixEnd(prefix), func(k, v []byte) bool {
		e := Entry{Partition: p, Offset: binary.BigEndian.Uint64(k[len(prefix):])}
		header, payload, ok := decodeEntry(v)
		if !ok {
			e.Corrupt = true
			e.Raw = v
		} else {
			if len(header) >= 8 {
				e.Appended = time.UnixMilli(int64(binary.BigEndian.Uint64(header[:8]))).UTC()
			}
			e.Raw = payload
		}
		out = append(out, e)
		return len(out) < limit
	})
	if err != nil {
		return nil, errors.Annotatef(err, "reading partition %d after %d", p, after)
	}
	return out, nil
}

// TrimThrough deletes entries of partition p with offset <= through that
// were appended before olderThan. It returns the number of entries removed.
func (l *Log) TrimThrough(ctx context.Context, p int, through uint64, olderThan time.Time) (int, error) {
	if _, err := l.partition(p); err != nil {
		return 0, err
	}
	if through == 0 {
		return 0, nil
	}
	prefix := keyLogEntryPrefix(p)
	end := keyLogEntry(p, through+1)
	b := l.db.NewBatch()
	defer b.Close()
	removed := 0
	var setErr error
	err := l.db.Scan(prefix, end, func(k, v []byte) bool {
		header, _, ok := decodeEntry(v)
		if ok && len(header) >= 8 {
			appended := time.UnixMilli(int64(binary.BigEndian.Uint64(header[:8])))
			if !appended.Before(olderThan) {
				return false
			}
		}
		if setErr = b.Delete(k, nil); setErr != nil {
			return false
		}
		removed++
		return true
	})
	if err == nil {
		err = setErr
	}
	if err != nil {
		return 0, errors.Annotatef(err, "trimming partition %d", p)
	}
	if removed == 0 {
		return 0, nil
	}
	if err := l.db.CommitBatch(ctx, b); err != nil {
		return 0, errors.Trace(err)
	}
	if err := l.db.CompactRange(prefix, end); err != nil {
		return removed, errors.Annotatef(err, "compacting partition %d", p)
	}
	return removed, nil
}
