package propagate

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/fairyhunter13/product-catalog-service/internal/kv"
)

const (
	// ErrLeaseHeld is returned when another owner holds an unexpired lease.
	ErrLeaseHeld = errors.ConstError("partition lease held by another owner")
	// ErrFenced is returned when a write carries a fencing token that is no
	// longer current.
	ErrFenced = errors.ConstError("fencing token superseded")
)

var leasePrefix = []byte("lease/")

func keyLease(part int) []byte {
	k := append([]byte(nil), leasePrefix...)
	return binary.BigEndian.AppendUint32(k, uint32(part))
}

// Lease grants exclusive processing of one partition.
type Lease struct {
	Partition int       `json:"partition"`
	Owner     string    `json:"owner"`
	Token     uint64    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Leases issues partition leases with fencing tokens. The token increases
// whenever ownership changes hands or an expired lease is taken again.
type Leases struct {
	mu    sync.Mutex
	db    *kv.DB
	clock clock.Clock
}

func NewLeases(db *kv.DB, clk clock.Clock) *Leases {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Leases{db: db, clock: clk}
}

func (l *Leases) load(part int) (Lease, bool, error) {
	b, err := l.db.Get(keyLease(part))
	if errors.Is(err, kv.ErrNotFound) {
		return Lease{}, false, nil
	}
	if err != nil {
		return Lease{}, false, errors.Annotatef(err, "reading lease of partition %d", part)
	}
	var ls Lease
	if err := json.Unmarshal(b, &ls); err != nil {
		return Lease{}, false, errors.Annotatef(err, "decoding lease of partition %d", part)
	}
	return ls, true, nil
}

func (l *Leases) store(ls Lease) error {
	b, err := json.Marshal(ls)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(l.db.Set(keyLease(ls.Partition), b))
}

// Acquire takes or renews the lease of part for owner.
func (l *Leases) Acquire(part int, owner string, ttl time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	cur, found, err := l.load(part)
	if err != nil {
		return Lease{}, err
	}
	live := found && now.Before(cur.ExpiresAt)
	next := Lease{Partition: part, Owner: owner, ExpiresAt: now.Add(ttl)}
	switch {
	case live && cur.Owner != owner:
		return Lease{}, errors.Annotatef(ErrLeaseHeld, "partition %d held by %q until %s",
			part, cur.Owner, cur.ExpiresAt.Format(time.RFC3339Nano))
	case live:
		next.Token = cur.Token
	default:
		next.Token = cur.Token + 1
	}
	if err := l.store(next); err != nil {
		return Lease{}, err
	}
	return next, nil
}

// Renew extends a held lease. It fails with ErrFenced when the lease expired
// or changed hands.
func (l *Leases) Renew(part int, owner string, token uint64, ttl time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, err := l.validate(part, owner, token)
	if err != nil {
		return Lease{}, err
	}
	cur.ExpiresAt = l.clock.Now().Add(ttl)
	if err := l.store(cur); err != nil {
		return Lease{}, err
	}
	return cur, nil
}

// Release gives up a held lease. Releasing a lease that is no longer held is
// not an error.
func (l *Leases) Release(part int, owner string, token uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, found, err := l.load(part)
	if err != nil || !found || cur.Owner != owner || cur.Token != token {
		return err
	}
	cur.ExpiresAt = time.Time{}
	return l.store(cur)
}

// Get returns the stored lease of a partition.
func (l *Leases) Get(part int) (Lease, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load(part)
}

func (l *Leases) validate(part int, owner string, token uint64) (Lease, error) {
	cur, found, err := l.load(part)
	if err != nil {
		return Lease{}, err
	}
	switch {
	case !found:
		return Lease{}, errors.Annotatef(ErrFenced, "partition %d has no lease", part)
	case cur.Owner != owner || cur.Token != token:
		return Lease{}, errors.Annotatef(ErrFenced, "partition %d token %d, now %d held by %q",
			part, token, cur.Token, cur.Owner)
	case !l.clock.Now().Before(cur.ExpiresAt):
		return Lease{}, errors.Annotatef(ErrFenced, "partition %d lease expired", part)
	}
	return cur, nil
}

// CommitFenced commits b only if owner still holds part with token.
func (l *Leases) CommitFenced(ctx context.Context, part int, owner string, token uint64, b *pebble.Batch) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.validate(part, owner, token); err != nil {
		return err
	}
	return errors.Annotatef(l.db.CommitBatch(ctx, b), "committing partition %d", part)
}
