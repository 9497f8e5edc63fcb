package cache

import (
	"math"
	"time"

	"github.com/tidwall/btree"
)

// Policy chooses eviction victims. Implementations are driven by the Store
// from inside its critical section and need no locking of their own.
//
// Victim must be deterministic for a given history of calls.
type Policy interface {
	// Inserted records a new key.
	Inserted(key string, expiresAt time.Time)
	// Updated records an overwrite of an existing key.
	Updated(key string, expiresAt time.Time)
	// Accessed records a successful read.
	Accessed(key string)
	// Removed forgets the key, whatever the reason of removal.
	Removed(key string)
	// Victim returns the key to evict next without forgetting it.
	Victim() (string, bool)
	// Len returns the number of tracked keys.
	Len() int
}

type expiryKey struct {
	at  int64
	seq uint64
	key string
}

func expiryLess(a, b expiryKey) bool {
	if a.at != b.at {
		return a.at < b.at
	}
	if a.seq != b.seq {
		return a.seq < b.seq
	}
	return a.key < b.key
}

// ExpiryPolicy evicts the entry with the earliest expiry first. Entries
// without expiry rank after every expiring entry; ties go to the older
// insertion.
type ExpiryPolicy struct {
	tree *btree.BTreeG[expiryKey]
	keys map[string]expiryKey
	seq  uint64
}

// NewExpiryPolicy returns an empty ExpiryPolicy.
func NewExpiryPolicy() *ExpiryPolicy {
	return &ExpiryPolicy{
		tree: btree.NewBTreeGOptions(expiryLess, btree.Options{NoLocks: true}),
		keys: make(map[string]expiryKey),
	}
}

func expiryRank(t time.Time) int64 {
	if t.IsZero() {
		return math.MaxInt64
	}
	return ClampExpiry(t).UnixNano()
}

// Inserted implements Policy.Inserted.
func (p *ExpiryPolicy) Inserted(key string, expiresAt time.Time) {
	p.Removed(key)
	p.seq++
	k := expiryKey{at: expiryRank(expiresAt), seq: p.seq, key: key}
	p.keys[key] = k
	p.tree.Set(k)
}

// Updated implements Policy.Updated. The new expiry re-ranks the key.
func (p *ExpiryPolicy) Updated(key string, expiresAt time.Time) {
	p.Inserted(key, expiresAt)
}

// Accessed implements Policy.Accessed. Reads do not change expiry order.
func (p *ExpiryPolicy) Accessed(string) {}

// Removed implements Policy.Removed.
func (p *ExpiryPolicy) Removed(key string) {
	if k, ok := p.keys[key]; ok {
		p.tree.Delete(k)
		delete(p.keys, key)
	}
}

// Victim implements Policy.Victim.
func (p *ExpiryPolicy) Victim() (string, bool) {
	k, ok := p.tree.Min()
	if !ok {
		return "", false
	}
	return k.key, true
}

// Len implements Policy.Len.
func (p *ExpiryPolicy) Len() int { return p.tree.Len() }

var _ Policy = (*ExpiryPolicy)(nil)
