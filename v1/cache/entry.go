package cache

import (
	"time"

	keeperrors "github.com/mirkobrombin/go-keep/v1/errors"
)

// Entry is a resident value and its absolute expiry instant.
//
// The zero ExpiresAt means the entry never expires.
type Entry struct {
	Value     []byte
	ExpiresAt time.Time
}

// Expired reports whether now is strictly after the entry's expiry.
func (e Entry) Expired(now time.Time) bool {
	if e.ExpiresAt.IsZero() {
		return false
	}
	return now.After(e.ExpiresAt)
}

// Footprint is the accounted cost of key and value.
func Footprint(key string, value []byte) int64 {
	return int64(len(key) + len(value))
}

// Status discriminates the outcome of a Get.
type Status int

const (
	// NotFound means the key was never set or has already been removed.
	NotFound Status = iota
	// Found means the key is resident and live.
	Found
	// Expired means the key was resident but lapsed; it has been removed.
	Expired
)

func (s Status) String() string {
	switch s {
	case Found:
		return "found"
	case Expired:
		return "expired"
	default:
		return "not-found"
	}
}

// Result is the tri-state answer of Get. Value is a private copy and only
// set when Status is Found.
type Result struct {
	Status Status
	Value  []byte
}

// Err maps the result to nil, ErrKeyExpired or ErrKeyNotFound.
func (r Result) Err() error {
	switch r.Status {
	case Found:
		return nil
	case Expired:
		return keeperrors.ErrKeyExpired
	default:
		return keeperrors.ErrKeyNotFound
	}
}

// Item is a key with a copy of its entry, used for snapshots.
type Item struct {
	Key string
	Entry
}
