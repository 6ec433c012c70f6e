package routing

import (
	"time"

	"github.com/vaultrelay/vaultrelay-go/contracts"
)

const (
	defaultDedupMaxSize = 10000
	defaultDedupTTL     = 2 * time.Hour
)

// Deduplicator tracks recently seen message ids so the router can drop
// replays. Entries expire after a TTL, swept lazily on every lookup, and
// the cache is bounded: marking an id while full evicts the single
// oldest entry by last-seen timestamp.
//
// The router is the sole writer within its process, so no locking is
// needed here.
type Deduplicator struct {
	maxSize int
	ttl     time.Duration
	seen    map[string]time.Time
	now     func() time.Time
}

// DedupOption configures the Deduplicator.
type DedupOption func(*Deduplicator)

// WithDedupMaxSize bounds the cache size.
func WithDedupMaxSize(n int) DedupOption {
	return func(d *Deduplicator) {
		d.maxSize = n
	}
}

// WithDedupTTL sets how long an id stays remembered.
func WithDedupTTL(ttl time.Duration) DedupOption {
	return func(d *Deduplicator) {
		d.ttl = ttl
	}
}

// WithDedupClock overrides the time source.
func WithDedupClock(now func() time.Time) DedupOption {
	return func(d *Deduplicator) {
		d.now = now
	}
}

// NewDeduplicator creates a deduplicator with a 10000-entry, 2-hour
// cache by default.
func NewDeduplicator(options ...DedupOption) *Deduplicator {
	d := &Deduplicator{
		maxSize: defaultDedupMaxSize,
		ttl:     defaultDedupTTL,
		seen:    make(map[string]time.Time),
		now:     time.Now,
	}

	for _, opt := range options {
		opt(d)
	}

	return d
}

// IsDuplicate reports whether the message id has been seen within the
// TTL window. Expired entries are swept first.
func (d *Deduplicator) IsDuplicate(msg *contracts.Message) bool {
	d.evictExpired()
	_, ok := d.seen[msg.ID]
	return ok
}

// MarkSeen records the message id with the current timestamp. Marking an
// already-seen id refreshes its timestamp. If the cache then exceeds its
// bound, the oldest entry is evicted.
func (d *Deduplicator) MarkSeen(msg *contracts.Message) {
	d.evictExpired()
	d.seen[msg.ID] = d.now()

	if len(d.seen) > d.maxSize {
		var oldestID string
		var oldestAt time.Time
		for id, at := range d.seen {
			if oldestID == "" || at.Before(oldestAt) {
				oldestID = id
				oldestAt = at
			}
		}
		delete(d.seen, oldestID)
	}
}

// Size returns the number of remembered ids.
func (d *Deduplicator) Size() int {
	return len(d.seen)
}

func (d *Deduplicator) evictExpired() {
	cutoff := d.now().Add(-d.ttl)
	for id, at := range d.seen {
		if at.Before(cutoff) {
			delete(d.seen, id)
		}
	}
}
