package cache

import "time"

// Entry is the stored representation of one cached value.
type Entry struct {
	Value     []byte
	CreatedAt time.Time
	TTL       time.Duration // 0 = no expiry
	Tags      []string
}

// Expired reports whether the entry has outlived its TTL at the given
// instant. Entries with a zero TTL never expire.
func (e *Entry) Expired(now time.Time) bool {
	if e.TTL <= 0 {
		return false
	}
	return now.Sub(e.CreatedAt) >= e.TTL
}

// Options carries the per-call knobs for Set. Absent values fall back to
// layer-level defaults.
type Options struct {
	// TTL is the entry lifetime. Zero means "use the layer default"; a
	// negative value forces no expiry.
	TTL time.Duration

	// Tags registers the entry under each named tag for bulk invalidation.
	Tags []string
}

// NoExpiry is the Options.TTL value that pins an entry past any layer
// default.
const NoExpiry = time.Duration(-1)

// effectiveTTL resolves the per-call TTL against a layer default.
func (o Options) effectiveTTL(def time.Duration) time.Duration {
	switch {
	case o.TTL == NoExpiry:
		return 0
	case o.TTL > 0:
		return o.TTL
	default:
		return def
	}
}
