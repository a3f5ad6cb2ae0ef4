// Package selector picks which stored credential serves a proxied request.
//
// Resolution walks the bot's routing tags in their declared order, then the
// vendor's untagged default keys, then any key the vendor has at all. The
// first non-empty pool wins and is rotated round-robin so sibling keys share
// load. Rotation counters live in memory only: a restart starts every pool
// from its first key again, which is acceptable for load spreading and keeps
// the hot path free of writes.
package selector

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/openclaw/botmaker/internal/keyring/store"
)

// ErrNoKey is returned when the vendor has no stored credential reachable
// from the bot's tags.
var ErrNoKey = errors.New("no key available")

// KeySource is the slice of the store the selector reads. Pools must come
// back in stable insertion order or rotation degenerates.
type KeySource interface {
	KeysByVendorAndTag(ctx context.Context, vendor, tag string) ([]*store.Key, error)
	DefaultKeysForVendor(ctx context.Context, vendor string) ([]*store.Key, error)
	KeysByVendor(ctx context.Context, vendor string) ([]*store.Key, error)
	DecryptSecret(key *store.Key) (string, error)
}

// Selection is one resolved credential. Secret is plaintext; callers use it
// for the outgoing request and drop it.
type Selection struct {
	KeyID  string
	Secret string
}

// Selector rotates credential pools per (vendor, tag) bucket.
type Selector struct {
	source KeySource

	mu sync.Mutex
	// counters index the next pick per bucket. A pool growing or shrinking
	// does not reset its counter; the modulo simply moves to the new size.
	counters map[string]uint64
}

// New creates a Selector reading from source.
func New(source KeySource) *Selector {
	return &Selector{
		source:   source,
		counters: make(map[string]uint64),
	}
}

// Pick resolves a credential for vendor on behalf of a bot with the given
// ordered tag preferences. botTags may be nil.
func (s *Selector) Pick(ctx context.Context, vendor string, botTags []string) (*Selection, error) {
	for _, tag := range botTags {
		keys, err := s.source.KeysByVendorAndTag(ctx, vendor, tag)
		if err != nil {
			return nil, err
		}
		if len(keys) > 0 {
			return s.rotate(vendor+":"+tag, keys)
		}
	}

	keys, err := s.source.DefaultKeysForVendor(ctx, vendor)
	if err != nil {
		return nil, err
	}
	if len(keys) > 0 {
		return s.rotate(vendor+":default", keys)
	}

	keys, err = s.source.KeysByVendor(ctx, vendor)
	if err != nil {
		return nil, err
	}
	if len(keys) > 0 {
		return s.rotate(vendor, keys)
	}

	return nil, fmt.Errorf("vendor %s: %w", vendor, ErrNoKey)
}

func (s *Selector) rotate(bucket string, keys []*store.Key) (*Selection, error) {
	s.mu.Lock()
	n := s.counters[bucket]
	s.counters[bucket] = n + 1
	s.mu.Unlock()

	key := keys[n%uint64(len(keys))]
	secret, err := s.source.DecryptSecret(key)
	if err != nil {
		return nil, err
	}
	return &Selection{KeyID: key.ID, Secret: secret}, nil
}
