// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package swingstore

import (
	"errors"
	"fmt"

	"github.com/ava-labs/avalanchego/cache"
	"github.com/ava-labs/avalanchego/cache/metercacher"
	"github.com/ava-labs/avalanchego/database"
	"github.com/ava-labs/avalanchego/ids"
	"github.com/ava-labs/avalanchego/utils/hashing"
	"github.com/prometheus/client_golang/prometheus"
)

const defaultBundleCacheSize = 64

var ErrUnknownBundle = errors.New("unknown bundle")

// BundleStore is a content-addressed table of vat sources.
type BundleStore struct {
	s     *Store
	cache cache.Cacher
}

func newBundleStore(s *Store, config Config) (*BundleStore, error) {
	size := config.BundleCacheSize
	if size <= 0 {
		size = defaultBundleCacheSize
	}
	registerer := config.Registerer
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}
	c, err := metercacher.New(
		"bundle_cache",
		registerer,
		&cache.LRU{Size: size},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create bundle cache: %w", err)
	}
	return &BundleStore{s: s, cache: c}, nil
}

// BundleID is the identifier Add would assign to [bundle].
func BundleID(bundle []byte) ids.ID {
	return hashing.ComputeHash256Array(bundle)
}

// Add stores [bundle] and returns its content hash.
func (bs *BundleStore) Add(bundle []byte) (ids.ID, error) {
	id := BundleID(bundle)
	if err := bs.s.sub(bundlePrefix).Put(id[:], bundle); err != nil {
		return ids.Empty, fmt.Errorf("failed to store bundle %s: %w", id, err)
	}
	return id, nil
}

// Has reports whether the bundle is stored.
func (bs *BundleStore) Has(id ids.ID) (bool, error) {
	return bs.s.sub(bundlePrefix).Has(id[:])
}

// Get returns the bundle with content hash [id].
func (bs *BundleStore) Get(id ids.ID) ([]byte, error) {
	if cached, ok := bs.cache.Get(id); ok {
		return cached.([]byte), nil
	}
	bundle, err := bs.s.sub(bundlePrefix).Get(id[:])
	switch {
	case err == database.ErrNotFound:
		return nil, fmt.Errorf("%w: %s", ErrUnknownBundle, id)
	case err != nil:
		return nil, fmt.Errorf("failed to read bundle %s: %w", id, err)
	}
	bs.cache.Put(id, bundle)
	return bundle, nil
}
