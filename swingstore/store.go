// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package swingstore

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"

	"github.com/ava-labs/avalanchego/database"
	"github.com/ava-labs/avalanchego/database/prefixdb"
	"github.com/ava-labs/avalanchego/database/versiondb"
	"github.com/ava-labs/avalanchego/ids"
	"github.com/ava-labs/avalanchego/utils/hashing"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// These are prefixes for db keys.
	// Each sub-store lives under its own prefix of the same versioned database.
	kvPrefix         = []byte("kv")
	streamPrefix     = []byte("stream")
	streamMetaPrefix = []byte("streamMeta")
	snapshotPrefix   = []byte("snapshot")
	bundlePrefix     = []byte("bundle")
	metaPrefix       = []byte("meta")

	activityHashKey = []byte("activityhash")

	ErrStreamBusy      = errors.New("stream busy")
	ErrInvalidPosition = errors.New("invalid stream position")

	errCrankInProgress = errors.New("crank already in progress")
	errNoCrank         = errors.New("no crank in progress")
	errSavepointOpen   = errors.New("savepoint already open")
	errNoSavepoint     = errors.New("no savepoint open")
)

// Config tunes the store.
type Config struct {
	BundleCacheSize int
	Registerer      prometheus.Registerer
}

// layer is one level of staged writes, together with the hash input of the
// KV changes it holds.
type layer struct {
	db      *versiondb.Database
	changes hash.Hash
}

// Store is the kernel's durable substrate. Writes are staged in a crank
// layer (with an optional delivery savepoint above it), merged into a block
// layer at the end of each crank, and written to the base database only on
// Commit.
type Store struct {
	baseDB  database.Database
	blockDB *versiondb.Database

	// layers[0] is the crank, layers[1] the savepoint.
	layers []*layer

	activityHash ids.ID
	busy         map[string]bool

	kv        *KVStore
	streams   *StreamStore
	snapshots *SnapStore
	bundles   *BundleStore
}

// New opens a store over [db].
func New(db database.Database, config Config) (*Store, error) {
	s := &Store{
		baseDB:  db,
		blockDB: versiondb.New(db),
		busy:    make(map[string]bool),
	}
	s.kv = &KVStore{s: s}
	s.streams = &StreamStore{s: s}
	s.snapshots = &SnapStore{s: s}

	bundles, err := newBundleStore(s, config)
	if err != nil {
		return nil, err
	}
	s.bundles = bundles

	activity, err := s.sub(metaPrefix).Get(activityHashKey)
	switch {
	case err == database.ErrNotFound:
	case err != nil:
		return nil, fmt.Errorf("failed to load activity hash: %w", err)
	default:
		copy(s.activityHash[:], activity)
	}
	return s, nil
}

func (s *Store) KV() *KVStore          { return s.kv }
func (s *Store) Streams() *StreamStore { return s.streams }
func (s *Store) Snapshots() *SnapStore { return s.snapshots }
func (s *Store) Bundles() *BundleStore { return s.bundles }
func (s *Store) ActivityHash() ids.ID  { return s.activityHash }
func (s *Store) InCrank() bool         { return len(s.layers) > 0 }

func (s *Store) top() database.Database {
	if len(s.layers) == 0 {
		return s.blockDB
	}
	return s.layers[len(s.layers)-1].db
}

func (s *Store) sub(prefix []byte) database.Database {
	return prefixdb.New(prefix, s.top())
}

func (s *Store) recordChange(op byte, key string, value []byte) {
	if len(s.layers) == 0 {
		return
	}
	h := s.layers[len(s.layers)-1].changes
	_, _ = h.Write([]byte{op})
	_, _ = h.Write([]byte(key))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(value)
	_, _ = h.Write([]byte{0})
}

func (s *Store) pushLayer() {
	s.layers = append(s.layers, &layer{
		db:      versiondb.New(s.top()),
		changes: sha256.New(),
	})
}

// StartCrank opens a new crank layer.
func (s *Store) StartCrank() error {
	if len(s.layers) != 0 {
		return errCrankInProgress
	}
	s.pushLayer()
	return nil
}

// Savepoint opens a delivery layer above the crank layer.
func (s *Store) Savepoint() error {
	switch len(s.layers) {
	case 0:
		return errNoCrank
	case 1:
		s.pushLayer()
		return nil
	default:
		return errSavepointOpen
	}
}

// ReleaseSavepoint merges the delivery layer into the crank layer.
func (s *Store) ReleaseSavepoint() error {
	if len(s.layers) != 2 {
		return errNoSavepoint
	}
	sp := s.layers[1]
	if err := sp.db.Commit(); err != nil {
		return fmt.Errorf("failed to release savepoint: %w", err)
	}
	_, _ = s.layers[0].changes.Write(sp.changes.Sum(nil))
	s.layers = s.layers[:1]
	return nil
}

// RollbackToSavepoint discards everything written since Savepoint.
func (s *Store) RollbackToSavepoint() error {
	if len(s.layers) != 2 {
		return errNoSavepoint
	}
	s.layers[1].db.Abort()
	s.layers = s.layers[:1]
	return nil
}

// RollbackCrank discards everything written since StartCrank.
func (s *Store) RollbackCrank() error {
	if len(s.layers) == 0 {
		return errNoCrank
	}
	for i := len(s.layers) - 1; i >= 0; i-- {
		s.layers[i].db.Abort()
	}
	s.layers = nil
	return nil
}

// EndCrank merges the crank into the block layer and returns the crank
// hash. The activity hash chains every crank hash.
func (s *Store) EndCrank() (ids.ID, error) {
	if len(s.layers) == 0 {
		return ids.Empty, errNoCrank
	}
	if len(s.layers) == 2 {
		if err := s.ReleaseSavepoint(); err != nil {
			return ids.Empty, err
		}
	}
	crank := s.layers[0]
	if err := crank.db.Commit(); err != nil {
		return ids.Empty, fmt.Errorf("failed to commit crank: %w", err)
	}
	s.layers = nil

	var crankHash ids.ID
	copy(crankHash[:], crank.changes.Sum(nil))
	s.activityHash = hashing.ComputeHash256Array(append(s.activityHash[:], crankHash[:]...))
	if err := s.sub(metaPrefix).Put(activityHashKey, s.activityHash[:]); err != nil {
		return ids.Empty, fmt.Errorf("failed to record activity hash: %w", err)
	}
	return crankHash, nil
}

// Commit writes the block layer to the base database.
func (s *Store) Commit() error {
	if len(s.layers) != 0 {
		return errCrankInProgress
	}
	return s.blockDB.Commit()
}

// Abort drops every write since the last Commit.
func (s *Store) Abort() {
	for i := len(s.layers) - 1; i >= 0; i-- {
		s.layers[i].db.Abort()
	}
	s.layers = nil
	s.blockDB.Abort()
	s.busy = make(map[string]bool)

	activity, err := prefixdb.New(metaPrefix, s.blockDB).Get(activityHashKey)
	if err == nil {
		copy(s.activityHash[:], activity)
	} else {
		s.activityHash = ids.Empty
	}
}

// Close aborts uncommitted writes and closes the base database.
func (s *Store) Close() error {
	var errs *multierror.Error
	if len(s.layers) != 0 {
		errs = multierror.Append(errs, errCrankInProgress)
	}
	s.Abort()
	if err := s.blockDB.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := s.baseDB.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}
