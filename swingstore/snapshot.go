// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package swingstore

import (
	"errors"
	"fmt"

	"github.com/ava-labs/avalanchego/database"
	"github.com/ava-labs/avalanchego/ids"
	"github.com/ava-labs/avalanchego/utils/hashing"
)

var (
	snapshotInfoPrefix = []byte("info/")
	snapshotBlobPrefix = []byte("blob/")

	errSnapshotCorrupt = errors.New("snapshot hash mismatch")
)

// SnapshotInfo describes the latest heap snapshot of a vat. Replay resumes
// from transcript position [Position].
type SnapshotInfo struct {
	VatID       string `serialize:"true" json:"vatID"`
	Incarnation uint64 `serialize:"true" json:"incarnation"`
	Position    uint64 `serialize:"true" json:"position"`
	Hash        ids.ID `serialize:"true" json:"hash"`
	Size        uint64 `serialize:"true" json:"size"`
}

// SnapStore keeps the latest snapshot of each vat.
type SnapStore struct {
	s *Store
}

func (ss *SnapStore) key(prefix []byte, vatID string) []byte {
	return append(append([]byte{}, prefix...), vatID...)
}

// Save replaces the vat's snapshot.
func (ss *SnapStore) Save(vatID string, incarnation, pos uint64, blob []byte) (SnapshotInfo, error) {
	info := SnapshotInfo{
		VatID:       vatID,
		Incarnation: incarnation,
		Position:    pos,
		Hash:        hashing.ComputeHash256Array(blob),
		Size:        uint64(len(blob)),
	}
	infoBytes, err := Codec.Marshal(CodecVersion, &info)
	if err != nil {
		return SnapshotInfo{}, fmt.Errorf("failed to marshal snapshot info: %w", err)
	}
	db := ss.s.sub(snapshotPrefix)
	if err := db.Put(ss.key(snapshotBlobPrefix, vatID), blob); err != nil {
		return SnapshotInfo{}, fmt.Errorf("failed to save snapshot of %s: %w", vatID, err)
	}
	if err := db.Put(ss.key(snapshotInfoPrefix, vatID), infoBytes); err != nil {
		return SnapshotInfo{}, fmt.Errorf("failed to save snapshot info of %s: %w", vatID, err)
	}
	return info, nil
}

// Info returns the metadata of the vat's snapshot, if any.
func (ss *SnapStore) Info(vatID string) (SnapshotInfo, bool, error) {
	infoBytes, err := ss.s.sub(snapshotPrefix).Get(ss.key(snapshotInfoPrefix, vatID))
	switch {
	case err == database.ErrNotFound:
		return SnapshotInfo{}, false, nil
	case err != nil:
		return SnapshotInfo{}, false, fmt.Errorf("failed to read snapshot info of %s: %w", vatID, err)
	}
	var info SnapshotInfo
	if _, err := Codec.Unmarshal(infoBytes, &info); err != nil {
		return SnapshotInfo{}, false, fmt.Errorf("failed to parse snapshot info of %s: %w", vatID, err)
	}
	return info, true, nil
}

// Load returns the vat's snapshot, verifying its hash.
func (ss *SnapStore) Load(vatID string) (SnapshotInfo, []byte, bool, error) {
	info, ok, err := ss.Info(vatID)
	if err != nil || !ok {
		return info, nil, ok, err
	}
	blob, err := ss.s.sub(snapshotPrefix).Get(ss.key(snapshotBlobPrefix, vatID))
	if err != nil {
		return info, nil, false, fmt.Errorf("failed to read snapshot of %s: %w", vatID, err)
	}
	if hashing.ComputeHash256Array(blob) != info.Hash {
		return info, nil, false, fmt.Errorf("%w: %s", errSnapshotCorrupt, vatID)
	}
	return info, blob, true, nil
}

// Delete removes the vat's snapshot.
func (ss *SnapStore) Delete(vatID string) error {
	db := ss.s.sub(snapshotPrefix)
	if err := db.Delete(ss.key(snapshotBlobPrefix, vatID)); err != nil {
		return err
	}
	return db.Delete(ss.key(snapshotInfoPrefix, vatID))
}
