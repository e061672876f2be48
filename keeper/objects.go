// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package keeper

import (
	"fmt"

	"github.com/ava-labs/avalanchego/utils/wrappers"

	"github.com/ava-labs/vatkernel/vat"
)

const koNextIDKey = "ko.nextID"

// RefCount is the pair of counts kept for every kernel object. Reachable
// never exceeds Recognizable.
type RefCount struct {
	Reachable    uint64 `json:"reachable"`
	Recognizable uint64 `json:"recognizable"`
}

func packRefCount(rc RefCount) []byte {
	p := wrappers.Packer{Bytes: make([]byte, 2*wrappers.LongLen)}
	p.PackLong(rc.Reachable)
	p.PackLong(rc.Recognizable)
	return p.Bytes
}

func unpackRefCount(b []byte) (RefCount, error) {
	p := wrappers.Packer{Bytes: b}
	rc := RefCount{
		Reachable:    p.UnpackLong(),
		Recognizable: p.UnpackLong(),
	}
	return rc, p.Err
}

// AddKernelObject creates a new kernel object owned by [owner].
func (k *Keeper) AddKernelObject(owner string) (string, error) {
	n, err := k.allocate(koNextIDKey, 1)
	if err != nil {
		return "", err
	}
	kref := kernelRef(vat.KernelObjectPrefix, n)
	if err := k.kv.SetString(kref+".owner", owner); err != nil {
		return "", err
	}
	if err := k.kv.Set(kref+".refCount", packRefCount(RefCount{})); err != nil {
		return "", err
	}
	return kref, nil
}

// ObjectExists reports whether [kref] is a live (not retired) kernel object.
func (k *Keeper) ObjectExists(kref string) (bool, error) {
	return k.kv.Has(kref + ".refCount")
}

// ObjectOwner returns the owning vat of [kref], or "" if it was orphaned.
func (k *Keeper) ObjectOwner(kref string) (string, error) {
	if ok, err := k.ObjectExists(kref); err != nil {
		return "", err
	} else if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownObject, kref)
	}
	owner, _, err := k.kv.GetString(kref + ".owner")
	return owner, err
}

// OrphanObject forgets the owner of [kref].
func (k *Keeper) OrphanObject(kref string) error {
	if err := k.kv.Delete(kref + ".owner"); err != nil {
		return err
	}
	k.maybeFree.Add(kref)
	return nil
}

// GetObjectRefCount returns the counts of [kref].
func (k *Keeper) GetObjectRefCount(kref string) (RefCount, error) {
	b, ok, err := k.kv.Get(kref + ".refCount")
	if err != nil {
		return RefCount{}, err
	}
	if !ok {
		return RefCount{}, fmt.Errorf("%w: %s", ErrUnknownObject, kref)
	}
	return unpackRefCount(b)
}

func (k *Keeper) setObjectRefCount(kref string, rc RefCount) error {
	if rc.Reachable > rc.Recognizable {
		return fmt.Errorf("%w: %s reachable %d > recognizable %d", ErrRefCountUnderflow, kref, rc.Reachable, rc.Recognizable)
	}
	return k.kv.Set(kref+".refCount", packRefCount(rc))
}

// DeleteKernelObject retires [kref]. The ID is never reused.
func (k *Keeper) DeleteKernelObject(kref string) error {
	if err := k.kv.Delete(kref + ".owner"); err != nil {
		return err
	}
	return k.kv.Delete(kref + ".refCount")
}

// IncrementRefCount adds one reference to [kref]. For objects, an
// onlyRecognizable reference bumps just the recognizable axis. Device refs
// are not counted.
func (k *Keeper) IncrementRefCount(kref string, onlyRecognizable bool) error {
	switch {
	case vat.IsKernelObject(kref):
		rc, err := k.GetObjectRefCount(kref)
		if err != nil {
			return err
		}
		if !onlyRecognizable {
			rc.Reachable++
		}
		rc.Recognizable++
		return k.setObjectRefCount(kref, rc)
	case vat.IsKernelPromise(kref):
		n, err := k.promiseRefCount(kref)
		if err != nil {
			return err
		}
		return k.kv.SetUint64(kref+".refCount", n+1)
	}
	return nil
}

// DecrementRefCount removes one reference from [kref] and marks it for
// end-of-crank processing.
func (k *Keeper) DecrementRefCount(kref string, onlyRecognizable bool) error {
	switch {
	case vat.IsKernelObject(kref):
		rc, err := k.GetObjectRefCount(kref)
		if err != nil {
			return err
		}
		if rc.Recognizable == 0 || (!onlyRecognizable && rc.Reachable == 0) {
			return fmt.Errorf("%w: %s", ErrRefCountUnderflow, kref)
		}
		if !onlyRecognizable {
			rc.Reachable--
		}
		rc.Recognizable--
		if err := k.setObjectRefCount(kref, rc); err != nil {
			return err
		}
	case vat.IsKernelPromise(kref):
		n, err := k.promiseRefCount(kref)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", ErrRefCountUnderflow, kref)
		}
		if err := k.kv.SetUint64(kref+".refCount", n-1); err != nil {
			return err
		}
	default:
		return nil
	}
	k.maybeFree.Add(kref)
	return nil
}

// adjustReachable moves only the reachable axis, used when an existing
// c-list entry gains or loses its reachable flag.
func (k *Keeper) adjustReachable(kref string, delta int) error {
	rc, err := k.GetObjectRefCount(kref)
	if err != nil {
		return err
	}
	switch {
	case delta > 0:
		rc.Reachable++
	case rc.Reachable == 0:
		return fmt.Errorf("%w: %s", ErrRefCountUnderflow, kref)
	default:
		rc.Reachable--
		k.maybeFree.Add(kref)
	}
	return k.setObjectRefCount(kref, rc)
}

// IncrementSlots adds a reference for every kref in [slots].
func (k *Keeper) IncrementSlots(slots []string) error {
	for _, kref := range slots {
		if err := k.IncrementRefCount(kref, false); err != nil {
			return err
		}
	}
	return nil
}

// DecrementSlots removes a reference for every kref in [slots].
func (k *Keeper) DecrementSlots(slots []string) error {
	for _, kref := range slots {
		if err := k.DecrementRefCount(kref, false); err != nil {
			return err
		}
	}
	return nil
}
