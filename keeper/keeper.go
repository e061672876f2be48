// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package keeper owns the kernel's durable tables: vat records, c-lists,
// kernel objects and promises, device state and the run queue. Every method
// reads and writes through the crank layer of the swingstore, so a crank
// either lands as a whole or not at all.
package keeper

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/emirpasic/gods/sets/treeset"
	log "github.com/inconshreveable/log15"

	"github.com/ava-labs/vatkernel/swingstore"
	"github.com/ava-labs/vatkernel/vat"
)

const (
	initializedKey = "initialized"
	crankNumberKey = "crankNumber"
)

var (
	ErrUnknownObject     = errors.New("unknown object")
	ErrUnknownPromise    = errors.New("unknown promise")
	ErrUnknownDevice     = errors.New("unknown device")
	ErrUnknownVat        = errors.New("unknown vat")
	ErrAlreadySettled    = errors.New("promise already settled")
	ErrRefCountUnderflow = errors.New("reference count underflow")
	ErrIllegalReference  = errors.New("illegal reference")
)

// Keeper is the Reference Table and everything else the kernel persists.
type Keeper struct {
	kv  *swingstore.KVStore
	log log.Logger

	// maybeFree collects krefs whose counts dropped during the current crank.
	maybeFree *treeset.Set
}

// New returns a keeper over the store's KV table.
func New(kv *swingstore.KVStore) *Keeper {
	return &Keeper{
		kv:        kv,
		log:       log.New("module", "keeper"),
		maybeFree: newKrefSet(),
	}
}

func newKrefSet() *treeset.Set {
	return treeset.NewWith(func(a, b interface{}) int {
		return vat.CompareKernelRefs(a.(string), b.(string))
	})
}

// IsInitialized reports whether genesis has been written.
func (k *Keeper) IsInitialized() (bool, error) {
	return k.kv.Has(initializedKey)
}

// SetInitialized records that genesis has been written.
func (k *Keeper) SetInitialized() error {
	return k.kv.Set(initializedKey, []byte{1})
}

// CrankNumber returns the number of completed cranks.
func (k *Keeper) CrankNumber() (uint64, error) {
	return k.kv.GetUint64(crankNumberKey, 0)
}

// IncrementCrankNumber advances the crank counter.
func (k *Keeper) IncrementCrankNumber() (uint64, error) {
	n, err := k.CrankNumber()
	if err != nil {
		return 0, err
	}
	return n + 1, k.kv.SetUint64(crankNumberKey, n+1)
}

// PurgeMaybeFree forgets pending refcount work, used when a crank is rolled
// back.
func (k *Keeper) PurgeMaybeFree() {
	k.maybeFree.Clear()
}

func (k *Keeper) getRecord(key string, dst interface{}) (bool, error) {
	b, ok, err := k.kv.Get(key)
	if err != nil || !ok {
		return ok, err
	}
	if _, err := vat.Codec.Unmarshal(b, dst); err != nil {
		return false, fmt.Errorf("failed to parse %q: %w", key, err)
	}
	return true, nil
}

func (k *Keeper) putRecord(key string, src interface{}) error {
	b, err := vat.Codec.Marshal(vat.CodecVersion, src)
	if err != nil {
		return fmt.Errorf("failed to marshal %q: %w", key, err)
	}
	return k.kv.Set(key, b)
}

// allocate returns the next value of a counter, starting at [first].
func (k *Keeper) allocate(counterKey string, first uint64) (uint64, error) {
	n, err := k.kv.GetUint64(counterKey, first)
	if err != nil {
		return 0, err
	}
	return n, k.kv.SetUint64(counterKey, n+1)
}

func kernelRef(prefix string, id uint64) string {
	return prefix + strconv.FormatUint(id, 10)
}

// Dump returns every KV pair, for tests and diagnostics.
func (k *Keeper) Dump() (map[string]string, error) {
	out := make(map[string]string)
	err := k.kv.IterateRange("", "", func(key string, value []byte) error {
		out[key] = string(value)
		return nil
	})
	return out, err
}
