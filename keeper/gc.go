// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package keeper

import (
	"strings"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"

	"github.com/ava-labs/vatkernel/vat"
)

const gcPendingPrefix = "gc.pending."

func gcPendingKey(vatID, typ, kref string) string {
	return gcPendingPrefix + vatID + "." + typ + "." + kref
}

// gcBatch groups GC actions by "vatID type" so each vat gets one delivery
// per action type.
type gcBatch struct {
	groups *treemap.Map
}

func newGCBatch() *gcBatch {
	return &gcBatch{groups: treemap.NewWith(utils.StringComparator)}
}

func (b *gcBatch) add(vatID, typ, kref string) {
	key := vatID + " " + typ
	var krefs []string
	if v, ok := b.groups.Get(key); ok {
		krefs = v.([]string)
	}
	b.groups.Put(key, append(krefs, kref))
}

// ProcessRefcounts examines every kref whose counts changed during the
// crank. Unreferenced promises are deleted, orphaned unrecognizable objects
// are retired, and owners of newly unreachable or unrecognizable exports are
// sent dropExports/retireExports through the run queue. It returns the
// number of krefs examined.
func (k *Keeper) ProcessRefcounts() (int, error) {
	batch := newGCBatch()
	examined := 0
	for !k.maybeFree.Empty() {
		it := k.maybeFree.Iterator()
		it.First()
		kref := it.Value().(string)
		k.maybeFree.Remove(kref)
		examined++

		switch {
		case vat.IsKernelPromise(kref):
			exists, err := k.PromiseExists(kref)
			if err != nil {
				return examined, err
			}
			if !exists {
				continue
			}
			n, err := k.promiseRefCount(kref)
			if err != nil {
				return examined, err
			}
			if n == 0 {
				k.log.Debug("deleting promise", "kpid", kref)
				if err := k.deletePromise(kref); err != nil {
					return examined, err
				}
			}
		case vat.IsKernelObject(kref):
			if err := k.examineObject(batch, kref); err != nil {
				return examined, err
			}
		}
	}
	return examined, k.flushGCBatch(batch)
}

func (k *Keeper) examineObject(batch *gcBatch, kref string) error {
	exists, err := k.ObjectExists(kref)
	if err != nil || !exists {
		return err
	}
	rc, err := k.GetObjectRefCount(kref)
	if err != nil {
		return err
	}
	owner, err := k.ObjectOwner(kref)
	if err != nil {
		return err
	}
	if owner == "" {
		if rc.Recognizable == 0 {
			k.log.Debug("retiring orphaned object", "kref", kref)
			return k.DeleteKernelObject(kref)
		}
		return nil
	}
	if rc.Reachable == 0 {
		reachable, err := k.IsReachableEntry(owner, kref)
		if err != nil {
			return err
		}
		if reachable {
			if err := k.scheduleGC(batch, owner, EntryDropExports, kref); err != nil {
				return err
			}
		}
		if rc.Recognizable == 0 {
			if err := k.scheduleGC(batch, owner, EntryRetireExports, kref); err != nil {
				return err
			}
		}
	}
	return nil
}

func (k *Keeper) scheduleGC(batch *gcBatch, vatID, typ, kref string) error {
	key := gcPendingKey(vatID, typ, kref)
	if pending, err := k.kv.Has(key); err != nil || pending {
		return err
	}
	if err := k.kv.Set(key, []byte{1}); err != nil {
		return err
	}
	batch.add(vatID, typ, kref)
	return nil
}

func (k *Keeper) flushGCBatch(batch *gcBatch) error {
	it := batch.groups.Iterator()
	for it.Next() {
		parts := strings.SplitN(it.Key().(string), " ", 2)
		krefs := it.Value().([]string)
		if err := k.Enqueue(RunQueueEntry{Type: parts[1], VatID: parts[0], KRefs: krefs}); err != nil {
			return err
		}
	}
	return nil
}

// ScheduleRetireImports tells every importer of a retired export to forget
// it.
func (k *Keeper) ScheduleRetireImports(importers []string, kref string) error {
	batch := newGCBatch()
	for _, vatID := range importers {
		if err := k.scheduleGC(batch, vatID, EntryRetireImports, kref); err != nil {
			return err
		}
	}
	return k.flushGCBatch(batch)
}

// FilterGCAction clears the pending markers of a dequeued GC entry and
// returns the krefs that still warrant the action. Counts can move between
// scheduling and delivery, so stale krefs are dropped here.
func (k *Keeper) FilterGCAction(e RunQueueEntry) ([]string, error) {
	var live []string
	for _, kref := range e.KRefs {
		if err := k.kv.Delete(gcPendingKey(e.VatID, e.Type, kref)); err != nil {
			return nil, err
		}
		needed, err := k.gcStillNeeded(e.VatID, e.Type, kref)
		if err != nil {
			return nil, err
		}
		if needed {
			live = append(live, kref)
		}
	}
	return live, nil
}

func (k *Keeper) gcStillNeeded(vatID, typ, kref string) (bool, error) {
	alive, err := k.IsVatAlive(vatID)
	if err != nil || !alive {
		return false, err
	}
	vref, reachable, ok, err := k.lookupKernel(vatID, kref)
	if err != nil || !ok {
		return false, err
	}
	exists, err := k.ObjectExists(kref)
	if err != nil {
		return false, err
	}
	if typ == EntryRetireImports {
		return !exists && strings.HasPrefix(vref, "o-"), nil
	}
	if !exists || !strings.HasPrefix(vref, "o+") {
		return false, nil
	}
	rc, err := k.GetObjectRefCount(kref)
	if err != nil {
		return false, err
	}
	switch typ {
	case EntryDropExports:
		return rc.Reachable == 0 && reachable, nil
	case EntryRetireExports:
		return rc.Reachable == 0 && rc.Recognizable == 0, nil
	}
	return false, nil
}

// ApplyGCAction updates the kernel tables for a GC delivery that has been
// translated and is about to be handed to [vatID]. A retired export has no
// importers left, since its recognizable count is zero.
func (k *Keeper) ApplyGCAction(vatID, typ string, krefs []string) error {
	for _, kref := range krefs {
		switch typ {
		case EntryDropExports:
			if err := k.ClearExportFlag(vatID, kref); err != nil {
				return err
			}
		case EntryRetireExports:
			vref, _, ok, err := k.lookupKernel(vatID, kref)
			if err != nil {
				return err
			}
			if ok {
				if err := k.deleteEntry(vatID, kref, vref); err != nil {
					return err
				}
			}
			if err := k.DeleteKernelObject(kref); err != nil {
				return err
			}
		case EntryRetireImports:
			if err := k.ForgetImport(vatID, kref); err != nil {
				return err
			}
		}
	}
	return nil
}
