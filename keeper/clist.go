// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package keeper

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ava-labs/vatkernel/vat"
)

// CListEntry is one row of a vat's (or device's) c-list.
type CListEntry struct {
	KRef      string `json:"kref"`
	VRef      string `json:"vref"`
	Reachable bool   `json:"reachable"`
}

func clistKey(ownerID, ref string) string { return ownerID + ".c." + ref }

func encodeEntry(vref string, reachable bool) string {
	if reachable {
		return "R " + vref
	}
	return "_ " + vref
}

func (k *Keeper) lookupKernel(ownerID, kref string) (string, bool, bool, error) {
	v, ok, err := k.kv.GetString(clistKey(ownerID, kref))
	if err != nil || !ok {
		return "", false, ok, err
	}
	if len(v) < 3 {
		return "", false, false, fmt.Errorf("corrupt c-list entry %s=%q", clistKey(ownerID, kref), v)
	}
	return v[2:], v[0] == 'R', true, nil
}

func (k *Keeper) lookupVat(ownerID, vref string) (string, bool, error) {
	return k.kv.GetString(clistKey(ownerID, vref))
}

func (k *Keeper) setEntry(ownerID, kref, vref string, reachable bool) error {
	if err := k.kv.SetString(clistKey(ownerID, kref), encodeEntry(vref, reachable)); err != nil {
		return err
	}
	return k.kv.SetString(clistKey(ownerID, vref), kref)
}

func (k *Keeper) deleteEntry(ownerID, kref, vref string) error {
	if err := k.kv.Delete(clistKey(ownerID, kref)); err != nil {
		return err
	}
	return k.kv.Delete(clistKey(ownerID, vref))
}

// HasCListEntry reports whether [ownerID] can name [kref].
func (k *Keeper) HasCListEntry(ownerID, kref string) (bool, error) {
	return k.kv.Has(clistKey(ownerID, kref))
}

// VatRefFor looks up the vat-local name of [kref] without importing it.
func (k *Keeper) VatRefFor(ownerID, kref string) (string, bool, error) {
	vref, _, ok, err := k.lookupKernel(ownerID, kref)
	return vref, ok, err
}

// KernelRefFor looks up the kernel name of [vref] without allocating.
func (k *Keeper) KernelRefFor(ownerID, vref string) (string, bool, error) {
	return k.lookupVat(ownerID, vref)
}

// IsReachableEntry reports the reachable flag of [ownerID]'s entry for
// [kref].
func (k *Keeper) IsReachableEntry(ownerID, kref string) (bool, error) {
	_, reachable, _, err := k.lookupKernel(ownerID, kref)
	return reachable, err
}

// AllocateExport creates the kernel object behind a vat's new export
// [vref] and records the c-list entry with its reachable flag set.
func (k *Keeper) AllocateExport(vatID, vref string) (string, error) {
	kref, err := k.AddKernelObject(vatID)
	if err != nil {
		return "", err
	}
	return kref, k.setEntry(vatID, kref, vref, true)
}

// MapVatToKernel translates a vref mentioned by [ownerID] into a kref.
// Unknown exports are allocated; unknown imports are illegal.
func (k *Keeper) MapVatToKernel(ownerID, vref string) (string, error) {
	ref, err := vat.ParseRef(vref)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrIllegalReference, err)
	}
	kref, ok, err := k.lookupVat(ownerID, vref)
	if err != nil {
		return "", err
	}
	if ok {
		if ref.Kind == vat.Object {
			_, reachable, _, err := k.lookupKernel(ownerID, kref)
			if err != nil {
				return "", err
			}
			switch {
			case reachable:
			case ref.Exported:
				if err := k.setEntry(ownerID, kref, vref, true); err != nil {
					return "", err
				}
			default:
				return "", fmt.Errorf("%w: %s used dropped import %s", ErrIllegalReference, ownerID, vref)
			}
		}
		return kref, nil
	}
	if !ref.Exported {
		return "", fmt.Errorf("%w: %s has no import %s", ErrIllegalReference, ownerID, vref)
	}

	switch ref.Kind {
	case vat.Object:
		return k.AllocateExport(ownerID, vref)
	case vat.Promise:
		kpid, err := k.AddKernelPromise(ownerID)
		if err != nil {
			return "", err
		}
		if err := k.setEntry(ownerID, kpid, vref, true); err != nil {
			return "", err
		}
		return kpid, k.IncrementRefCount(kpid, false)
	default:
		if !isDeviceID(ownerID) {
			return "", fmt.Errorf("%w: vat %s cannot export device node %s", ErrIllegalReference, ownerID, vref)
		}
		kref, err := k.AddDeviceNode(ownerID)
		if err != nil {
			return "", err
		}
		return kref, k.setEntry(ownerID, kref, vref, true)
	}
}

// MapKernelToVat translates [kref] for delivery to [ownerID], importing it
// if the owner has never seen it. When [setReachable] is true the entry is
// (re)marked reachable.
func (k *Keeper) MapKernelToVat(ownerID, kref string, setReachable bool) (string, error) {
	vref, reachable, ok, err := k.lookupKernel(ownerID, kref)
	if err != nil {
		return "", err
	}
	if ok {
		if vat.IsKernelObject(kref) && setReachable && !reachable {
			if err := k.setEntry(ownerID, kref, vref, true); err != nil {
				return "", err
			}
			if strings.HasPrefix(vref, "o-") {
				if err := k.adjustReachable(kref, 1); err != nil {
					return "", err
				}
			}
		}
		return vref, nil
	}

	var kind byte
	switch {
	case vat.IsKernelObject(kref):
		if exists, err := k.ObjectExists(kref); err != nil {
			return "", err
		} else if !exists {
			return "", fmt.Errorf("%w: %s", ErrUnknownObject, kref)
		}
		kind = vat.Object
	case vat.IsKernelPromise(kref):
		if exists, err := k.PromiseExists(kref); err != nil {
			return "", err
		} else if !exists {
			return "", fmt.Errorf("%w: %s", ErrUnknownPromise, kref)
		}
		kind = vat.Promise
	case vat.IsKernelDevice(kref):
		kind = vat.Device
	default:
		return "", fmt.Errorf("%w: %q", ErrIllegalReference, kref)
	}

	n, err := k.allocate(fmt.Sprintf("%s.%c.nextID", ownerID, kind), 1)
	if err != nil {
		return "", err
	}
	vref = vat.MakeRef(kind, false, n)
	reach := setReachable || kind != vat.Object
	if err := k.setEntry(ownerID, kref, vref, reach); err != nil {
		return "", err
	}
	return vref, k.IncrementRefCount(kref, !reach)
}

// ImportReference gives [vatID] a reachable import of [kref].
func (k *Keeper) ImportReference(vatID, kref string) (string, error) {
	return k.MapKernelToVat(vatID, kref, true)
}

// DropReference clears the reachable flag of [vatID]'s import of [kref].
func (k *Keeper) DropReference(vatID, kref string) error {
	vref, reachable, ok, err := k.lookupKernel(vatID, kref)
	if err != nil {
		return err
	}
	if !ok || !strings.HasPrefix(vref, "o-") || !reachable {
		return fmt.Errorf("%w: %s cannot drop %s", ErrIllegalReference, vatID, kref)
	}
	if err := k.setEntry(vatID, kref, vref, false); err != nil {
		return err
	}
	return k.adjustReachable(kref, -1)
}

// RetireReference deletes [vatID]'s already-dropped import of [kref].
func (k *Keeper) RetireReference(vatID, kref string) error {
	vref, reachable, ok, err := k.lookupKernel(vatID, kref)
	if err != nil {
		return err
	}
	if !ok || !strings.HasPrefix(vref, "o-") || reachable {
		return fmt.Errorf("%w: %s cannot retire %s", ErrIllegalReference, vatID, kref)
	}
	if err := k.deleteEntry(vatID, kref, vref); err != nil {
		return err
	}
	if exists, err := k.ObjectExists(kref); err != nil || !exists {
		return err
	}
	return k.DecrementRefCount(kref, true)
}

// RetireExport is the owner declaring that an unreachable export can no
// longer be recognized. The object is deleted and the vats that still
// recognize it are returned; they must be sent retireImports.
func (k *Keeper) RetireExport(vatID, kref string) ([]string, error) {
	vref, _, ok, err := k.lookupKernel(vatID, kref)
	if err != nil {
		return nil, err
	}
	if !ok || !strings.HasPrefix(vref, "o+") {
		return nil, fmt.Errorf("%w: %s cannot retire export %s", ErrIllegalReference, vatID, kref)
	}
	rc, err := k.GetObjectRefCount(kref)
	if err != nil {
		return nil, err
	}
	if rc.Reachable != 0 {
		return nil, fmt.Errorf("%w: %s retired reachable export %s", ErrIllegalReference, vatID, kref)
	}
	if err := k.deleteEntry(vatID, kref, vref); err != nil {
		return nil, err
	}
	importers, err := k.Importers(kref)
	if err != nil {
		return nil, err
	}
	return importers, k.DeleteKernelObject(kref)
}

// AbandonExport orphans an export: the object outlives its owner's
// interest, and messages to it will be rejected.
func (k *Keeper) AbandonExport(vatID, kref string) error {
	vref, _, ok, err := k.lookupKernel(vatID, kref)
	if err != nil {
		return err
	}
	if !ok || !strings.HasPrefix(vref, "o+") {
		return fmt.Errorf("%w: %s cannot abandon %s", ErrIllegalReference, vatID, kref)
	}
	if err := k.deleteEntry(vatID, kref, vref); err != nil {
		return err
	}
	return k.OrphanObject(kref)
}

// ClearExportFlag marks an owner's export as no longer reachable from the
// kernel, as part of delivering dropExports.
func (k *Keeper) ClearExportFlag(vatID, kref string) error {
	vref, _, ok, err := k.lookupKernel(vatID, kref)
	if err != nil || !ok {
		return err
	}
	return k.setEntry(vatID, kref, vref, false)
}

// ForgetPromise removes [vatID]'s entry for [kpid].
func (k *Keeper) ForgetPromise(vatID, kpid string) error {
	vref, _, ok, err := k.lookupKernel(vatID, kpid)
	if err != nil || !ok {
		return err
	}
	if err := k.deleteEntry(vatID, kpid, vref); err != nil {
		return err
	}
	return k.DecrementRefCount(kpid, false)
}

// ForgetImport removes an importer's entry for an object that no longer
// exists, as part of delivering retireImports.
func (k *Keeper) ForgetImport(vatID, kref string) error {
	vref, _, ok, err := k.lookupKernel(vatID, kref)
	if err != nil || !ok {
		return err
	}
	return k.deleteEntry(vatID, kref, vref)
}

// CListEntries lists every entry of [ownerID]'s c-list, ordered by kref.
func (k *Keeper) CListEntries(ownerID string) ([]CListEntry, error) {
	var out []CListEntry
	prefix := ownerID + ".c.k"
	err := k.kv.IteratePrefix(prefix, func(key string, value []byte) error {
		v := string(value)
		out = append(out, CListEntry{
			KRef:      key[len(ownerID)+3:],
			VRef:      v[2:],
			Reachable: v[0] == 'R',
		})
		return nil
	})
	sortEntries(out)
	return out, err
}

// Importers lists the live vats whose c-list holds an import of [kref].
func (k *Keeper) Importers(kref string) ([]string, error) {
	vatIDs, err := k.VatIDs()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, vatID := range vatIDs {
		vref, _, ok, err := k.lookupKernel(vatID, kref)
		if err != nil {
			return nil, err
		}
		if ok && strings.HasPrefix(vref, "o-") {
			out = append(out, vatID)
		}
	}
	return out, nil
}

func sortEntries(entries []CListEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return vat.CompareKernelRefs(entries[i].KRef, entries[j].KRef) < 0
	})
}

// ReleaseCList gives up every reference held by [vatID]'s c-list, as part of
// termination. Exports are orphaned and imports are decremented. The entries
// themselves go away with the rest of the vat's keys.
func (k *Keeper) ReleaseCList(vatID string) error {
	entries, err := k.CListEntries(vatID)
	if err != nil {
		return err
	}
	for _, e := range entries {
		switch {
		case vat.IsKernelObject(e.KRef) && strings.HasPrefix(e.VRef, "o+"):
			if err := k.OrphanObject(e.KRef); err != nil {
				return err
			}
		case vat.IsKernelObject(e.KRef):
			exists, err := k.ObjectExists(e.KRef)
			if err != nil {
				return err
			}
			if exists {
				if err := k.DecrementRefCount(e.KRef, !e.Reachable); err != nil {
					return err
				}
			}
		case vat.IsKernelPromise(e.KRef):
			if err := k.DecrementRefCount(e.KRef, false); err != nil {
				return err
			}
		}
	}
	return nil
}
