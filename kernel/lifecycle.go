// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package kernel

import (
	"context"
	"fmt"

	"github.com/ava-labs/vatkernel/capdata"
	"github.com/ava-labs/vatkernel/keeper"
	"github.com/ava-labs/vatkernel/vat"
)

func (k *Kernel) processCreateVat(ctx context.Context, e keeper.RunQueueEntry) (outcome, error) {
	alive, err := k.keeper.IsVatAlive(e.VatID)
	if err != nil || !alive {
		return outcome{}, err
	}
	rec, err := k.keeper.GetVatRecord(e.VatID)
	if err != nil {
		return outcome{}, err
	}
	d, err := k.startVatDelivery(rec, e.Params)
	if err != nil {
		return outcome{}, err
	}
	return k.deliver(ctx, rec, d)
}

// processUpgradeVat moves the vat to a new incarnation running new code. If
// the new code fails to start, the whole crank is discarded.
func (k *Kernel) processUpgradeVat(ctx context.Context, e keeper.RunQueueEntry) (outcome, error) {
	alive, err := k.keeper.IsVatAlive(e.VatID)
	if err != nil || !alive {
		return outcome{}, err
	}
	rec, err := k.keeper.GetVatRecord(e.VatID)
	if err != nil {
		return outcome{}, err
	}
	if err := k.warehouse.evict(rec.VatID); err != nil {
		return outcome{}, err
	}

	decided, err := k.keeper.PromisesDecidedBy(rec.VatID)
	if err != nil {
		return outcome{}, err
	}
	for _, kpid := range decided {
		if err := k.reject(kpid, "vat upgraded"); err != nil {
			return outcome{}, err
		}
	}

	entries, err := k.keeper.CListEntries(rec.VatID)
	if err != nil {
		return outcome{}, err
	}
	for _, entry := range entries {
		switch {
		case vat.IsKernelPromise(entry.KRef):
			if err := k.keeper.ForgetPromise(rec.VatID, entry.KRef); err != nil {
				return outcome{}, err
			}
		case isNonDurableExport(entry.VRef):
			if err := k.keeper.AbandonExport(rec.VatID, entry.KRef); err != nil {
				return outcome{}, err
			}
		}
	}

	old := rec.Incarnation
	rec.Incarnation++
	rec.BundleID = e.BundleID
	rec.Parameters = e.Params
	rec.Options = e.Options
	if err := k.keeper.PutVatRecord(rec); err != nil {
		return outcome{}, err
	}
	if err := k.keeper.SetDirt(rec.VatID, keeper.Dirt{}); err != nil {
		return outcome{}, err
	}
	if err := k.store.Snapshots().Delete(rec.VatID); err != nil {
		return outcome{}, err
	}
	if err := k.store.Streams().Delete(keeper.TranscriptStream(rec.VatID, old)); err != nil {
		return outcome{}, err
	}

	d, err := k.startVatDelivery(rec, e.Params)
	if err != nil {
		return outcome{}, err
	}
	out, err := k.deliver(ctx, rec, d)
	if err != nil {
		return out, err
	}
	if out.fault != nil {
		out.discard = true
		return out, nil
	}
	k.log.Info("vat upgraded", "vat", rec.VatID, "incarnation", rec.Incarnation, "bundle", rec.BundleID)
	return out, nil
}

// terminateVat removes a vat for good. Its promises are rejected with
// [reason], its exports orphaned and its imports released.
func (k *Kernel) terminateVat(vatID string, reason capdata.CapData) error {
	rec, err := k.keeper.GetVatRecord(vatID)
	if err != nil {
		return err
	}
	if rec.Options.Critical {
		return fmt.Errorf("%w: %s was terminated", errCriticalVat, vatID)
	}
	if err := k.warehouse.evict(vatID); err != nil {
		return err
	}
	if len(reason.Body) == 0 {
		reason = capdata.Rejection("vat terminated")
	}

	decided, err := k.keeper.PromisesDecidedBy(vatID)
	if err != nil {
		return err
	}
	for _, kpid := range decided {
		if err := k.resolve(kpid, true, reason); err != nil {
			return err
		}
	}

	root, hasRoot, err := k.keeper.KernelRefFor(vatID, vat.RootRef)
	if err != nil {
		return err
	}
	if err := k.keeper.ReleaseCList(vatID); err != nil {
		return err
	}
	if hasRoot {
		if err := k.keeper.DecrementRefCount(root, false); err != nil {
			return err
		}
	}

	for inc := uint64(0); inc <= rec.Incarnation; inc++ {
		if err := k.store.Streams().Delete(keeper.TranscriptStream(vatID, inc)); err != nil {
			return err
		}
	}
	if err := k.store.Snapshots().Delete(vatID); err != nil {
		return err
	}
	if err := k.keeper.RemoveVat(vatID); err != nil {
		return err
	}
	k.metrics.terminations.Inc()
	k.log.Info("vat terminated", "vat", vatID, "name", rec.Name)
	return nil
}
