// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package kernel

import (
	"context"
	"errors"
	"fmt"

	"github.com/ava-labs/avalanchego/ids"

	"github.com/ava-labs/vatkernel/capdata"
	"github.com/ava-labs/vatkernel/keeper"
	"github.com/ava-labs/vatkernel/vat"
)

var (
	errDeliveryFailed = errors.New("delivery failed")
	errVatExit        = errors.New("vat exited with failure")
)

// RunResult summarizes a Run.
type RunResult struct {
	Cranks       uint64 `json:"cranks"`
	Deliveries   uint64 `json:"deliveries"`
	ActivityHash ids.ID `json:"activityHash"`
}

// outcome is what processing one run-queue entry produced. Errors returned
// alongside an outcome are kernel-fatal; vat-level failures live in fault.
type outcome struct {
	rec       keeper.VatRecord
	delivered bool
	result    vat.DeliveryResult
	gcKrefs   uint64
	reaped    bool

	// fault unwinds the crank and terminates the vat with faultReason.
	fault       error
	faultReason capdata.CapData
	// discard unwinds the crank and drops the entry, leaving the vat as it
	// was. Used for failed upgrades.
	discard bool
	// exit terminates the vat after the crank's effects are kept.
	exit *exitRequest
}

// Step runs one crank. It reports false when the run queue was empty. [ctx]
// is only checked before the crank starts.
func (k *Kernel) Step(ctx context.Context) (bool, error) {
	k.lock.Lock()
	defer k.lock.Unlock()

	ran, _, err := k.step(ctx)
	return ran, err
}

// Run steps until the run queue is empty or [ctx] is done. Cancellation
// takes effect between cranks.
func (k *Kernel) Run(ctx context.Context) (*RunResult, error) {
	k.lock.Lock()
	defer k.lock.Unlock()

	res := &RunResult{}
	for {
		if err := ctx.Err(); err != nil {
			res.ActivityHash = k.store.ActivityHash()
			return res, err
		}
		ran, delivered, err := k.step(ctx)
		if err != nil {
			res.ActivityHash = k.store.ActivityHash()
			return res, err
		}
		if !ran {
			break
		}
		res.Cranks++
		if delivered {
			res.Deliveries++
		}
	}
	res.ActivityHash = k.store.ActivityHash()
	return res, nil
}

func (k *Kernel) step(ctx context.Context) (bool, bool, error) {
	if err := k.checkPanic(); err != nil {
		return false, false, err
	}
	if err := ctx.Err(); err != nil {
		return false, false, err
	}
	// Once started a crank runs to completion. Its outcome may depend only
	// on the run queue, never on when the host gives up waiting.
	ctx = context.WithoutCancel(ctx)

	if err := k.store.StartCrank(); err != nil {
		return false, false, k.fail(err)
	}
	e, ok, err := k.keeper.Dequeue()
	if err != nil {
		return false, false, k.fail(err)
	}
	if !ok {
		if err := k.store.RollbackCrank(); err != nil {
			return false, false, k.fail(err)
		}
		return false, false, nil
	}
	if err := k.store.Savepoint(); err != nil {
		return false, false, k.fail(err)
	}

	out, err := k.process(ctx, e)
	if err != nil {
		return false, false, k.fail(err)
	}
	if out.fault != nil || out.discard {
		return true, out.delivered, k.unwind(out)
	}
	if err := k.store.ReleaseSavepoint(); err != nil {
		return false, false, k.fail(err)
	}

	switch {
	case out.exit != nil:
		if err := k.terminateVat(out.rec.VatID, out.exit.info); err != nil {
			return false, false, k.fail(err)
		}
	case out.delivered:
		if err := k.afterDelivery(ctx, out); err != nil {
			return false, false, k.fail(err)
		}
	}
	if err := k.endCrank(); err != nil {
		return false, false, k.fail(err)
	}
	return true, out.delivered, nil
}

// unwind discards the crank. A faulted vat is then terminated in a crank of
// its own, while a discarded entry is dropped from the queue.
func (k *Kernel) unwind(out outcome) error {
	vatID := out.rec.VatID
	if err := k.store.RollbackCrank(); err != nil {
		return k.fail(err)
	}
	k.keeper.PurgeMaybeFree()
	if err := k.warehouse.evict(vatID); err != nil {
		return k.fail(err)
	}

	if err := k.store.StartCrank(); err != nil {
		return k.fail(err)
	}
	if out.discard {
		k.log.Warn("vat upgrade failed, keeping previous incarnation", "vat", vatID, "err", out.fault)
		if _, _, err := k.keeper.Dequeue(); err != nil {
			return k.fail(err)
		}
		return k.endCrank()
	}

	if out.rec.Options.Critical {
		return k.fail(fmt.Errorf("%w: %s: %w", errCriticalVat, vatID, out.fault))
	}
	k.log.Info("terminating faulted vat", "vat", vatID, "err", out.fault)
	reason := out.faultReason
	if len(reason.Body) == 0 {
		reason = capdata.Rejection("vat terminated")
	}
	if err := k.terminateVat(vatID, reason); err != nil {
		return k.fail(err)
	}
	return k.endCrank()
}

func (k *Kernel) endCrank() error {
	if _, err := k.keeper.ProcessRefcounts(); err != nil {
		return err
	}
	crankNum, err := k.keeper.IncrementCrankNumber()
	if err != nil {
		return err
	}
	crankHash, err := k.store.EndCrank()
	if err != nil {
		return err
	}
	k.metrics.cranks.Inc()
	k.log.Debug("crank complete", "crank", crankNum, "hash", crankHash)
	return k.updateQueueGauge()
}

// afterDelivery applies the snapshot policy and accumulates dirt.
func (k *Kernel) afterDelivery(ctx context.Context, out outcome) error {
	rec := out.rec
	if err := k.maybeSnapshot(ctx, rec); err != nil {
		return err
	}

	dirt, err := k.keeper.GetDirt(rec.VatID)
	if err != nil {
		return err
	}
	if out.reaped {
		return k.keeper.SetDirt(rec.VatID, keeper.Dirt{})
	}
	dirt.Deliveries++
	dirt.Computrons += out.result.Computrons
	dirt.GCKrefs += out.gcKrefs
	if dirt.Exceeds(rec.Options.ReapDirtThreshold) {
		if err := k.keeper.Enqueue(keeper.RunQueueEntry{
			Type:  keeper.EntryBringOutYourDead,
			VatID: rec.VatID,
		}); err != nil {
			return err
		}
		dirt = keeper.Dirt{}
	}
	return k.keeper.SetDirt(rec.VatID, dirt)
}

// maybeSnapshot saves a heap snapshot after delivery SnapshotInitial of an
// incarnation and every SnapshotInterval deliveries after that. Vats without
// a transcript are snapshotted after every delivery, since the snapshot is
// all they restart from.
func (k *Kernel) maybeSnapshot(ctx context.Context, rec keeper.VatRecord) error {
	var pos uint64
	if rec.Options.UseTranscript {
		next, err := k.store.Streams().NextPosition(rec.TranscriptStream())
		if err != nil {
			return err
		}
		info, ok, err := k.store.Snapshots().Info(rec.VatID)
		if err != nil {
			return err
		}
		last := uint64(0)
		if ok && info.Incarnation == rec.Incarnation {
			last = info.Position
		}
		due := (last == 0 && next >= k.config.SnapshotInitial) ||
			(last > 0 && next-last >= k.config.SnapshotInterval)
		if !due {
			return nil
		}
		pos = next
	}

	lv, err := k.warehouse.get(ctx, rec)
	if err != nil {
		return err
	}
	blob, err := lv.worker.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("failed to snapshot %s: %w", rec.VatID, err)
	}
	info, err := k.store.Snapshots().Save(rec.VatID, rec.Incarnation, pos, blob)
	if err != nil {
		return err
	}
	k.metrics.snapshots.Inc()
	k.log.Debug("saved snapshot", "vat", rec.VatID, "incarnation", rec.Incarnation, "position", pos, "hash", info.Hash)
	return nil
}

// process routes one run-queue entry.
func (k *Kernel) process(ctx context.Context, e keeper.RunQueueEntry) (outcome, error) {
	switch e.Type {
	case keeper.EntrySend:
		return k.processSend(ctx, e)
	case keeper.EntryNotify:
		return k.processNotify(ctx, e)
	case keeper.EntryCreateVat:
		return k.processCreateVat(ctx, e)
	case keeper.EntryUpgradeVat:
		return k.processUpgradeVat(ctx, e)
	case keeper.EntryTerminateVat:
		alive, err := k.keeper.IsVatAlive(e.VatID)
		if err != nil || !alive {
			return outcome{}, err
		}
		return outcome{}, k.terminateVat(e.VatID, e.Reason)
	case keeper.EntryDropExports, keeper.EntryRetireExports, keeper.EntryRetireImports:
		return k.processGCAction(ctx, e)
	case keeper.EntryBringOutYourDead:
		return k.processBringOutYourDead(ctx, e)
	default:
		return outcome{}, fmt.Errorf("unknown run-queue entry type %q", e.Type)
	}
}
