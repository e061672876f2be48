// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package kernel

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ava-labs/vatkernel/capdata"
	"github.com/ava-labs/vatkernel/keeper"
	"github.com/ava-labs/vatkernel/vat"
	"github.com/ava-labs/vatkernel/worker"
)

// deliver hands [d], already in the vat's terms, to the vat's worker.
func (k *Kernel) deliver(ctx context.Context, rec keeper.VatRecord, d vat.Delivery) (outcome, error) {
	out := outcome{rec: rec}
	lv, err := k.warehouse.get(ctx, rec)
	if err != nil {
		if errors.Is(err, errEvaluate) {
			out.fault = err
			return out, nil
		}
		return out, err
	}

	var deliveryNum uint64
	if rec.Options.UseTranscript {
		if deliveryNum, err = k.store.Streams().NextPosition(rec.TranscriptStream()); err != nil {
			return out, err
		}
	}

	dc := &deliveryContext{k: k, rec: rec}
	res, err := lv.worker.Deliver(ctx, d, dc)
	k.metrics.deliveries.WithLabelValues(d.Type).Inc()
	out.delivered = true
	out.result = res

	switch {
	case dc.fatal != nil:
		return out, dc.fatal
	case dc.fault != nil:
		out.fault = dc.fault
	case err != nil:
		out.fault = fmt.Errorf("%w: %s: %w", errDeliveryFailed, rec.VatID, err)
	case worker.Fault(rec.VatID, res) != nil:
		out.fault = worker.Fault(rec.VatID, res)
	case !res.OK():
		out.fault = fmt.Errorf("%w: %s: %s", errDeliveryFailed, rec.VatID, res.Problem)
	case dc.exit != nil && dc.exit.failure:
		out.fault = fmt.Errorf("%w: %s", errVatExit, rec.VatID)
		// Slots in the reason may have been allocated by this delivery,
		// which is about to be unwound.
		if len(dc.exit.info.Slots) == 0 {
			out.faultReason = dc.exit.info
		}
	}
	if out.fault != nil {
		return out, nil
	}
	out.exit = dc.exit

	if rec.Options.UseTranscript {
		if err := appendTranscript(k.store.Streams(), TranscriptEntry{
			VatID:       rec.VatID,
			Incarnation: rec.Incarnation,
			DeliveryNum: deliveryNum,
			Delivery:    d,
			Syscalls:    dc.syscalls,
			Response:    res,
		}); err != nil {
			return out, err
		}
	}
	return out, nil
}

// reject settles a kernel-decided result promise with an error.
func (k *Kernel) reject(kpid, msg string) error {
	return k.settleResult(kpid, true, capdata.Rejection(msg))
}

// settleResult settles the result promise of a message the kernel could not
// deliver. The host may have settled it already, in which case the kernel's
// outcome is dropped.
func (k *Kernel) settleResult(kpid string, rejected bool, data capdata.CapData) error {
	if kpid == "" {
		return nil
	}
	p, err := k.keeper.GetPromise(kpid)
	if err != nil {
		return err
	}
	if p.Settled() {
		return nil
	}
	return k.resolve(kpid, rejected, data)
}

// resolve settles [kpid], schedules a notify per subscriber and re-queues
// any messages that were waiting on it.
func (k *Kernel) resolve(kpid string, rejected bool, data capdata.CapData) error {
	subscribers, queued, err := k.keeper.ResolvePromise(kpid, rejected, data)
	if err != nil {
		return err
	}
	for _, vatID := range subscribers {
		if err := k.keeper.Enqueue(keeper.RunQueueEntry{
			Type:  keeper.EntryNotify,
			VatID: vatID,
			KPID:  kpid,
		}); err != nil {
			return err
		}
	}
	for _, msg := range queued {
		if err := k.keeper.Enqueue(keeper.RunQueueEntry{
			Type:    keeper.EntrySend,
			Target:  kpid,
			Message: msg,
		}); err != nil {
			return err
		}
	}
	return nil
}

// fulfilledTarget returns the object a promise was fulfilled to, if its
// resolution is a bare reference.
func fulfilledTarget(data capdata.CapData) (string, bool) {
	if len(data.Slots) != 1 {
		return "", false
	}
	v, err := capdata.Unmarshal(data)
	if err != nil {
		return "", false
	}
	ref, ok := v.(capdata.Ref)
	if !ok || !vat.IsKernelObject(ref.ID) {
		return "", false
	}
	return ref.ID, true
}

func (k *Kernel) processSend(ctx context.Context, e keeper.RunQueueEntry) (outcome, error) {
	target, msg := e.Target, e.Message
	for {
		switch {
		case vat.IsKernelObject(target):
			exists, err := k.keeper.ObjectExists(target)
			if err != nil {
				return outcome{}, err
			}
			if !exists {
				return outcome{}, k.reject(msg.Result, fmt.Sprintf("%s: %s", keeper.ErrUnknownObject, target))
			}
			owner, err := k.keeper.ObjectOwner(target)
			if err != nil {
				return outcome{}, err
			}
			if owner == "" {
				return outcome{}, k.reject(msg.Result, "vat terminated")
			}
			rec, err := k.keeper.GetVatRecord(owner)
			if err != nil {
				return outcome{}, err
			}
			return k.deliverMessage(ctx, rec, target, msg)

		case vat.IsKernelPromise(target):
			p, err := k.keeper.GetPromise(target)
			if err != nil {
				return outcome{}, err
			}
			switch p.State {
			case keeper.Fulfilled:
				next, ok := fulfilledTarget(p.Data)
				if !ok {
					return outcome{}, k.reject(msg.Result, "message sent to non-object fulfillment")
				}
				target = next
				continue
			case keeper.Rejected:
				return outcome{}, k.settleResult(msg.Result, true, p.Data)
			}
			if p.Decider != "" {
				rec, err := k.keeper.GetVatRecord(p.Decider)
				if err != nil {
					return outcome{}, err
				}
				if rec.Options.EnablePipelining {
					return k.deliverMessage(ctx, rec, target, msg)
				}
			}
			return outcome{}, k.keeper.EnqueueOnPromise(target, msg)

		default:
			return outcome{}, k.reject(msg.Result, fmt.Sprintf("cannot send to %s", target))
		}
	}
}

func (k *Kernel) deliverMessage(ctx context.Context, rec keeper.VatRecord, target string, msg vat.Message) (outcome, error) {
	toVat := func(kref string) (string, error) {
		return k.keeper.MapKernelToVat(rec.VatID, kref, true)
	}
	vtarget, err := toVat(target)
	if err != nil {
		return outcome{}, err
	}
	args, err := msg.Args.MapSlots(toVat)
	if err != nil {
		return outcome{}, err
	}
	var result string
	if msg.Result != "" {
		p, err := k.keeper.GetPromise(msg.Result)
		if err != nil {
			return outcome{}, err
		}
		// The host may settle a result before it is delivered.
		if p.Settled() {
			msg.Result = ""
		}
	}
	if msg.Result != "" {
		if result, err = toVat(msg.Result); err != nil {
			return outcome{}, err
		}
		if err := k.keeper.SetDecider(msg.Result, rec.VatID); err != nil {
			return outcome{}, err
		}
	}
	return k.deliver(ctx, rec, vat.Delivery{
		Type:   vat.DeliverMessage,
		Target: vtarget,
		Message: vat.Message{
			Method: msg.Method,
			Args:   args,
			Result: result,
		},
	})
}

func (k *Kernel) processNotify(ctx context.Context, e keeper.RunQueueEntry) (outcome, error) {
	alive, err := k.keeper.IsVatAlive(e.VatID)
	if err != nil || !alive {
		return outcome{}, err
	}
	vpid, ok, err := k.keeper.VatRefFor(e.VatID, e.KPID)
	if err != nil || !ok {
		return outcome{}, err
	}
	p, err := k.keeper.GetPromise(e.KPID)
	if err != nil {
		return outcome{}, err
	}
	if !p.Settled() {
		return outcome{}, fmt.Errorf("notify for unresolved promise %s", e.KPID)
	}
	rec, err := k.keeper.GetVatRecord(e.VatID)
	if err != nil {
		return outcome{}, err
	}
	data, err := p.Data.MapSlots(func(kref string) (string, error) {
		return k.keeper.MapKernelToVat(e.VatID, kref, true)
	})
	if err != nil {
		return outcome{}, err
	}
	out, err := k.deliver(ctx, rec, vat.Delivery{
		Type: vat.DeliverNotify,
		Resolutions: []vat.Resolution{{
			ID:       vpid,
			Rejected: p.State == keeper.Rejected,
			Data:     data,
		}},
	})
	if err != nil || out.fault != nil {
		return out, err
	}
	// The vat retires its id for a promise once told of the settlement.
	return out, k.keeper.ForgetPromise(e.VatID, e.KPID)
}

func (k *Kernel) processGCAction(ctx context.Context, e keeper.RunQueueEntry) (outcome, error) {
	krefs, err := k.keeper.FilterGCAction(e)
	if err != nil || len(krefs) == 0 {
		return outcome{}, err
	}
	rec, err := k.keeper.GetVatRecord(e.VatID)
	if err != nil {
		return outcome{}, err
	}
	vrefs := make([]string, len(krefs))
	for i, kref := range krefs {
		vref, ok, err := k.keeper.VatRefFor(e.VatID, kref)
		if err != nil {
			return outcome{}, err
		}
		if !ok {
			return outcome{}, fmt.Errorf("%w: %s has no entry for %s", keeper.ErrIllegalReference, e.VatID, kref)
		}
		vrefs[i] = vref
	}
	if err := k.keeper.ApplyGCAction(e.VatID, e.Type, krefs); err != nil {
		return outcome{}, err
	}

	var typ string
	switch e.Type {
	case keeper.EntryDropExports:
		typ = vat.DeliverDropExports
	case keeper.EntryRetireExports:
		typ = vat.DeliverRetireExports
	default:
		typ = vat.DeliverRetireImports
	}
	out, err := k.deliver(ctx, rec, vat.Delivery{Type: typ, Refs: vrefs})
	out.gcKrefs = uint64(len(krefs))
	return out, err
}

func (k *Kernel) processBringOutYourDead(ctx context.Context, e keeper.RunQueueEntry) (outcome, error) {
	alive, err := k.keeper.IsVatAlive(e.VatID)
	if err != nil || !alive {
		return outcome{}, err
	}
	rec, err := k.keeper.GetVatRecord(e.VatID)
	if err != nil {
		return outcome{}, err
	}
	out, err := k.deliver(ctx, rec, vat.Delivery{Type: vat.DeliverBringOutYourDead})
	out.reaped = true
	return out, err
}

func (k *Kernel) startVatDelivery(rec keeper.VatRecord, params capdata.CapData) (vat.Delivery, error) {
	vparams, err := params.MapSlots(func(kref string) (string, error) {
		return k.keeper.MapKernelToVat(rec.VatID, kref, true)
	})
	if err != nil {
		return vat.Delivery{}, err
	}
	return vat.Delivery{Type: vat.DeliverStartVat, Params: vparams}, nil
}

func isNonDurableExport(vref string) bool {
	return strings.HasPrefix(vref, "o+") && vref != vat.RootRef && !strings.HasPrefix(vref, "o+d")
}
