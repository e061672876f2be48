// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package kernel

import (
	"errors"
	"fmt"

	"github.com/ava-labs/vatkernel/capdata"
	"github.com/ava-labs/vatkernel/device"
	"github.com/ava-labs/vatkernel/keeper"
	"github.com/ava-labs/vatkernel/vat"
)

type exitRequest struct {
	failure bool
	info    capdata.CapData
}

// deliveryContext executes syscalls for one delivery and records them for
// the transcript. The first failing syscall poisons the rest of the
// delivery.
type deliveryContext struct {
	k   *Kernel
	rec keeper.VatRecord

	syscalls []SyscallRecord
	exit     *exitRequest

	// fault is a vat-fatal error, fatal a kernel-fatal one.
	fault error
	fatal error
}

var _ vat.Syscaller = (*deliveryContext)(nil)

func (dc *deliveryContext) Syscall(sc vat.Syscall) (vat.SyscallResult, error) {
	if dc.fatal != nil {
		return vat.SyscallResult{}, dc.fatal
	}
	if dc.fault != nil {
		return vat.SyscallResult{}, dc.fault
	}
	res, err := dc.k.syscall(dc, sc)
	if err != nil {
		if isVatFault(err) {
			dc.fault = err
		} else {
			dc.fatal = err
		}
		return vat.SyscallResult{}, err
	}
	dc.syscalls = append(dc.syscalls, SyscallRecord{Syscall: sc, Result: res})
	return res, nil
}

// isVatFault reports whether [err] is the vat's fault rather than the
// kernel's.
func isVatFault(err error) bool {
	for _, target := range []error{
		ErrIllegalSyscall,
		keeper.ErrIllegalReference,
		keeper.ErrUnknownObject,
		keeper.ErrUnknownPromise,
		keeper.ErrUnknownDevice,
		keeper.ErrAlreadySettled,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (k *Kernel) syscall(dc *deliveryContext, sc vat.Syscall) (vat.SyscallResult, error) {
	vatID := dc.rec.VatID
	toKernel := func(vref string) (string, error) {
		return k.keeper.MapVatToKernel(vatID, vref)
	}

	switch sc.Type {
	case vat.SyscallSend:
		target, err := toKernel(sc.Target)
		if err != nil {
			return vat.SyscallResult{}, err
		}
		args, err := sc.Message.Args.MapSlots(toKernel)
		if err != nil {
			return vat.SyscallResult{}, err
		}
		var result string
		if sc.Message.Result != "" {
			if result, err = k.sendResult(vatID, sc.Message.Result); err != nil {
				return vat.SyscallResult{}, err
			}
		}
		return vat.SyscallResult{}, k.keeper.Enqueue(keeper.RunQueueEntry{
			Type:   keeper.EntrySend,
			Target: target,
			Message: vat.Message{
				Method: sc.Message.Method,
				Args:   args,
				Result: result,
			},
		})

	case vat.SyscallSubscribe:
		kpid, err := k.promiseRef(vatID, sc.Target)
		if err != nil {
			return vat.SyscallResult{}, err
		}
		settled, err := k.keeper.AddSubscriber(kpid, vatID)
		if err != nil || !settled {
			return vat.SyscallResult{}, err
		}
		return vat.SyscallResult{}, k.keeper.Enqueue(keeper.RunQueueEntry{
			Type:  keeper.EntryNotify,
			VatID: vatID,
			KPID:  kpid,
		})

	case vat.SyscallResolve:
		for _, r := range sc.Resolutions {
			kpid, err := k.promiseRef(vatID, r.ID)
			if err != nil {
				return vat.SyscallResult{}, err
			}
			p, err := k.keeper.GetPromise(kpid)
			if err != nil {
				return vat.SyscallResult{}, err
			}
			if p.Settled() {
				return vat.SyscallResult{}, fmt.Errorf("%w: %s resolved %s again", keeper.ErrAlreadySettled, vatID, kpid)
			}
			if p.Decider != vatID {
				return vat.SyscallResult{}, fmt.Errorf("%w: %s resolved %s, which it does not decide", ErrIllegalSyscall, vatID, kpid)
			}
			data, err := r.Data.MapSlots(toKernel)
			if err != nil {
				return vat.SyscallResult{}, err
			}
			if err := k.resolve(kpid, r.Rejected, data); err != nil {
				return vat.SyscallResult{}, err
			}
			if err := k.keeper.ForgetPromise(vatID, kpid); err != nil {
				return vat.SyscallResult{}, err
			}
		}
		return vat.SyscallResult{}, nil

	case vat.SyscallExit:
		info, err := sc.Info.MapSlots(toKernel)
		if err != nil {
			return vat.SyscallResult{}, err
		}
		dc.exit = &exitRequest{failure: sc.Failure, info: info}
		return vat.SyscallResult{}, nil

	case vat.SyscallDropImports, vat.SyscallRetireImports, vat.SyscallRetireExports, vat.SyscallAbandonExports:
		return vat.SyscallResult{}, k.gcSyscall(vatID, sc)

	case vat.SyscallVatstoreGet:
		v, ok, err := k.keeper.VatstoreGet(vatID, sc.Key)
		return vat.SyscallResult{Found: ok, Value: v}, err
	case vat.SyscallVatstoreSet:
		return vat.SyscallResult{}, k.keeper.VatstoreSet(vatID, sc.Key, sc.Value)
	case vat.SyscallVatstoreDelete:
		return vat.SyscallResult{}, k.keeper.VatstoreDelete(vatID, sc.Key)

	case vat.SyscallCallNow:
		return k.callNow(vatID, sc)

	case vat.SyscallDisavow:
		if !dc.rec.Options.EnableDisavow {
			return vat.SyscallResult{}, fmt.Errorf("%w: disavow is not enabled for %s", ErrIllegalSyscall, vatID)
		}
		for _, vref := range sc.Refs {
			kref, err := k.importRef(vatID, vref)
			if err != nil {
				return vat.SyscallResult{}, err
			}
			if err := k.keeper.DropReference(vatID, kref); err != nil {
				return vat.SyscallResult{}, err
			}
		}
		return vat.SyscallResult{}, nil

	default:
		return vat.SyscallResult{}, fmt.Errorf("%w: unknown type %q", ErrIllegalSyscall, sc.Type)
	}
}

// sendResult takes over the decision of a send's result promise. Only the
// current decider may hand it to the kernel, and only while unresolved.
func (k *Kernel) sendResult(vatID, vpid string) (string, error) {
	kpid, err := k.promiseRef(vatID, vpid)
	if err != nil {
		return "", err
	}
	p, err := k.keeper.GetPromise(kpid)
	if err != nil {
		return "", err
	}
	if p.Settled() || p.Decider != vatID {
		return "", fmt.Errorf("%w: %s cannot use %s as a result", ErrIllegalSyscall, vatID, vpid)
	}
	return kpid, k.keeper.SetDecider(kpid, "")
}

func (k *Kernel) promiseRef(vatID, vref string) (string, error) {
	kref, err := k.keeper.MapVatToKernel(vatID, vref)
	if err != nil {
		return "", err
	}
	if !vat.IsKernelPromise(kref) {
		return "", fmt.Errorf("%w: %s is not a promise", ErrIllegalSyscall, vref)
	}
	return kref, nil
}

// importRef looks up an existing c-list entry without allocating.
func (k *Kernel) importRef(vatID, vref string) (string, error) {
	kref, ok, err := k.keeper.KernelRefFor(vatID, vref)
	if err != nil {
		return "", err
	}
	if !ok || !vat.IsKernelObject(kref) {
		return "", fmt.Errorf("%w: %s has no object %s", keeper.ErrIllegalReference, vatID, vref)
	}
	return kref, nil
}

func (k *Kernel) gcSyscall(vatID string, sc vat.Syscall) error {
	for _, vref := range sc.Refs {
		kref, err := k.importRef(vatID, vref)
		if err != nil {
			return err
		}
		switch sc.Type {
		case vat.SyscallDropImports:
			err = k.keeper.DropReference(vatID, kref)
		case vat.SyscallRetireImports:
			err = k.keeper.RetireReference(vatID, kref)
		case vat.SyscallRetireExports:
			var importers []string
			if importers, err = k.keeper.RetireExport(vatID, kref); err == nil {
				err = k.keeper.ScheduleRetireImports(importers, kref)
			}
		case vat.SyscallAbandonExports:
			err = k.keeper.AbandonExport(vatID, kref)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// callNow invokes a device synchronously. Device errors are handed back to
// the vat rather than failing the delivery.
func (k *Kernel) callNow(vatID string, sc vat.Syscall) (vat.SyscallResult, error) {
	kd, ok, err := k.keeper.KernelRefFor(vatID, sc.Target)
	if err != nil {
		return vat.SyscallResult{}, err
	}
	if !ok || !vat.IsKernelDevice(kd) {
		return vat.SyscallResult{}, fmt.Errorf("%w: %s has no device %s", keeper.ErrIllegalReference, vatID, sc.Target)
	}
	deviceID, err := k.keeper.DeviceOwner(kd)
	if err != nil {
		return vat.SyscallResult{}, err
	}
	impl, ok := k.devices[deviceID]
	if !ok {
		return vat.SyscallResult{}, fmt.Errorf("%w: %s has no implementation", keeper.ErrUnknownDevice, deviceID)
	}
	args, err := sc.Message.Args.MapSlots(func(vref string) (string, error) {
		return k.keeper.MapVatToKernel(vatID, vref)
	})
	if err != nil {
		return vat.SyscallResult{}, err
	}
	res, err := impl.Invoke(device.NewContext(deviceID, k.deviceHost()), sc.Message.Method, args)
	if err != nil {
		return vat.SyscallResult{Error: err.Error()}, nil
	}
	data, err := res.MapSlots(func(kref string) (string, error) {
		return k.keeper.MapKernelToVat(vatID, kref, true)
	})
	if err != nil {
		return vat.SyscallResult{}, err
	}
	return vat.SyscallResult{Data: data}, nil
}

// deviceHost gives devices their narrow view of the kernel.
type deviceHost struct {
	*keeper.Keeper
}

var _ device.Host = deviceHost{}

func (k *Kernel) deviceHost() deviceHost { return deviceHost{Keeper: k.keeper} }

// SendOnly queues a message with no result from a device.
func (h deviceHost) SendOnly(target, method string, args capdata.CapData) error {
	return h.Enqueue(keeper.RunQueueEntry{
		Type:   keeper.EntrySend,
		Target: target,
		Message: vat.Message{
			Method: method,
			Args:   args,
		},
	})
}
