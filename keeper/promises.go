// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package keeper

import (
	"fmt"
	"sort"

	"github.com/ava-labs/vatkernel/capdata"
	"github.com/ava-labs/vatkernel/vat"
)

const kpNextIDKey = "kp.nextID"

// Promise states.
const (
	Unresolved = "unresolved"
	Fulfilled  = "fulfilled"
	Rejected   = "rejected"
)

// Promise is a snapshot of one kernel promise.
type Promise struct {
	ID          string          `json:"id"`
	State       string          `json:"state"`
	Decider     string          `json:"decider,omitempty"`
	Subscribers []string        `json:"subscribers,omitempty"`
	RefCount    uint64          `json:"refCount"`
	Data        capdata.CapData `json:"data"`
	QueueLength uint64          `json:"queueLength"`
}

// Settled reports whether the promise has left the unresolved state.
func (p Promise) Settled() bool { return p.State != Unresolved }

// AddKernelPromise creates an unresolved promise decided by [decider] ("" for
// the kernel).
func (k *Keeper) AddKernelPromise(decider string) (string, error) {
	n, err := k.allocate(kpNextIDKey, 1)
	if err != nil {
		return "", err
	}
	kpid := kernelRef(vat.KernelPromisePrefix, n)
	if err := k.kv.SetString(kpid+".state", Unresolved); err != nil {
		return "", err
	}
	if err := k.kv.SetUint64(kpid+".refCount", 0); err != nil {
		return "", err
	}
	if decider != "" {
		if err := k.kv.SetString(kpid+".decider", decider); err != nil {
			return "", err
		}
	}
	return kpid, nil
}

func (k *Keeper) promiseRefCount(kpid string) (uint64, error) {
	if ok, err := k.kv.Has(kpid + ".state"); err != nil {
		return 0, err
	} else if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownPromise, kpid)
	}
	return k.kv.GetUint64(kpid+".refCount", 0)
}

// GetPromise reads the promise's current state.
func (k *Keeper) GetPromise(kpid string) (Promise, error) {
	state, ok, err := k.kv.GetString(kpid + ".state")
	if err != nil {
		return Promise{}, err
	}
	if !ok {
		return Promise{}, fmt.Errorf("%w: %s", ErrUnknownPromise, kpid)
	}
	p := Promise{ID: kpid, State: state}
	if p.Decider, _, err = k.kv.GetString(kpid + ".decider"); err != nil {
		return Promise{}, err
	}
	if p.Subscribers, err = k.getStrings(kpid + ".subscribers"); err != nil {
		return Promise{}, err
	}
	if p.RefCount, err = k.kv.GetUint64(kpid+".refCount", 0); err != nil {
		return Promise{}, err
	}
	if _, err := k.getRecord(kpid+".data", &p.Data); err != nil {
		return Promise{}, err
	}
	head, tail, err := k.queueBounds(kpid + ".queue")
	if err != nil {
		return Promise{}, err
	}
	p.QueueLength = tail - head
	return p, nil
}

// PromiseExists reports whether [kpid] is still tracked.
func (k *Keeper) PromiseExists(kpid string) (bool, error) {
	return k.kv.Has(kpid + ".state")
}

// SetDecider assigns the vat that will resolve the promise.
func (k *Keeper) SetDecider(kpid, vatID string) error {
	if vatID == "" {
		return k.kv.Delete(kpid + ".decider")
	}
	return k.kv.SetString(kpid+".decider", vatID)
}

// AddSubscriber registers [vatID] for notification. It reports whether the
// promise is already settled, in which case the caller should notify at
// once.
func (k *Keeper) AddSubscriber(kpid, vatID string) (bool, error) {
	p, err := k.GetPromise(kpid)
	if err != nil {
		return false, err
	}
	if p.Settled() {
		return true, nil
	}
	for _, s := range p.Subscribers {
		if s == vatID {
			return false, nil
		}
	}
	subs := append(p.Subscribers, vatID)
	sort.Strings(subs)
	return false, k.putRecord(kpid+".subscribers", subs)
}

// RemoveSubscriber drops [vatID] from the subscriber set.
func (k *Keeper) RemoveSubscriber(kpid, vatID string) error {
	subs, err := k.getStrings(kpid + ".subscribers")
	if err != nil {
		return err
	}
	return k.putRecord(kpid+".subscribers", remove(subs, vatID))
}

// ResolvePromise settles [kpid] once. It returns the subscribers to notify
// and the messages that were queued on the promise, in queue order. The
// resolution data takes a reference on each of its slots.
func (k *Keeper) ResolvePromise(kpid string, rejected bool, data capdata.CapData) ([]string, []vat.Message, error) {
	p, err := k.GetPromise(kpid)
	if err != nil {
		return nil, nil, err
	}
	if p.Settled() {
		return nil, nil, fmt.Errorf("%w: %s", ErrAlreadySettled, kpid)
	}
	state := Fulfilled
	if rejected {
		state = Rejected
	}
	if err := k.IncrementSlots(data.Slots); err != nil {
		return nil, nil, err
	}
	if err := k.putRecord(kpid+".data", &data); err != nil {
		return nil, nil, err
	}
	if err := k.kv.SetString(kpid+".state", state); err != nil {
		return nil, nil, err
	}
	if err := k.kv.Delete(kpid + ".decider"); err != nil {
		return nil, nil, err
	}
	if err := k.kv.Delete(kpid + ".subscribers"); err != nil {
		return nil, nil, err
	}
	queued, err := k.drainPromiseQueue(kpid)
	if err != nil {
		return nil, nil, err
	}
	return p.Subscribers, queued, nil
}

// EnqueueOnPromise parks [msg] until [kpid] settles. The parked message
// holds references to the promise, its slots and its result.
func (k *Keeper) EnqueueOnPromise(kpid string, msg vat.Message) error {
	if err := k.IncrementRefCount(kpid, false); err != nil {
		return err
	}
	if err := k.incrementMessage(msg); err != nil {
		return err
	}
	return k.pushQueue(kpid+".queue", &msg)
}

func (k *Keeper) drainPromiseQueue(kpid string) ([]vat.Message, error) {
	var out []vat.Message
	for {
		var msg vat.Message
		ok, err := k.popQueue(kpid+".queue", &msg)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if err := k.decrementMessage(msg); err != nil {
			return nil, err
		}
		if err := k.DecrementRefCount(kpid, false); err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	if err := k.kv.Delete(kpid + ".queue.head"); err != nil {
		return nil, err
	}
	return out, k.kv.Delete(kpid + ".queue.tail")
}

// deletePromise removes a promise nobody references any more. Parked
// messages hold a reference, so its queue is already empty.
func (k *Keeper) deletePromise(kpid string) error {
	p, err := k.GetPromise(kpid)
	if err != nil {
		return err
	}
	if p.Settled() {
		if err := k.DecrementSlots(p.Data.Slots); err != nil {
			return err
		}
	}
	for _, suffix := range []string{".state", ".decider", ".subscribers", ".refCount", ".data", ".queue.head", ".queue.tail"} {
		if err := k.kv.Delete(kpid + suffix); err != nil {
			return err
		}
	}
	return nil
}

// PromisesDecidedBy lists the unresolved promises [vatID] decides, by
// scanning its c-list.
func (k *Keeper) PromisesDecidedBy(vatID string) ([]string, error) {
	var out []string
	err := k.kv.IteratePrefix(vatID+".c.kp", func(key string, _ []byte) error {
		kpid := key[len(vatID)+3:]
		p, err := k.GetPromise(kpid)
		if err != nil {
			return err
		}
		if !p.Settled() && p.Decider == vatID {
			out = append(out, kpid)
		}
		return nil
	})
	return out, err
}

func (k *Keeper) incrementMessage(msg vat.Message) error {
	if msg.Result != "" {
		if err := k.IncrementRefCount(msg.Result, false); err != nil {
			return err
		}
	}
	return k.IncrementSlots(msg.Args.Slots)
}

func (k *Keeper) decrementMessage(msg vat.Message) error {
	if msg.Result != "" {
		if err := k.DecrementRefCount(msg.Result, false); err != nil {
			return err
		}
	}
	return k.DecrementSlots(msg.Args.Slots)
}
