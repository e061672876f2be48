// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package keeper

import (
	"strconv"

	"github.com/ava-labs/avalanchego/ids"

	"github.com/ava-labs/vatkernel/capdata"
	"github.com/ava-labs/vatkernel/vat"
)

const runQueuePrefix = "runQueue"

// Run-queue entry types.
const (
	EntrySend             = "send"
	EntryNotify           = "notify"
	EntryCreateVat        = "create-vat"
	EntryUpgradeVat       = "upgrade-vat"
	EntryTerminateVat     = "terminate-vat"
	EntryDropExports      = "dropExports"
	EntryRetireExports    = "retireExports"
	EntryRetireImports    = "retireImports"
	EntryBringOutYourDead = "bringOutYourDead"
)

// RunQueueEntry is one pending action. Only the fields relevant to Type are
// set.
type RunQueueEntry struct {
	Type     string          `serialize:"true" json:"type"`
	VatID    string          `serialize:"true" json:"vatID,omitempty"`
	Target   string          `serialize:"true" json:"target,omitempty"`
	Message  vat.Message     `serialize:"true" json:"message"`
	KPID     string          `serialize:"true" json:"kpid,omitempty"`
	KRefs    []string        `serialize:"true" json:"krefs,omitempty"`
	BundleID ids.ID          `serialize:"true" json:"bundleID"`
	Params   capdata.CapData `serialize:"true" json:"params"`
	Options  VatOptions      `serialize:"true" json:"options"`
	Reason   capdata.CapData `serialize:"true" json:"reason"`
}

// References lists the krefs an entry keeps alive while queued. GC actions
// hold none, since they exist to release references.
func (e RunQueueEntry) References() []string {
	switch e.Type {
	case EntrySend:
		refs := []string{e.Target}
		if e.Message.Result != "" {
			refs = append(refs, e.Message.Result)
		}
		return append(refs, e.Message.Args.Slots...)
	case EntryNotify:
		return []string{e.KPID}
	case EntryCreateVat, EntryUpgradeVat:
		return append([]string(nil), e.Params.Slots...)
	case EntryTerminateVat:
		return append([]string(nil), e.Reason.Slots...)
	}
	return nil
}

func (k *Keeper) queueBounds(prefix string) (uint64, uint64, error) {
	head, err := k.kv.GetUint64(prefix+".head", 0)
	if err != nil {
		return 0, 0, err
	}
	tail, err := k.kv.GetUint64(prefix+".tail", 0)
	return head, tail, err
}

func (k *Keeper) pushQueue(prefix string, rec interface{}) error {
	_, tail, err := k.queueBounds(prefix)
	if err != nil {
		return err
	}
	if err := k.putRecord(prefix+"."+strconv.FormatUint(tail, 10), rec); err != nil {
		return err
	}
	return k.kv.SetUint64(prefix+".tail", tail+1)
}

func (k *Keeper) popQueue(prefix string, dst interface{}) (bool, error) {
	head, tail, err := k.queueBounds(prefix)
	if err != nil || head == tail {
		return false, err
	}
	key := prefix + "." + strconv.FormatUint(head, 10)
	if _, err := k.getRecord(key, dst); err != nil {
		return false, err
	}
	if err := k.kv.Delete(key); err != nil {
		return false, err
	}
	return true, k.kv.SetUint64(prefix+".head", head+1)
}

// Enqueue appends [e] to the run queue, taking references on its krefs.
func (k *Keeper) Enqueue(e RunQueueEntry) error {
	for _, kref := range e.References() {
		if err := k.IncrementRefCount(kref, false); err != nil {
			return err
		}
	}
	return k.pushQueue(runQueuePrefix, &e)
}

// Dequeue pops the head of the run queue and releases its references.
func (k *Keeper) Dequeue() (RunQueueEntry, bool, error) {
	var e RunQueueEntry
	ok, err := k.popQueue(runQueuePrefix, &e)
	if err != nil || !ok {
		return RunQueueEntry{}, false, err
	}
	for _, kref := range e.References() {
		if err := k.DecrementRefCount(kref, false); err != nil {
			return RunQueueEntry{}, false, err
		}
	}
	return e, true, nil
}

// RunQueueLength returns the number of pending entries.
func (k *Keeper) RunQueueLength() (uint64, error) {
	head, tail, err := k.queueBounds(runQueuePrefix)
	return tail - head, err
}

// IsRunQueueEmpty reports whether no entries are pending.
func (k *Keeper) IsRunQueueEmpty() (bool, error) {
	n, err := k.RunQueueLength()
	return n == 0, err
}

// RunQueueEntries lists pending entries without removing them.
func (k *Keeper) RunQueueEntries() ([]RunQueueEntry, error) {
	head, tail, err := k.queueBounds(runQueuePrefix)
	if err != nil {
		return nil, err
	}
	out := make([]RunQueueEntry, 0, tail-head)
	for i := head; i < tail; i++ {
		var e RunQueueEntry
		if _, err := k.getRecord(runQueuePrefix+"."+strconv.FormatUint(i, 10), &e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
