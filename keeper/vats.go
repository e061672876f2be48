// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package keeper

import (
	"fmt"

	"github.com/ava-labs/avalanchego/ids"

	"github.com/ava-labs/vatkernel/capdata"
	"github.com/ava-labs/vatkernel/worker"
)

const (
	vatNextIDKey     = "vat.nextID"
	vatNamesKey      = "vat.names"
	vatDynamicIDsKey = "vat.dynamicIDs"
	vatTerminatedKey = "vat.terminated"
	vatNamePrefix    = "vat.name."
)

// DirtThreshold decides when a vat is due for a bringOutYourDead sweep. A
// zero dimension never triggers; Never disables sweeps altogether.
type DirtThreshold struct {
	Deliveries uint64 `serialize:"true" json:"deliveries"`
	GCKrefs    uint64 `serialize:"true" json:"gcKrefs"`
	Computrons uint64 `serialize:"true" json:"computrons"`
	Never      bool   `serialize:"true" json:"never"`
}

// Dirt is what a vat has accumulated since its last sweep.
type Dirt struct {
	Deliveries uint64 `serialize:"true" json:"deliveries"`
	GCKrefs    uint64 `serialize:"true" json:"gcKrefs"`
	Computrons uint64 `serialize:"true" json:"computrons"`
}

// Exceeds reports whether any enabled dimension of [t] has been reached.
func (d Dirt) Exceeds(t DirtThreshold) bool {
	if t.Never {
		return false
	}
	return (t.Deliveries > 0 && d.Deliveries >= t.Deliveries) ||
		(t.GCKrefs > 0 && d.GCKrefs >= t.GCKrefs) ||
		(t.Computrons > 0 && d.Computrons >= t.Computrons)
}

// VatOptions is the validated, durable configuration of a vat.
type VatOptions struct {
	Worker            worker.Options `serialize:"true" json:"worker"`
	EnablePipelining  bool           `serialize:"true" json:"enablePipelining"`
	EnableDisavow     bool           `serialize:"true" json:"enableDisavow"`
	UseTranscript     bool           `serialize:"true" json:"useTranscript"`
	Critical          bool           `serialize:"true" json:"critical"`
	ReapDirtThreshold DirtThreshold  `serialize:"true" json:"reapDirtThreshold"`
}

// VatRecord is the static configuration of a live vat.
type VatRecord struct {
	VatID       string          `serialize:"true" json:"vatID"`
	Name        string          `serialize:"true" json:"name"`
	Dynamic     bool            `serialize:"true" json:"dynamic"`
	BundleID    ids.ID          `serialize:"true" json:"bundleID"`
	Parameters  capdata.CapData `serialize:"true" json:"parameters"`
	Incarnation uint64          `serialize:"true" json:"incarnation"`
	Options     VatOptions      `serialize:"true" json:"options"`
}

// TranscriptStream names the stream of the record's current incarnation.
func (r VatRecord) TranscriptStream() string {
	return TranscriptStream(r.VatID, r.Incarnation)
}

// TranscriptStream names the transcript stream of one vat incarnation.
func TranscriptStream(vatID string, incarnation uint64) string {
	return fmt.Sprintf("%s.%d", vatID, incarnation)
}

func (k *Keeper) getStrings(key string) ([]string, error) {
	var out []string
	_, err := k.getRecord(key, &out)
	return out, err
}

// AllocateVatID reserves a new vat ID under [name].
func (k *Keeper) AllocateVatID(name string, dynamic bool) (string, error) {
	if _, ok, err := k.kv.Get(vatNamePrefix + name); err != nil {
		return "", err
	} else if ok {
		return "", fmt.Errorf("vat name %q already in use", name)
	}
	n, err := k.allocate(vatNextIDKey, 1)
	if err != nil {
		return "", err
	}
	vatID := kernelRef("v", n)
	if err := k.kv.SetString(vatNamePrefix+name, vatID); err != nil {
		return "", err
	}
	names, err := k.getStrings(vatNamesKey)
	if err != nil {
		return "", err
	}
	if err := k.putRecord(vatNamesKey, append(names, name)); err != nil {
		return "", err
	}
	if dynamic {
		dyn, err := k.getStrings(vatDynamicIDsKey)
		if err != nil {
			return "", err
		}
		if err := k.putRecord(vatDynamicIDsKey, append(dyn, vatID)); err != nil {
			return "", err
		}
	}
	return vatID, nil
}

// VatIDForName resolves a vat name.
func (k *Keeper) VatIDForName(name string) (string, error) {
	vatID, ok, err := k.kv.GetString(vatNamePrefix + name)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: name %q", ErrUnknownVat, name)
	}
	return vatID, nil
}

// VatIDs lists live vats in creation order.
func (k *Keeper) VatIDs() ([]string, error) {
	names, err := k.getStrings(vatNamesKey)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(names))
	for _, name := range names {
		vatID, err := k.VatIDForName(name)
		if err != nil {
			return nil, err
		}
		out = append(out, vatID)
	}
	return out, nil
}

// DynamicVatIDs lists live vats created after genesis.
func (k *Keeper) DynamicVatIDs() ([]string, error) {
	return k.getStrings(vatDynamicIDsKey)
}

// TerminatedVatIDs lists vats removed by termination.
func (k *Keeper) TerminatedVatIDs() ([]string, error) {
	return k.getStrings(vatTerminatedKey)
}

// PutVatRecord writes the vat's configuration.
func (k *Keeper) PutVatRecord(rec VatRecord) error {
	return k.putRecord(rec.VatID+".record", &rec)
}

// GetVatRecord reads the vat's configuration.
func (k *Keeper) GetVatRecord(vatID string) (VatRecord, error) {
	var rec VatRecord
	ok, err := k.getRecord(vatID+".record", &rec)
	if err != nil {
		return VatRecord{}, err
	}
	if !ok {
		return VatRecord{}, fmt.Errorf("%w: %s", ErrUnknownVat, vatID)
	}
	return rec, nil
}

// IsVatAlive reports whether the vat exists and has not been terminated.
func (k *Keeper) IsVatAlive(vatID string) (bool, error) {
	return k.kv.Has(vatID + ".record")
}

// RemoveVat deletes the vat's record, name and every key it owns. The ID is
// remembered as terminated and never reused.
func (k *Keeper) RemoveVat(vatID string) error {
	rec, err := k.GetVatRecord(vatID)
	if err != nil {
		return err
	}
	if err := k.kv.DeletePrefix(vatID + "."); err != nil {
		return err
	}
	if err := k.kv.Delete(vatNamePrefix + rec.Name); err != nil {
		return err
	}
	names, err := k.getStrings(vatNamesKey)
	if err != nil {
		return err
	}
	if err := k.putRecord(vatNamesKey, remove(names, rec.Name)); err != nil {
		return err
	}
	dyn, err := k.getStrings(vatDynamicIDsKey)
	if err != nil {
		return err
	}
	if err := k.putRecord(vatDynamicIDsKey, remove(dyn, vatID)); err != nil {
		return err
	}
	dead, err := k.getStrings(vatTerminatedKey)
	if err != nil {
		return err
	}
	return k.putRecord(vatTerminatedKey, append(dead, vatID))
}

// VatstoreGet reads a key from the vat's durable store.
func (k *Keeper) VatstoreGet(vatID, key string) ([]byte, bool, error) {
	return k.kv.Get(vatID + ".vs." + key)
}

// VatstoreSet writes a key in the vat's durable store.
func (k *Keeper) VatstoreSet(vatID, key string, value []byte) error {
	return k.kv.Set(vatID+".vs."+key, value)
}

// VatstoreDelete removes a key from the vat's durable store.
func (k *Keeper) VatstoreDelete(vatID, key string) error {
	return k.kv.Delete(vatID + ".vs." + key)
}

// GetDirt returns the vat's accumulated dirt.
func (k *Keeper) GetDirt(vatID string) (Dirt, error) {
	var d Dirt
	_, err := k.getRecord(vatID+".reapDirt", &d)
	return d, err
}

// SetDirt records the vat's accumulated dirt.
func (k *Keeper) SetDirt(vatID string, d Dirt) error {
	return k.putRecord(vatID+".reapDirt", &d)
}

func remove(list []string, item string) []string {
	out := list[:0:0]
	for _, s := range list {
		if s != item {
			out = append(out, s)
		}
	}
	return out
}
