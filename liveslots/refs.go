// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package liveslots

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.starlark.net/starlark"

	"github.com/ava-labs/vatkernel/capdata"
	"github.com/ava-labs/vatkernel/vat"
)

const (
	baggageKey    = "baggage"
	countersKey   = "idCounters"
	durablePrefix = "d."
	userPrefix    = "u."
)

var (
	errEphemeralInStore = errors.New("only durable objects and imports can be stored durably")
	errDisavowed        = errors.New("presence has been disavowed")
	errUnknownDurable   = errors.New("durable object has no stored state")
	errLostPromise      = errors.New("promise is no longer known to the kernel")
)

// compareVrefs orders vrefs by kind, direction, durability and number, so
// tables iterate deterministically.
func compareVrefs(a, b interface{}) int {
	as, bs := a.(string), b.(string)
	ar, aerr := vat.ParseRef(as)
	br, berr := vat.ParseRef(bs)
	if aerr != nil || berr != nil {
		return strings.Compare(as, bs)
	}
	switch {
	case ar.Kind != br.Kind:
		return int(ar.Kind) - int(br.Kind)
	case ar.Exported != br.Exported:
		if ar.Exported {
			return -1
		}
		return 1
	case ar.Durable != br.Durable:
		if br.Durable {
			return -1
		}
		return 1
	case ar.ID < br.ID:
		return -1
	case ar.ID > br.ID:
		return 1
	}
	return 0
}

func (r *Runtime) newInstance(kind *Kind, state *starlark.Dict, durable bool) *Instance {
	var vref string
	if durable {
		vref = vat.MakeDurableRef(r.counters.Durable)
		r.counters.Durable++
	} else {
		vref = vat.MakeRef(vat.Object, true, r.counters.Export)
		r.counters.Export++
	}
	inst := &Instance{vref: vref, kind: kind, state: state, durable: durable}
	r.instances.Put(vref, inst)
	return inst
}

func (r *Runtime) newPromise() *Promise {
	p := &Promise{
		vpid:  vat.MakeRef(vat.Promise, true, r.counters.Promise),
		state: unresolved,
		known: true,
	}
	r.counters.Promise++
	r.promises.Put(p.vpid, p)
	return p
}

func (r *Runtime) presence(vref string) *Presence {
	if v, ok := r.imports.Get(vref); ok {
		return v.(*Presence)
	}
	p := &Presence{vref: vref}
	r.imports.Put(vref, p)
	return p
}

// importPromise returns the promise for a vpid the kernel handed us. A
// newly seen promise that is not a message result is subscribed to.
func (r *Runtime) importPromise(vpid string, asResult bool) *Promise {
	if v, ok := r.promises.Get(vpid); ok {
		p := v.(*Promise)
		if asResult {
			p.decided = true
		}
		return p
	}
	p := &Promise{vpid: vpid, state: unresolved, known: true, decided: asResult}
	r.promises.Put(vpid, p)
	if !asResult {
		_, _ = r.syscall(vat.Syscall{Type: vat.SyscallSubscribe, Target: vpid})
	}
	return p
}

// exportRef names a value in a message or resolution bound for the kernel.
func (r *Runtime) exportRef(v starlark.Value) (string, error) {
	switch v := v.(type) {
	case *Instance:
		v.exported = true
		v.dropped = false
		return v.vref, nil
	case *Presence:
		if v.disavowed {
			return "", fmt.Errorf("%w: %s", errDisavowed, v.vref)
		}
		return v.vref, nil
	case *Promise:
		if v.known {
			return v.vpid, nil
		}
		if !v.settled() {
			return "", fmt.Errorf("%w: %s", errLostPromise, v.vpid)
		}
		r.promises.Remove(v.vpid)
		v.vpid = vat.MakeRef(vat.Promise, true, r.counters.Promise)
		r.counters.Promise++
		v.known = true
		r.promises.Put(v.vpid, v)
		r.resolving = append(r.resolving, v)
		return v.vpid, nil
	}
	return "", fmt.Errorf("%w: %s", errNotSerializable, v.Type())
}

// flushResolving resolves already-settled promises that were just
// introduced to the kernel by the preceding syscall.
func (r *Runtime) flushResolving() error {
	for len(r.resolving) > 0 {
		p := r.resolving[0]
		r.resolving = r.resolving[1:]
		data, err := encodeValue(p.value, r.exportRef)
		if err != nil {
			return err
		}
		if _, err := r.syscall(vat.Syscall{
			Type:        vat.SyscallResolve,
			Resolutions: []vat.Resolution{{ID: p.vpid, Rejected: p.state == rejected, Data: data}},
		}); err != nil {
			return err
		}
		p.known = false
	}
	return nil
}

// resolveKernel turns a vref from the kernel into a value.
func (r *Runtime) resolveKernel(vref string) (starlark.Value, error) {
	ref, err := vat.ParseRef(vref)
	if err != nil {
		return nil, err
	}
	switch {
	case ref.Kind == vat.Promise:
		return r.importPromise(vref, false), nil
	case !ref.Exported:
		return r.presence(vref), nil
	}
	if v, ok := r.instances.Get(vref); ok {
		return v.(*Instance), nil
	}
	if ref.Durable {
		return r.loadDurable(vref)
	}
	return nil, fmt.Errorf("%w: %s", errBadSlot, vref)
}

// storageRef names a value being written to the vatstore.
func (r *Runtime) storageRef(v starlark.Value) (string, error) {
	switch v := v.(type) {
	case *Instance:
		if !v.durable {
			return "", fmt.Errorf("%w: %s", errEphemeralInStore, v)
		}
		return v.vref, nil
	case *Presence:
		if v.disavowed {
			return "", fmt.Errorf("%w: %s", errDisavowed, v.vref)
		}
		return v.vref, nil
	}
	return "", fmt.Errorf("%w: %s", errEphemeralInStore, v.Type())
}

func (r *Runtime) resolveStorage(vref string) (starlark.Value, error) {
	ref, err := vat.ParseRef(vref)
	if err != nil {
		return nil, err
	}
	switch {
	case ref.Kind == vat.Promise:
		return nil, fmt.Errorf("%w: %s", errEphemeralInStore, vref)
	case !ref.Exported:
		return r.presence(vref), nil
	}
	if v, ok := r.instances.Get(vref); ok {
		return v.(*Instance), nil
	}
	if ref.Durable {
		return r.loadDurable(vref)
	}
	return nil, fmt.Errorf("%w: %s", errBadSlot, vref)
}

type durableRecord struct {
	Kind  string          `json:"kind"`
	State capdata.CapData `json:"state"`
}

func (r *Runtime) vatstoreGet(key string) ([]byte, bool, error) {
	res, err := r.syscall(vat.Syscall{Type: vat.SyscallVatstoreGet, Key: key})
	if err != nil {
		return nil, false, err
	}
	return res.Value, res.Found, nil
}

func (r *Runtime) vatstoreSet(key string, value []byte) error {
	_, err := r.syscall(vat.Syscall{Type: vat.SyscallVatstoreSet, Key: key, Value: value})
	return err
}

func (r *Runtime) vatstoreDelete(key string) error {
	_, err := r.syscall(vat.Syscall{Type: vat.SyscallVatstoreDelete, Key: key})
	return err
}

// loadDurable faults a durable object in from the vatstore.
func (r *Runtime) loadDurable(vref string) (*Instance, error) {
	b, found, err := r.vatstoreGet(durablePrefix + vref)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", errUnknownDurable, vref)
	}
	var rec durableRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse durable object %s: %w", vref, err)
	}
	kind, ok := r.kinds[rec.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q for %s", errUnknownKind, rec.Kind, vref)
	}
	inst := &Instance{vref: vref, kind: kind, state: starlark.NewDict(0), durable: true, exported: true}
	r.instances.Put(vref, inst)
	r.flushed.Put(durablePrefix+vref, string(b))
	state, err := decodeValue(rec.State, r.resolveStorage)
	if err != nil {
		return nil, err
	}
	d, ok := state.(*starlark.Dict)
	if !ok {
		return nil, fmt.Errorf("durable object %s has non-dict state", vref)
	}
	inst.state = d
	return inst, nil
}

func (r *Runtime) loadBaggage() (*starlark.Dict, error) {
	if r.baggage != nil {
		return r.baggage, nil
	}
	b, found, err := r.vatstoreGet(baggageKey)
	if err != nil {
		return nil, err
	}
	if !found {
		r.baggage = starlark.NewDict(0)
		return r.baggage, nil
	}
	var cd capdata.CapData
	if err := json.Unmarshal(b, &cd); err != nil {
		return nil, fmt.Errorf("failed to parse baggage: %w", err)
	}
	r.flushed.Put(baggageKey, string(b))
	v, err := decodeValue(cd, r.resolveStorage)
	if err != nil {
		return nil, err
	}
	d, ok := v.(*starlark.Dict)
	if !ok {
		return nil, errors.New("baggage is not a dict")
	}
	r.baggage = d
	return d, nil
}

func (r *Runtime) loadCounters() error {
	b, found, err := r.vatstoreGet(countersKey)
	if err != nil || !found {
		return err
	}
	var c counters
	if err := json.Unmarshal(b, &c); err != nil {
		return fmt.Errorf("failed to parse id counters: %w", err)
	}
	r.counters = c
	r.flushed.Put(countersKey, string(b))
	return nil
}

func (r *Runtime) writeIfChanged(key string, value []byte) error {
	if prev, ok := r.flushed.Get(key); ok && prev.(string) == string(value) {
		return nil
	}
	if err := r.vatstoreSet(key, value); err != nil {
		return err
	}
	r.flushed.Put(key, string(value))
	return nil
}

// flush writes durable state that changed during the delivery: durable
// objects, baggage and the id counters.
func (r *Runtime) flush() error {
	it := r.instances.Iterator()
	for it.Next() {
		inst := it.Value().(*Instance)
		if !inst.durable {
			continue
		}
		state, err := encodeValue(inst.state, r.storageRef)
		if err != nil {
			return err
		}
		b, err := json.Marshal(durableRecord{Kind: inst.kind.name, State: state})
		if err != nil {
			return err
		}
		if err := r.writeIfChanged(durablePrefix+inst.vref, b); err != nil {
			return err
		}
	}
	if r.baggage != nil {
		cd, err := encodeValue(r.baggage, r.storageRef)
		if err != nil {
			return err
		}
		b, err := json.Marshal(cd)
		if err != nil {
			return err
		}
		if err := r.writeIfChanged(baggageKey, b); err != nil {
			return err
		}
	}
	b, err := json.Marshal(r.counters)
	if err != nil {
		return err
	}
	return r.writeIfChanged(countersKey, b)
}
