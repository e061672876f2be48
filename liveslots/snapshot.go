// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package liveslots

import (
	"encoding/json"
	"fmt"

	"go.starlark.net/starlark"

	"github.com/ava-labs/vatkernel/capdata"
)

type instanceRecord struct {
	VRef     string          `json:"vref"`
	Kind     string          `json:"kind"`
	State    capdata.CapData `json:"state"`
	Durable  bool            `json:"durable,omitempty"`
	Exported bool            `json:"exported,omitempty"`
	Dropped  bool            `json:"dropped,omitempty"`
}

type importRecord struct {
	VRef      string `json:"vref"`
	Dropped   bool   `json:"dropped,omitempty"`
	Disavowed bool   `json:"disavowed,omitempty"`
}

type watcherRecord struct {
	Target     string `json:"target,omitempty"`
	OnFulfill  string `json:"onFulfill,omitempty"`
	OnReject   string `json:"onReject,omitempty"`
	ForwardsTo string `json:"forwardsTo,omitempty"`
}

type queuedRecord struct {
	Method string          `json:"method"`
	Args   capdata.CapData `json:"args"`
	Result string          `json:"result,omitempty"`
}

type promiseRecord struct {
	VPID     string           `json:"vpid"`
	State    string           `json:"state"`
	Value    *capdata.CapData `json:"value,omitempty"`
	Decided  bool             `json:"decided,omitempty"`
	Known    bool             `json:"known,omitempty"`
	Watchers []watcherRecord  `json:"watchers,omitempty"`
	Queue    []queuedRecord   `json:"queue,omitempty"`
}

type flushedRecord struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type heapImage struct {
	Counters  counters         `json:"counters"`
	Instances []instanceRecord `json:"instances"`
	Imports   []importRecord   `json:"imports"`
	Promises  []promiseRecord  `json:"promises"`
	Baggage   *capdata.CapData `json:"baggage,omitempty"`
	Flushed   []flushedRecord  `json:"flushed"`
}

func heapRef(v starlark.Value) (string, error) {
	switch v := v.(type) {
	case *Instance:
		return v.vref, nil
	case *Presence:
		return v.vref, nil
	case *Promise:
		return v.vpid, nil
	}
	return "", fmt.Errorf("%w: %s", errNotSerializable, v.Type())
}

// Snapshot serializes the heap. Tables are written in vref order, so equal
// heaps produce equal bytes.
func (r *Runtime) Snapshot() ([]byte, error) {
	img := heapImage{Counters: r.counters}

	it := r.instances.Iterator()
	for it.Next() {
		inst := it.Value().(*Instance)
		state, err := encodeValue(inst.state, heapRef)
		if err != nil {
			return nil, fmt.Errorf("failed to snapshot %s: %w", inst, err)
		}
		img.Instances = append(img.Instances, instanceRecord{
			VRef:     inst.vref,
			Kind:     inst.kind.name,
			State:    state,
			Durable:  inst.durable,
			Exported: inst.exported,
			Dropped:  inst.dropped,
		})
	}
	iit := r.imports.Iterator()
	for iit.Next() {
		p := iit.Value().(*Presence)
		img.Imports = append(img.Imports, importRecord{VRef: p.vref, Dropped: p.dropped, Disavowed: p.disavowed})
	}
	pit := r.promises.Iterator()
	for pit.Next() {
		p := pit.Value().(*Promise)
		rec := promiseRecord{VPID: p.vpid, State: p.state, Decided: p.decided, Known: p.known}
		if p.value != nil {
			cd, err := encodeValue(p.value, heapRef)
			if err != nil {
				return nil, fmt.Errorf("failed to snapshot %s: %w", p, err)
			}
			rec.Value = &cd
		}
		for _, w := range p.watchers {
			rec.Watchers = append(rec.Watchers, watcherRecord{
				Target:     w.target,
				OnFulfill:  w.onFulfill,
				OnReject:   w.onReject,
				ForwardsTo: w.forwardsTo,
			})
		}
		for _, q := range p.queue {
			args, err := encodeValue(q.args, heapRef)
			if err != nil {
				return nil, err
			}
			rec.Queue = append(rec.Queue, queuedRecord{Method: q.method, Args: args, Result: q.result})
		}
		img.Promises = append(img.Promises, rec)
	}
	if r.baggage != nil {
		cd, err := encodeValue(r.baggage, heapRef)
		if err != nil {
			return nil, err
		}
		img.Baggage = &cd
	}
	fit := r.flushed.Iterator()
	for fit.Next() {
		img.Flushed = append(img.Flushed, flushedRecord{Key: fit.Key().(string), Value: fit.Value().(string)})
	}
	return json.Marshal(img)
}

// LoadSnapshot replaces the heap with a serialized one. The bundle must
// already be evaluated so kinds can be found by name.
func (r *Runtime) LoadSnapshot(blob []byte) error {
	if r.globals == nil {
		return errNotEvaluated
	}
	var img heapImage
	if err := json.Unmarshal(blob, &img); err != nil {
		return fmt.Errorf("failed to parse snapshot: %w", err)
	}
	r.reset()
	r.counters = img.Counters

	// Allocate every object first so state can refer to any of them.
	for _, rec := range img.Instances {
		kind, ok := r.kinds[rec.Kind]
		if !ok {
			return fmt.Errorf("%w: %q", errUnknownKind, rec.Kind)
		}
		r.instances.Put(rec.VRef, &Instance{
			vref:     rec.VRef,
			kind:     kind,
			durable:  rec.Durable,
			exported: rec.Exported,
			dropped:  rec.Dropped,
		})
	}
	for _, rec := range img.Imports {
		r.imports.Put(rec.VRef, &Presence{vref: rec.VRef, dropped: rec.Dropped, disavowed: rec.Disavowed})
	}
	for _, rec := range img.Promises {
		p := &Promise{vpid: rec.VPID, state: rec.State, decided: rec.Decided, known: rec.Known}
		for _, w := range rec.Watchers {
			p.watchers = append(p.watchers, watcher{
				target:     w.Target,
				onFulfill:  w.OnFulfill,
				onReject:   w.OnReject,
				forwardsTo: w.ForwardsTo,
			})
		}
		r.promises.Put(rec.VPID, p)
	}

	resolve := func(id string) (starlark.Value, error) {
		if v, ok := r.instances.Get(id); ok {
			return v.(*Instance), nil
		}
		if v, ok := r.imports.Get(id); ok {
			return v.(*Presence), nil
		}
		if v, ok := r.promises.Get(id); ok {
			return v.(*Promise), nil
		}
		return nil, fmt.Errorf("%w: %s", errBadSlot, id)
	}
	for _, rec := range img.Instances {
		v, _ := r.instances.Get(rec.VRef)
		state, err := decodeValue(rec.State, resolve)
		if err != nil {
			return err
		}
		d, ok := state.(*starlark.Dict)
		if !ok {
			return fmt.Errorf("snapshot state of %s is not a dict", rec.VRef)
		}
		v.(*Instance).state = d
	}
	for _, rec := range img.Promises {
		v, _ := r.promises.Get(rec.VPID)
		p := v.(*Promise)
		if rec.Value != nil {
			val, err := decodeValue(*rec.Value, resolve)
			if err != nil {
				return err
			}
			p.value = val
		}
		for _, q := range rec.Queue {
			argv, err := decodeValue(q.Args, resolve)
			if err != nil {
				return err
			}
			args, err := toTuple(argv)
			if err != nil {
				return err
			}
			p.queue = append(p.queue, pipelined{method: q.Method, args: args, result: q.Result})
		}
	}
	if img.Baggage != nil {
		v, err := decodeValue(*img.Baggage, resolve)
		if err != nil {
			return err
		}
		d, ok := v.(*starlark.Dict)
		if !ok {
			return fmt.Errorf("snapshot baggage is not a dict")
		}
		r.baggage = d
	}
	for _, rec := range img.Flushed {
		r.flushed.Put(rec.Key, rec.Value)
	}
	return nil
}

func (r *Runtime) heapSize() (uint64, error) {
	b, err := r.Snapshot()
	return uint64(len(b)), err
}
