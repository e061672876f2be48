// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package liveslots

import (
	"go.starlark.net/starlark"

	"github.com/ava-labs/vatkernel/vat"
)

func (r *Runtime) dropExports(vrefs []string) {
	for _, vref := range vrefs {
		if v, ok := r.instances.Get(vref); ok {
			v.(*Instance).dropped = true
		}
	}
}

func (r *Runtime) retireExports(vrefs []string) {
	for _, vref := range vrefs {
		if v, ok := r.instances.Get(vref); ok {
			inst := v.(*Instance)
			inst.exported = false
			inst.dropped = false
		}
	}
}

func (r *Runtime) retireImports(vrefs []string) {
	for _, vref := range vrefs {
		r.imports.Remove(vref)
	}
}

type marker struct {
	r    *Runtime
	seen map[string]bool
	work []starlark.Value
}

func (m *marker) add(v starlark.Value) {
	walk(v, func(ref starlark.Value) {
		var id string
		switch ref := ref.(type) {
		case *Instance:
			id = ref.vref
		case *Presence:
			id = ref.vref
		case *Promise:
			id = ref.vpid
		}
		if !m.seen[id] {
			m.seen[id] = true
			m.work = append(m.work, ref)
		}
	})
}

func (m *marker) addVref(vref string) {
	if v, ok := m.r.instances.Get(vref); ok {
		m.add(v.(*Instance))
	}
}

func (m *marker) run() {
	for len(m.work) > 0 {
		v := m.work[len(m.work)-1]
		m.work = m.work[:len(m.work)-1]
		switch v := v.(type) {
		case *Instance:
			m.add(v.state)
		case *Promise:
			if v.value != nil {
				m.add(v.value)
			}
			for _, w := range v.watchers {
				m.addVref(w.target)
				if w.forwardsTo != "" {
					if p, ok := m.r.promises.Get(w.forwardsTo); ok {
						m.add(p.(*Promise))
					}
				}
			}
			for _, q := range v.queue {
				m.add(q.args)
				if p, ok := m.r.promises.Get(q.result); ok {
					m.add(p.(*Promise))
				}
			}
		}
	}
}

// mark computes everything reachable from the vat's roots: the root object,
// durable objects, baggage, exports the kernel still reaches, and promises
// the kernel may still settle or deliver to.
func (r *Runtime) mark() map[string]bool {
	m := &marker{r: r, seen: make(map[string]bool)}
	it := r.instances.Iterator()
	for it.Next() {
		inst := it.Value().(*Instance)
		if inst.vref == vat.RootRef || inst.durable || (inst.exported && !inst.dropped) {
			m.add(inst)
		}
	}
	if r.baggage != nil {
		m.add(r.baggage)
	}
	pit := r.promises.Iterator()
	for pit.Next() {
		p := pit.Value().(*Promise)
		if !p.settled() && (p.known || p.decided) {
			m.add(p)
		}
	}
	m.run()
	return m.seen
}

// collect drops and retires unreachable imports, retires unreachable
// dropped exports and forgets local garbage. Tables iterate in vref order,
// so the resulting syscalls are deterministic.
func (r *Runtime) collect() error {
	live := r.mark()

	var drops, retires []string
	it := r.imports.Iterator()
	for it.Next() {
		p := it.Value().(*Presence)
		if live[p.vref] {
			continue
		}
		if !p.dropped && p.vref[0] == vat.Object {
			drops = append(drops, p.vref)
		}
		if p.vref[0] == vat.Object {
			retires = append(retires, p.vref)
		}
	}
	var retiredExports, garbage []string
	iit := r.instances.Iterator()
	for iit.Next() {
		inst := iit.Value().(*Instance)
		if live[inst.vref] {
			continue
		}
		if inst.exported {
			retiredExports = append(retiredExports, inst.vref)
		}
		garbage = append(garbage, inst.vref)
	}
	var deadPromises []string
	pit := r.promises.Iterator()
	for pit.Next() {
		p := pit.Value().(*Promise)
		if !live[p.vpid] {
			deadPromises = append(deadPromises, p.vpid)
		}
	}

	if len(drops) > 0 {
		if _, err := r.syscall(vat.Syscall{Type: vat.SyscallDropImports, Refs: drops}); err != nil {
			return err
		}
	}
	if len(retires) > 0 {
		if _, err := r.syscall(vat.Syscall{Type: vat.SyscallRetireImports, Refs: retires}); err != nil {
			return err
		}
	}
	if len(retiredExports) > 0 {
		if _, err := r.syscall(vat.Syscall{Type: vat.SyscallRetireExports, Refs: retiredExports}); err != nil {
			return err
		}
	}
	for _, vref := range retires {
		r.imports.Remove(vref)
	}
	for _, vref := range garbage {
		r.instances.Remove(vref)
	}
	for _, vpid := range deadPromises {
		r.promises.Remove(vpid)
	}
	if len(drops)+len(retiredExports)+len(garbage) > 0 {
		r.log.Debug("collected", "dropped", len(drops), "retiredExports", len(retiredExports), "garbage", len(garbage))
	}
	return nil
}
