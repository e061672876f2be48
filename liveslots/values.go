// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package liveslots

import (
	"fmt"
	"hash/fnv"
	"sort"

	"go.starlark.net/starlark"
)

var (
	_ starlark.HasAttrs = (*Instance)(nil)
	_ starlark.HasAttrs = (*Failure)(nil)
	_ starlark.Value    = (*Kind)(nil)
	_ starlark.Value    = (*Presence)(nil)
	_ starlark.Value    = (*Promise)(nil)
)

func hashString(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}

// Kind is a named behavior shared by instances.
type Kind struct {
	name    string
	methods map[string]starlark.Callable
}

func (k *Kind) String() string        { return fmt.Sprintf("<kind %s>", k.name) }
func (k *Kind) Type() string          { return "kind" }
func (k *Kind) Freeze()               {}
func (k *Kind) Truth() starlark.Bool  { return starlark.True }
func (k *Kind) Hash() (uint32, error) { return hashString("kind:" + k.name), nil }

func (k *Kind) methodNames() []string {
	names := make([]string, 0, len(k.methods))
	for name := range k.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Instance is a local object: a kind plus its mutable state. Every instance
// has a vref from birth; exported records whether the kernel knows it.
type Instance struct {
	vref    string
	kind    *Kind
	state   *starlark.Dict
	durable bool

	exported bool
	// dropped is set once the kernel reports no other vat can reach it.
	dropped bool
}

func (i *Instance) String() string        { return fmt.Sprintf("<%s %s>", i.kind.name, i.vref) }
func (i *Instance) Type() string          { return "instance" }
func (i *Instance) Freeze()               {}
func (i *Instance) Truth() starlark.Bool  { return starlark.True }
func (i *Instance) Hash() (uint32, error) { return hashString(i.vref), nil }

func (i *Instance) Attr(name string) (starlark.Value, error) {
	if name == "state" {
		return i.state, nil
	}
	fn, ok := i.kind.methods[name]
	if !ok {
		return nil, nil
	}
	return starlark.NewBuiltin(i.kind.name+"."+name, func(thread *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		return starlark.Call(thread, fn, append(starlark.Tuple{i}, args...), kwargs)
	}), nil
}

func (i *Instance) AttrNames() []string {
	return append([]string{"state"}, i.kind.methodNames()...)
}

// Presence stands for an object or device node owned elsewhere.
type Presence struct {
	vref      string
	dropped   bool
	disavowed bool
}

func (p *Presence) String() string        { return fmt.Sprintf("<presence %s>", p.vref) }
func (p *Presence) Type() string          { return "presence" }
func (p *Presence) Freeze()               {}
func (p *Presence) Truth() starlark.Bool  { return starlark.True }
func (p *Presence) Hash() (uint32, error) { return hashString(p.vref), nil }

// Promise states.
const (
	unresolved = "unresolved"
	fulfilled  = "fulfilled"
	rejected   = "rejected"
)

type watcher struct {
	target     string // vref of the instance to call
	onFulfill  string
	onReject   string
	forwardsTo string // vpid whose resolution mirrors this one
}

type pipelined struct {
	method string
	args   starlark.Tuple
	result string
}

// Promise is the vat-side view of a kernel promise.
type Promise struct {
	vpid    string
	state   string
	value   starlark.Value
	decided bool
	// known is true while the kernel c-list maps vpid.
	known    bool
	watchers []watcher
	queue    []pipelined
}

func (p *Promise) String() string        { return fmt.Sprintf("<promise %s %s>", p.vpid, p.state) }
func (p *Promise) Type() string          { return "promise" }
func (p *Promise) Freeze()               {}
func (p *Promise) Truth() starlark.Bool  { return starlark.True }
func (p *Promise) Hash() (uint32, error) { return hashString(p.vpid), nil }

func (p *Promise) settled() bool { return p.state != unresolved }

// Failure is a rejection reason as seen by vat code.
type Failure struct {
	message string
}

func (f *Failure) String() string        { return fmt.Sprintf("Failure(%q)", f.message) }
func (f *Failure) Type() string          { return "failure" }
func (f *Failure) Freeze()               {}
func (f *Failure) Truth() starlark.Bool  { return starlark.True }
func (f *Failure) Hash() (uint32, error) { return hashString("failure:" + f.message), nil }

func (f *Failure) Attr(name string) (starlark.Value, error) {
	if name == "message" {
		return starlark.String(f.message), nil
	}
	return nil, nil
}

func (f *Failure) AttrNames() []string { return []string{"message"} }
