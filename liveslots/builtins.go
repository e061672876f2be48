// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package liveslots

import (
	"errors"
	"fmt"

	"go.starlark.net/starlark"

	"github.com/ava-labs/vatkernel/vat"
)

var (
	errKindAfterLoad = errors.New("define_kind is only allowed at module level")
	errDuplicateKind = errors.New("kind already defined")
	errBadTarget     = errors.New("send target must be a presence, instance or promise")
	errNotDevice     = errors.New("call_now target must be a device")
)

type builtinFunc func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error)

func (r *Runtime) builtins() starlark.StringDict {
	fns := map[string]builtinFunc{
		"define_kind":     r.defineKind,
		"make":            r.makeInstance,
		"make_durable":    r.makeDurable,
		"send":            r.send,
		"send_only":       r.sendOnly,
		"watch":           r.watch,
		"call_now":        r.callNow,
		"baggage_get":     r.baggageGet,
		"baggage_set":     r.baggageSet,
		"vatstore_get":    r.userVatstoreGet,
		"vatstore_set":    r.userVatstoreSet,
		"vatstore_delete": r.userVatstoreDelete,
		"exit":            r.exit,
		"disavow":         r.disavow,
		"Failure":         r.makeFailure,
	}
	out := make(starlark.StringDict, len(fns))
	for name, fn := range fns {
		out[name] = starlark.NewBuiltin(name, fn)
	}
	return out
}

func (r *Runtime) defineKind(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		name    string
		methods *starlark.Dict
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "methods", &methods); err != nil {
		return nil, err
	}
	if !r.evaluating {
		return nil, errKindAfterLoad
	}
	if _, ok := r.kinds[name]; ok {
		return nil, fmt.Errorf("%w: %q", errDuplicateKind, name)
	}
	k := &Kind{name: name, methods: make(map[string]starlark.Callable, methods.Len())}
	for _, item := range methods.Items() {
		mname, ok := starlark.AsString(item[0])
		if !ok {
			return nil, fmt.Errorf("%s: method names must be strings, got %s", b.Name(), item[0].Type())
		}
		fn, ok := item[1].(starlark.Callable)
		if !ok {
			return nil, fmt.Errorf("%s: method %q is not callable", b.Name(), mname)
		}
		k.methods[mname] = fn
	}
	r.kinds[name] = k
	return k, nil
}

func (r *Runtime) unpackMake(b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (*Kind, *starlark.Dict, error) {
	var (
		kind  *Kind
		state *starlark.Dict
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "kind", &kind, "state?", &state); err != nil {
		return nil, nil, err
	}
	if r.syscaller == nil {
		return nil, nil, fmt.Errorf("%s: %w", b.Name(), errOutsideCrank)
	}
	if state == nil {
		state = starlark.NewDict(0)
	}
	return kind, state, nil
}

func (r *Runtime) makeInstance(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	kind, state, err := r.unpackMake(b, args, kwargs)
	if err != nil {
		return nil, err
	}
	return r.newInstance(kind, state, false), nil
}

func (r *Runtime) makeDurable(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	kind, state, err := r.unpackMake(b, args, kwargs)
	if err != nil {
		return nil, err
	}
	return r.newInstance(kind, state, true), nil
}

func (r *Runtime) targetRef(b *starlark.Builtin, target starlark.Value) (string, error) {
	switch target.(type) {
	case *Presence, *Instance, *Promise:
		return r.exportRef(target)
	}
	return "", fmt.Errorf("%s: %w, got %s", b.Name(), errBadTarget, target.Type())
}

// sendMessage issues a send syscall, then resolves any settled promises the
// message introduced.
func (r *Runtime) sendMessage(target, method string, args starlark.Tuple, result string) error {
	cd, err := encodeValue(starlark.NewList(append([]starlark.Value(nil), args...)), r.exportRef)
	if err != nil {
		return err
	}
	if _, err := r.syscall(vat.Syscall{
		Type:    vat.SyscallSend,
		Target:  target,
		Message: vat.Message{Method: method, Args: cd, Result: result},
	}); err != nil {
		return err
	}
	return r.flushResolving()
}

func unpackSend(b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, string, starlark.Tuple, error) {
	if len(kwargs) > 0 {
		return nil, "", nil, fmt.Errorf("%s: unexpected keyword arguments", b.Name())
	}
	if len(args) < 2 {
		return nil, "", nil, fmt.Errorf("%s: want target and method", b.Name())
	}
	method, ok := starlark.AsString(args[1])
	if !ok {
		return nil, "", nil, fmt.Errorf("%s: method must be a string", b.Name())
	}
	return args[0], method, args[2:], nil
}

func (r *Runtime) send(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	target, method, rest, err := unpackSend(b, args, kwargs)
	if err != nil {
		return nil, err
	}
	ref, err := r.targetRef(b, target)
	if err != nil {
		return nil, err
	}
	result := r.newPromise()
	if err := r.sendMessage(ref, method, rest, result.vpid); err != nil {
		return nil, err
	}
	if _, err := r.syscall(vat.Syscall{Type: vat.SyscallSubscribe, Target: result.vpid}); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *Runtime) sendOnly(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	target, method, rest, err := unpackSend(b, args, kwargs)
	if err != nil {
		return nil, err
	}
	ref, err := r.targetRef(b, target)
	if err != nil {
		return nil, err
	}
	return starlark.None, r.sendMessage(ref, method, rest, "")
}

func (r *Runtime) watch(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		p         *Promise
		inst      *Instance
		onFulfill string
		onReject  string
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "promise", &p, "watcher", &inst, "on_fulfilled", &onFulfill, "on_rejected?", &onReject); err != nil {
		return nil, err
	}
	w := watcher{target: inst.vref, onFulfill: onFulfill, onReject: onReject}
	if p.settled() {
		return starlark.None, r.fire(w, p)
	}
	p.watchers = append(p.watchers, w)
	return starlark.None, nil
}

func (r *Runtime) callNow(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	target, method, rest, err := unpackSend(b, args, kwargs)
	if err != nil {
		return nil, err
	}
	dev, ok := target.(*Presence)
	if !ok || dev.vref[0] != vat.Device {
		return nil, fmt.Errorf("%s: %w", b.Name(), errNotDevice)
	}
	cd, err := encodeValue(starlark.NewList(append([]starlark.Value(nil), rest...)), r.exportRef)
	if err != nil {
		return nil, err
	}
	res, err := r.syscall(vat.Syscall{
		Type:    vat.SyscallCallNow,
		Target:  dev.vref,
		Message: vat.Message{Method: method, Args: cd},
	})
	if err != nil {
		return nil, err
	}
	if res.Error != "" {
		return nil, fmt.Errorf("%s: %s", b.Name(), res.Error)
	}
	return decodeValue(res.Data, r.resolveKernel)
}

func (r *Runtime) baggageGet(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		key starlark.String
		def starlark.Value = starlark.None
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "key", &key, "default?", &def); err != nil {
		return nil, err
	}
	bag, err := r.loadBaggage()
	if err != nil {
		return nil, err
	}
	v, found, err := bag.Get(key)
	if err != nil || !found {
		return def, err
	}
	return v, nil
}

func (r *Runtime) baggageSet(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		key   starlark.String
		value starlark.Value
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "key", &key, "value", &value); err != nil {
		return nil, err
	}
	if _, err := toHost(value, r.storageRef); err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	bag, err := r.loadBaggage()
	if err != nil {
		return nil, err
	}
	return starlark.None, bag.SetKey(key, value)
}

func (r *Runtime) userVatstoreGet(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "key", &key); err != nil {
		return nil, err
	}
	v, found, err := r.vatstoreGet(userPrefix + key)
	if err != nil || !found {
		return starlark.None, err
	}
	return starlark.String(v), nil
}

func (r *Runtime) userVatstoreSet(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key, value string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "key", &key, "value", &value); err != nil {
		return nil, err
	}
	return starlark.None, r.vatstoreSet(userPrefix+key, []byte(value))
}

func (r *Runtime) userVatstoreDelete(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "key", &key); err != nil {
		return nil, err
	}
	return starlark.None, r.vatstoreDelete(userPrefix + key)
}

func (r *Runtime) exit(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		failure bool
		reason  starlark.Value = starlark.None
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "failure?", &failure, "reason?", &reason); err != nil {
		return nil, err
	}
	info, err := encodeValue(reason, r.exportRef)
	if err != nil {
		return nil, err
	}
	_, err = r.syscall(vat.Syscall{Type: vat.SyscallExit, Failure: failure, Info: info})
	return starlark.None, err
}

func (r *Runtime) disavow(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var p *Presence
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "presence", &p); err != nil {
		return nil, err
	}
	if p.disavowed {
		return nil, fmt.Errorf("%s: %w: %s", b.Name(), errDisavowed, p.vref)
	}
	if _, err := r.syscall(vat.Syscall{Type: vat.SyscallDisavow, Refs: []string{p.vref}}); err != nil {
		return nil, err
	}
	p.disavowed = true
	p.dropped = true
	return starlark.None, nil
}

func (r *Runtime) makeFailure(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var msg string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "message", &msg); err != nil {
		return nil, err
	}
	return &Failure{message: msg}, nil
}
