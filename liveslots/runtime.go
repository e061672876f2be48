// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package liveslots runs vat code. A vat bundle is a Starlark module that
// defines kinds and a build_root_object(params) function; the runtime keeps
// the vat's object graph, turns deliveries into method calls and turns
// sends, resolutions and storage access into syscalls.
package liveslots

import (
	"errors"
	"fmt"
	"strings"

	"github.com/emirpasic/gods/maps/treemap"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	log "github.com/inconshreveable/log15"

	"github.com/ava-labs/vatkernel/capdata"
	"github.com/ava-labs/vatkernel/vat"
)

const (
	rootBuilder = "build_root_object"
	vatFileName = "vat.star"

	// FaultCompute and FaultHeap name the limit a faulted delivery exceeded.
	FaultCompute = "compute"
	FaultHeap    = "heap"
)

var (
	errNoRootBuilder  = errors.New("bundle does not define build_root_object")
	errBadRoot        = errors.New("build_root_object must return an ephemeral instance")
	errNotEvaluated   = errors.New("bundle has not been evaluated")
	errUnknownTarget  = errors.New("delivery target is not known to this vat")
	errComputeLimit   = errors.New("compute limit exceeded")
	errOutsideCrank   = errors.New("only available during a delivery")
	errUnknownKind    = errors.New("unknown kind")
	errUnknownLoad    = errors.New("module is not an available resource bundle")
	errBadArgs        = errors.New("message arguments must be a list")
	errUnknownDeliver = errors.New("unknown delivery type")

	fileOptions = &syntax.FileOptions{Set: true, While: true, TopLevelControl: true}
)

// Limits bounds one delivery. Zero means unlimited.
type Limits struct {
	MaxSteps uint64
	MaxHeap  uint64
}

// Config configures a Runtime.
type Config struct {
	VatID  string
	Limits Limits
	Log    log.Logger
}

type counters struct {
	Export  uint64 `json:"export"`
	Durable uint64 `json:"durable"`
	Promise uint64 `json:"promise"`
}

// Runtime is one vat's heap plus the code that acts on it.
type Runtime struct {
	vatID  string
	limits Limits
	log    log.Logger

	predeclared starlark.StringDict
	globals     starlark.StringDict
	kinds       map[string]*Kind
	resources   map[string][]byte
	loaded      map[string]starlark.StringDict
	evaluating  bool

	instances *treemap.Map // vref -> *Instance
	imports   *treemap.Map // vref -> *Presence
	promises  *treemap.Map // vpid -> *Promise
	counters  counters

	baggage *starlark.Dict
	// flushed caches the last value written to each runtime-owned vatstore
	// key, so unchanged state is not rewritten.
	flushed *treemap.Map

	// per-delivery
	syscaller  vat.Syscaller
	thread     *starlark.Thread
	syscallErr error
	resolving  []*Promise
}

// New returns an empty runtime. Evaluate must be called before the first
// delivery.
func New(cfg Config) *Runtime {
	logger := cfg.Log
	if logger == nil {
		logger = log.New("module", "liveslots", "vat", cfg.VatID)
	}
	r := &Runtime{
		vatID:     cfg.VatID,
		limits:    cfg.Limits,
		log:       logger,
		kinds:     make(map[string]*Kind),
		resources: make(map[string][]byte),
		loaded:    make(map[string]starlark.StringDict),
	}
	r.reset()
	r.predeclared = r.builtins()
	return r
}

func (r *Runtime) reset() {
	r.instances = treemap.NewWith(compareVrefs)
	r.imports = treemap.NewWith(compareVrefs)
	r.promises = treemap.NewWith(compareVrefs)
	r.flushed = treemap.NewWithStringComparator()
	r.counters = counters{Export: 1, Durable: 1, Promise: 1}
	r.baggage = nil
}

func (r *Runtime) newThread() *starlark.Thread {
	t := &starlark.Thread{
		Name: r.vatID,
		Print: func(_ *starlark.Thread, msg string) {
			r.log.Info(msg)
		},
		Load: r.load,
	}
	if r.limits.MaxSteps > 0 {
		t.SetMaxExecutionSteps(r.limits.MaxSteps)
	}
	return t
}

func (r *Runtime) load(thread *starlark.Thread, module string) (starlark.StringDict, error) {
	if g, ok := r.loaded[module]; ok {
		return g, nil
	}
	src, ok := r.resources[module]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errUnknownLoad, module)
	}
	g, err := starlark.ExecFileOptions(fileOptions, thread, module, src, r.predeclared)
	if err != nil {
		return nil, err
	}
	r.loaded[module] = g
	return g, nil
}

// Evaluate executes the bundle's module body. [resources] are the only
// modules load() may reach, keyed by bundle ID.
func (r *Runtime) Evaluate(source []byte, resources map[string][]byte) error {
	for id, src := range resources {
		r.resources[id] = src
	}
	r.thread = r.newThread()
	r.evaluating = true
	globals, err := starlark.ExecFileOptions(fileOptions, r.thread, vatFileName, source, r.predeclared)
	r.evaluating = false
	r.thread = nil
	if err != nil {
		return fmt.Errorf("failed to evaluate bundle: %w", err)
	}
	if _, ok := globals[rootBuilder].(starlark.Callable); !ok {
		return errNoRootBuilder
	}
	r.globals = globals
	return nil
}

// Deliver performs one delivery. The returned error is reserved for
// failures the vat cannot contain, such as a syscall the kernel refused; vat
// level problems are reported in the result.
func (r *Runtime) Deliver(d vat.Delivery, sc vat.Syscaller) (vat.DeliveryResult, error) {
	if r.globals == nil {
		return vat.DeliveryResult{}, errNotEvaluated
	}
	r.syscaller = sc
	r.thread = r.newThread()
	r.syscallErr = nil
	r.resolving = nil
	defer func() {
		r.syscaller = nil
		r.thread = nil
	}()

	var err error
	switch d.Type {
	case vat.DeliverStartVat:
		err = r.startVat(d.Params)
	case vat.DeliverMessage:
		err = r.deliverMessage(d.Target, d.Message)
	case vat.DeliverNotify:
		err = r.notify(d.Resolutions)
	case vat.DeliverDropExports:
		r.dropExports(d.Refs)
		err = r.collect()
	case vat.DeliverRetireExports:
		r.retireExports(d.Refs)
	case vat.DeliverRetireImports:
		r.retireImports(d.Refs)
	case vat.DeliverBringOutYourDead:
		err = r.collect()
	default:
		err = fmt.Errorf("%w: %q", errUnknownDeliver, d.Type)
	}
	if err == nil {
		err = r.flush()
	}

	res := vat.DeliveryResult{Status: vat.StatusOK, Computrons: r.thread.ExecutionSteps()}
	if r.syscallErr != nil {
		return res, r.syscallErr
	}
	switch {
	case errors.Is(err, errComputeLimit) || r.computeExhausted():
		res.Status, res.Fault, res.Problem = vat.StatusError, FaultCompute, errComputeLimit.Error()
	case err != nil:
		res.Status, res.Problem = vat.StatusError, err.Error()
	case r.limits.MaxHeap > 0:
		if size, herr := r.heapSize(); herr != nil {
			res.Status, res.Problem = vat.StatusError, herr.Error()
		} else if size > r.limits.MaxHeap {
			res.Status, res.Fault = vat.StatusError, FaultHeap
			res.Problem = fmt.Sprintf("heap size %d exceeds limit %d", size, r.limits.MaxHeap)
		}
	}
	if !res.OK() {
		r.log.Debug("delivery failed", "type", d.Type, "problem", res.Problem)
	}
	return res, nil
}

func (r *Runtime) computeExhausted() bool {
	return r.limits.MaxSteps > 0 && r.thread.ExecutionSteps() >= r.limits.MaxSteps
}

// call invokes vat code, separating metering exhaustion from ordinary vat
// errors.
func (r *Runtime) call(fn starlark.Value, args starlark.Tuple) (starlark.Value, error) {
	v, err := starlark.Call(r.thread, fn, args, nil)
	if err != nil {
		if r.syscallErr != nil {
			return nil, r.syscallErr
		}
		if r.computeExhausted() {
			return nil, errComputeLimit
		}
	}
	return v, err
}

func (r *Runtime) syscall(sc vat.Syscall) (vat.SyscallResult, error) {
	if r.syscaller == nil {
		return vat.SyscallResult{}, errOutsideCrank
	}
	if r.syscallErr != nil {
		return vat.SyscallResult{}, r.syscallErr
	}
	res, err := r.syscaller.Syscall(sc)
	if err != nil {
		r.syscallErr = err
		r.thread.Cancel(err.Error())
		return res, err
	}
	return res, nil
}

func (r *Runtime) startVat(params capdata.CapData) error {
	if err := r.loadCounters(); err != nil {
		return err
	}
	p, err := decodeValue(params, r.resolveKernel)
	if err != nil {
		return err
	}
	v, err := r.call(r.globals[rootBuilder], starlark.Tuple{p})
	if err != nil {
		return err
	}
	root, ok := v.(*Instance)
	if !ok || root.durable {
		return errBadRoot
	}
	r.instances.Remove(root.vref)
	root.vref = vat.RootRef
	root.exported = true
	r.instances.Put(root.vref, root)
	return nil
}

func (r *Runtime) deliverMessage(target string, msg vat.Message) error {
	var result *Promise
	if msg.Result != "" {
		result = r.importPromise(msg.Result, true)
	}
	argv, err := decodeValue(msg.Args, r.resolveKernel)
	if err != nil {
		return err
	}
	args, err := toTuple(argv)
	if err != nil {
		return err
	}

	t, err := r.resolveKernel(target)
	if err != nil {
		return r.rejectResult(result, fmt.Sprintf("%v: %s", errUnknownTarget, target))
	}
	switch t := t.(type) {
	case *Instance:
		return r.invoke(t, msg.Method, args, result)
	case *Promise:
		return r.deliverToPromise(t, msg.Method, args, result)
	}
	return r.rejectResult(result, fmt.Sprintf("%v: %s", errUnknownTarget, target))
}

// deliverToPromise handles a pipelined message aimed at a promise this vat
// decides.
func (r *Runtime) deliverToPromise(p *Promise, method string, args starlark.Tuple, result *Promise) error {
	switch {
	case p.state == fulfilled:
		switch v := p.value.(type) {
		case *Instance:
			return r.invoke(v, method, args, result)
		case *Presence:
			resultID := ""
			if result != nil {
				resultID = result.vpid
				result.decided = false
			}
			return r.sendMessage(v.vref, method, args, resultID)
		}
		return r.rejectResult(result, "message sent to non-object fulfillment")
	case p.state == rejected:
		return r.settleFrom(result, p)
	case p.decided:
		resultID := ""
		if result != nil {
			resultID = result.vpid
		}
		p.queue = append(p.queue, pipelined{method: method, args: args, result: resultID})
		return nil
	}
	return r.rejectResult(result, fmt.Sprintf("%v: %s", errUnknownTarget, p.vpid))
}

func (r *Runtime) invoke(inst *Instance, method string, args starlark.Tuple, result *Promise) error {
	fn, ok := inst.kind.methods[method]
	if !ok {
		return r.rejectResult(result, fmt.Sprintf("%s has no method %q", inst.kind.name, method))
	}
	v, err := r.call(fn, append(starlark.Tuple{inst}, args...))
	if err != nil {
		if errors.Is(err, errComputeLimit) || r.syscallErr != nil {
			return err
		}
		r.log.Debug("method failed", "kind", inst.kind.name, "method", method, "err", err)
		return r.rejectResult(result, errorMessage(err))
	}
	if result == nil {
		return nil
	}
	if f, ok := v.(*Failure); ok {
		return r.resolve(result, true, f)
	}
	if p, ok := v.(*Promise); ok {
		if !p.settled() {
			p.watchers = append(p.watchers, watcher{forwardsTo: result.vpid})
			return nil
		}
		return r.settleFrom(result, p)
	}
	return r.resolve(result, false, v)
}

func (r *Runtime) settleFrom(result *Promise, p *Promise) error {
	if result == nil {
		return nil
	}
	return r.resolve(result, p.state == rejected, p.value)
}

func (r *Runtime) rejectResult(result *Promise, msg string) error {
	if result == nil {
		r.log.Debug("dropping rejection of send-only message", "reason", msg)
		return nil
	}
	return r.resolve(result, true, &Failure{message: msg})
}

// resolve settles a promise this vat decides and tells the kernel.
func (r *Runtime) resolve(p *Promise, isRejected bool, v starlark.Value) error {
	if v == nil {
		v = starlark.None
	}
	data, err := encodeValue(v, r.exportRef)
	if err != nil {
		if isRejected {
			return err
		}
		return r.resolve(p, true, &Failure{message: err.Error()})
	}
	if _, err := r.syscall(vat.Syscall{
		Type:        vat.SyscallResolve,
		Resolutions: []vat.Resolution{{ID: p.vpid, Rejected: isRejected, Data: data}},
	}); err != nil {
		return err
	}
	p.decided = false
	p.known = false
	if err := r.flushResolving(); err != nil {
		return err
	}
	return r.settle(p, isRejected, v)
}

// settle records a settlement locally and runs what was waiting on it.
func (r *Runtime) settle(p *Promise, isRejected bool, v starlark.Value) error {
	p.state = fulfilled
	if isRejected {
		p.state = rejected
	}
	p.value = v
	watchers, queue := p.watchers, p.queue
	p.watchers, p.queue = nil, nil
	for _, w := range watchers {
		if err := r.fire(w, p); err != nil {
			return err
		}
	}
	for _, m := range queue {
		var result *Promise
		if m.result != "" {
			result = r.importPromise(m.result, true)
		}
		if err := r.deliverToPromise(p, m.method, m.args, result); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) fire(w watcher, p *Promise) error {
	if w.forwardsTo != "" {
		v, ok := r.promises.Get(w.forwardsTo)
		if !ok {
			return nil
		}
		return r.settleFrom(v.(*Promise), p)
	}
	method := w.onFulfill
	if p.state == rejected {
		method = w.onReject
	}
	if method == "" {
		return nil
	}
	v, ok := r.instances.Get(w.target)
	if !ok {
		return nil
	}
	inst := v.(*Instance)
	fn, ok := inst.kind.methods[method]
	if !ok {
		r.log.Warn("watcher method missing", "kind", inst.kind.name, "method", method)
		return nil
	}
	if _, err := r.call(fn, starlark.Tuple{inst, p.value}); err != nil {
		if errors.Is(err, errComputeLimit) || r.syscallErr != nil {
			return err
		}
		r.log.Debug("watcher failed", "kind", inst.kind.name, "method", method, "err", err)
	}
	return nil
}

func (r *Runtime) notify(resolutions []vat.Resolution) error {
	for _, res := range resolutions {
		v, ok := r.promises.Get(res.ID)
		if !ok {
			continue
		}
		p := v.(*Promise)
		p.known = false
		if p.settled() {
			continue
		}
		value, err := decodeValue(res.Data, r.resolveKernel)
		if err != nil {
			return err
		}
		if err := r.settle(p, res.Rejected, value); err != nil {
			return err
		}
	}
	return nil
}

func toTuple(v starlark.Value) (starlark.Tuple, error) {
	switch v := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case *starlark.List:
		out := make(starlark.Tuple, v.Len())
		for i := range out {
			out[i] = v.Index(i)
		}
		return out, nil
	case starlark.Tuple:
		return v, nil
	}
	return nil, errBadArgs
}

func errorMessage(err error) string {
	msg := err.Error()
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		msg = evalErr.Msg
	}
	return strings.TrimPrefix(msg, "fail: ")
}
