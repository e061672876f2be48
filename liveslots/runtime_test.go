// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package liveslots

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ava-labs/vatkernel/capdata"
	"github.com/ava-labs/vatkernel/vat"
)

const testVat = `
def increment(self, n):
    self.state["count"] = self.state["count"] + n
    return self.state["count"]

Counter = define_kind("Counter", {"increment": increment})

def boom(self):
    fail("boom")

def refuse(self):
    return Failure("refused")

def remember(self, p):
    self.state["peer"] = p

def forget(self):
    self.state.pop("peer")

def ask(self, p):
    r = send(p, "hello", 1)
    watch(r, self, "got")

def got(self, v):
    self.state["answer"] = v

def answer(self):
    return self.state.get("answer")

def spin(self):
    n = 0
    while True:
        n += 1

def keep(self, name):
    c = make_durable(Counter, {"count": 0})
    baggage_set(name, c)
    return c

def spawn(self):
    return make(Counter, {"count": 0})

def bump(self, name):
    c = baggage_get(name)
    return c.increment(1)

Root = define_kind("Root", {
    "increment": increment,
    "boom": boom,
    "refuse": refuse,
    "remember": remember,
    "forget": forget,
    "ask": ask,
    "got": got,
    "answer": answer,
    "spin": spin,
    "keep": keep,
    "bump": bump,
    "spawn": spawn,
})

def build_root_object(params):
    return make(Root, {"count": 0})
`

type fakeKernel struct {
	syscalls []vat.Syscall
	store    map[string][]byte
}

func newFakeKernel() *fakeKernel {
	return &fakeKernel{store: make(map[string][]byte)}
}

func (f *fakeKernel) Syscall(sc vat.Syscall) (vat.SyscallResult, error) {
	f.syscalls = append(f.syscalls, sc)
	switch sc.Type {
	case vat.SyscallVatstoreGet:
		v, ok := f.store[sc.Key]
		return vat.SyscallResult{Found: ok, Value: v}, nil
	case vat.SyscallVatstoreSet:
		f.store[sc.Key] = sc.Value
	case vat.SyscallVatstoreDelete:
		delete(f.store, sc.Key)
	}
	return vat.SyscallResult{}, nil
}

func (f *fakeKernel) of(typ string) []vat.Syscall {
	var out []vat.Syscall
	for _, sc := range f.syscalls {
		if sc.Type == typ {
			out = append(out, sc)
		}
	}
	return out
}

func (f *fakeKernel) reset() { f.syscalls = nil }

func startedRuntime(t *testing.T, k *fakeKernel, limits Limits) *Runtime {
	require := require.New(t)

	r := New(Config{VatID: "v1", Limits: limits})
	require.NoError(r.Evaluate([]byte(testVat), nil))
	res, err := r.Deliver(vat.Delivery{Type: vat.DeliverStartVat, Params: capdata.Null()}, k)
	require.NoError(err)
	require.True(res.OK(), res.Problem)
	k.reset()
	return r
}

func message(method, result string, args ...interface{}) vat.Delivery {
	if args == nil {
		args = []interface{}{}
	}
	return vat.Delivery{
		Type:    vat.DeliverMessage,
		Target:  vat.RootRef,
		Message: vat.Message{Method: method, Args: capdata.MustMarshal(args), Result: result},
	}
}

func TestMethodResolvesResult(t *testing.T) {
	require := require.New(t)

	k := newFakeKernel()
	r := startedRuntime(t, k, Limits{})

	res, err := r.Deliver(message("increment", "p-1", int64(2)), k)
	require.NoError(err)
	require.True(res.OK())
	require.Greater(res.Computrons, uint64(0))

	resolves := k.of(vat.SyscallResolve)
	require.Len(resolves, 1)
	require.Equal("p-1", resolves[0].Resolutions[0].ID)
	require.False(resolves[0].Resolutions[0].Rejected)
	require.Equal("2", string(resolves[0].Resolutions[0].Data.Body))
}

func TestMethodErrorRejectsResult(t *testing.T) {
	require := require.New(t)

	k := newFakeKernel()
	r := startedRuntime(t, k, Limits{})

	_, err := r.Deliver(message("boom", "p-1"), k)
	require.NoError(err)
	_, err = r.Deliver(message("refuse", "p-2"), k)
	require.NoError(err)
	_, err = r.Deliver(message("nope", "p-3"), k)
	require.NoError(err)

	resolves := k.of(vat.SyscallResolve)
	require.Len(resolves, 3)
	for i, want := range []string{"boom", "refused", "no method"} {
		res := resolves[i].Resolutions[0]
		require.True(res.Rejected)
		v, err := capdata.Unmarshal(res.Data)
		require.NoError(err)
		require.Contains(v.(capdata.Error).Message, want)
	}
}

func TestSendWatchAndNotify(t *testing.T) {
	require := require.New(t)

	k := newFakeKernel()
	r := startedRuntime(t, k, Limits{})

	_, err := r.Deliver(message("ask", "", capdata.Ref{ID: "o-1"}), k)
	require.NoError(err)

	sends := k.of(vat.SyscallSend)
	require.Len(sends, 1)
	require.Equal("o-1", sends[0].Target)
	require.Equal("hello", sends[0].Message.Method)
	require.Equal("p+1", sends[0].Message.Result)
	subs := k.of(vat.SyscallSubscribe)
	require.Len(subs, 1)
	require.Equal("p+1", subs[0].Target)

	_, err = r.Deliver(vat.Delivery{
		Type:        vat.DeliverNotify,
		Resolutions: []vat.Resolution{{ID: "p+1", Data: capdata.String("hi")}},
	}, k)
	require.NoError(err)

	k.reset()
	_, err = r.Deliver(message("answer", "p-2"), k)
	require.NoError(err)
	resolves := k.of(vat.SyscallResolve)
	require.Len(resolves, 1)
	require.Equal(`"hi"`, string(resolves[0].Resolutions[0].Data.Body))
}

func TestMeteringFault(t *testing.T) {
	require := require.New(t)

	k := newFakeKernel()
	r := startedRuntime(t, k, Limits{MaxSteps: 10000})

	res, err := r.Deliver(message("spin", "p-1"), k)
	require.NoError(err)
	require.False(res.OK())
	require.Equal(FaultCompute, res.Fault)
	require.Empty(k.of(vat.SyscallResolve))
}

func TestHeapFault(t *testing.T) {
	require := require.New(t)

	k := newFakeKernel()
	r := New(Config{VatID: "v1", Limits: Limits{MaxHeap: 10}})
	require.NoError(r.Evaluate([]byte(testVat), nil))
	res, err := r.Deliver(vat.Delivery{Type: vat.DeliverStartVat, Params: capdata.Null()}, k)
	require.NoError(err)
	require.Equal(FaultHeap, res.Fault)
}

func TestCollectDropsUnreachableImports(t *testing.T) {
	require := require.New(t)

	k := newFakeKernel()
	r := startedRuntime(t, k, Limits{})

	_, err := r.Deliver(message("remember", "", capdata.Ref{ID: "o-4"}), k)
	require.NoError(err)
	_, err = r.Deliver(vat.Delivery{Type: vat.DeliverBringOutYourDead}, k)
	require.NoError(err)
	require.Empty(k.of(vat.SyscallDropImports))

	_, err = r.Deliver(message("forget", ""), k)
	require.NoError(err)
	_, err = r.Deliver(vat.Delivery{Type: vat.DeliverBringOutYourDead}, k)
	require.NoError(err)

	drops := k.of(vat.SyscallDropImports)
	require.Len(drops, 1)
	require.Equal([]string{"o-4"}, drops[0].Refs)
	retires := k.of(vat.SyscallRetireImports)
	require.Len(retires, 1)
	require.Equal([]string{"o-4"}, retires[0].Refs)
}

func TestDroppedExportIsRetired(t *testing.T) {
	require := require.New(t)

	k := newFakeKernel()
	r := startedRuntime(t, k, Limits{})

	_, err := r.Deliver(message("spawn", "p-1"), k)
	require.NoError(err)
	require.Equal([]string{"o+2"}, k.of(vat.SyscallResolve)[0].Resolutions[0].Data.Slots)

	_, err = r.Deliver(vat.Delivery{Type: vat.DeliverDropExports, Refs: []string{vat.RootRef, "o+2"}}, k)
	require.NoError(err)
	retires := k.of(vat.SyscallRetireExports)
	require.Len(retires, 1)
	require.Equal([]string{"o+2"}, retires[0].Refs)
	_, ok := r.instances.Get(vat.RootRef)
	require.True(ok)
}

func TestSnapshotReplaysIdentically(t *testing.T) {
	require := require.New(t)

	k1 := newFakeKernel()
	r1 := startedRuntime(t, k1, Limits{})
	_, err := r1.Deliver(message("increment", "p-1", int64(2)), k1)
	require.NoError(err)
	_, err = r1.Deliver(message("ask", "", capdata.Ref{ID: "o-1"}), k1)
	require.NoError(err)

	blob, err := r1.Snapshot()
	require.NoError(err)

	k2 := newFakeKernel()
	for key, v := range k1.store {
		k2.store[key] = v
	}
	r2 := New(Config{VatID: "v1"})
	require.NoError(r2.Evaluate([]byte(testVat), nil))
	require.NoError(r2.LoadSnapshot(blob))

	blob2, err := r2.Snapshot()
	require.NoError(err)
	require.Equal(blob, blob2)

	k1.reset()
	notify := vat.Delivery{
		Type:        vat.DeliverNotify,
		Resolutions: []vat.Resolution{{ID: "p+1", Data: capdata.String("hi")}},
	}
	for _, d := range []vat.Delivery{notify, message("increment", "p-2", int64(3))} {
		res1, err := r1.Deliver(d, k1)
		require.NoError(err)
		res2, err := r2.Deliver(d, k2)
		require.NoError(err)
		require.Equal(res1, res2)
	}
	require.Equal(k1.syscalls, k2.syscalls)
	require.Equal("5", string(k2.of(vat.SyscallResolve)[0].Resolutions[0].Data.Body))
}

func TestDurableStateSurvivesNewIncarnation(t *testing.T) {
	require := require.New(t)

	k := newFakeKernel()
	r1 := startedRuntime(t, k, Limits{})
	_, err := r1.Deliver(message("keep", "p-1", "c"), k)
	require.NoError(err)
	require.Equal(`{"@slot":0}`, string(k.of(vat.SyscallResolve)[0].Resolutions[0].Data.Body))
	require.Equal([]string{"o+d1"}, k.of(vat.SyscallResolve)[0].Resolutions[0].Data.Slots)
	require.Contains(k.store, "d.o+d1")
	require.Contains(k.store, baggageKey)

	r2 := New(Config{VatID: "v1"})
	require.NoError(r2.Evaluate([]byte(testVat), nil))
	res, err := r2.Deliver(vat.Delivery{Type: vat.DeliverStartVat, Params: capdata.Null()}, k)
	require.NoError(err)
	require.True(res.OK())

	k.reset()
	_, err = r2.Deliver(message("bump", "p-2", "c"), k)
	require.NoError(err)
	require.Equal("1", string(k.of(vat.SyscallResolve)[0].Resolutions[0].Data.Body))

	// A durable object created by the new incarnation does not reuse o+d1.
	k.reset()
	_, err = r2.Deliver(message("keep", "p-3", "d"), k)
	require.NoError(err)
	require.Equal([]string{"o+d2"}, k.of(vat.SyscallResolve)[0].Resolutions[0].Data.Slots)
}

func TestEvaluateRequiresRootBuilder(t *testing.T) {
	r := New(Config{VatID: "v1"})
	require.ErrorIs(t, r.Evaluate([]byte("x = 1\n"), nil), errNoRootBuilder)
}
