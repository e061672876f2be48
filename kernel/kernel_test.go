// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package kernel

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ava-labs/avalanchego/database"
	"github.com/ava-labs/avalanchego/database/memdb"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/ava-labs/vatkernel/capdata"
	"github.com/ava-labs/vatkernel/device"
	"github.com/ava-labs/vatkernel/keeper"
	"github.com/ava-labs/vatkernel/swingstore"
	"github.com/ava-labs/vatkernel/vat"
	"github.com/ava-labs/vatkernel/worker"
)

const testVat = `
def increment(self, n):
    self.state["count"] = self.state["count"] + n
    return self.state["count"]

def get(self):
    return self.state["count"]

Counter = define_kind("Counter", {"increment": increment, "get": get})

def make_counter(self):
    return make(Counter, {"count": 0})

def ask(self, target):
    return send(target, "increment", 1)

def fetch(self, target):
    r = send(target, "make_counter")
    watch(r, self, "fetched")

def fetched(self, c):
    self.state["fetched"] = True

def fetch_and_keep(self, target):
    r = send(target, "make_counter")
    watch(r, self, "keep")

def keep(self, c):
    baggage_set("counter", c)

def slow(self):
    return send(self.state["peer"], "make_counter")

def boom(self):
    fail("boom")

def quit(self, failure):
    exit(failure, "bye")

def spin(self):
    n = 0
    while True:
        n += 1

def bootstrap(self, vats, devices):
    bridge = devices["bridge"]
    call_now(bridge, "registerInboundHandler", self)
    call_now(bridge, "send", "peer1", "hello")
    return len(vats)

def inbound(self, peer, body):
    self.state["last"] = body

def last(self):
    return self.state.get("last")

Root = define_kind("Root", {
    "increment": increment,
    "get": get,
    "make_counter": make_counter,
    "ask": ask,
    "fetch": fetch,
    "fetched": fetched,
    "fetch_and_keep": fetch_and_keep,
    "keep": keep,
    "slow": slow,
    "boom": boom,
    "quit": quit,
    "spin": spin,
    "bootstrap": bootstrap,
    "inbound": inbound,
    "last": last,
})

def build_root_object(params):
    peer = None
    if params:
        peer = params.get("peer")
    return make(Root, {"count": 0, "peer": peer})
`

// upgradedVat keeps the counter its previous incarnation stored in baggage.
const upgradedVat = `
def use(self):
    return send(baggage_get("counter"), "increment", 1)

Root = define_kind("Root", {"use": use})

def build_root_object(params):
    return make(Root, {})
`

func newTestKernel(t *testing.T, db database.Database, config Config) *Kernel {
	k, err := New(db, config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = k.Shutdown() })
	return k
}

func createVat(t *testing.T, k *Kernel, name string, params capdata.CapData, opts map[string]interface{}) string {
	vatID, err := k.CreateVat(name, []byte(testVat), params, opts)
	require.NoError(t, err)
	return vatID
}

func run(t *testing.T, k *Kernel) *RunResult {
	res, err := k.Run(context.Background())
	require.NoError(t, err)
	return res
}

func args(vs ...interface{}) capdata.CapData {
	if vs == nil {
		vs = []interface{}{}
	}
	return capdata.MustMarshal(vs)
}

func requireFulfilled(t *testing.T, k *Kernel, kpid string) interface{} {
	p, err := k.KPStatus(kpid)
	require.NoError(t, err)
	require.Equal(t, keeper.Fulfilled, p.State, "data: %s", p.Data)
	v, err := capdata.Unmarshal(p.Data)
	require.NoError(t, err)
	return v
}

func requireRejected(t *testing.T, k *Kernel, kpid string) string {
	p, err := k.KPStatus(kpid)
	require.NoError(t, err)
	require.Equal(t, keeper.Rejected, p.State, "data: %s", p.Data)
	v, err := capdata.Unmarshal(p.Data)
	require.NoError(t, err)
	e, ok := v.(capdata.Error)
	require.True(t, ok, "rejection is %T", v)
	return e.Message
}

func rootOf(t *testing.T, k *Kernel, name string) string {
	root, err := k.VatRoot(name)
	require.NoError(t, err)
	return root
}

// exportOf returns the one object [vatID] exports besides its root.
func exportOf(t *testing.T, k *Kernel, vatID string) string {
	entries, err := k.Keeper().CListEntries(vatID)
	require.NoError(t, err)
	var out []string
	for _, e := range entries {
		if vat.IsKernelObject(e.KRef) && strings.HasPrefix(e.VRef, "o+") && e.VRef != vat.RootRef {
			out = append(out, e.KRef)
		}
	}
	require.Len(t, out, 1)
	return out[0]
}

func TestQueueToVatRoot(t *testing.T) {
	require := require.New(t)

	k := newTestKernel(t, memdb.New(), Config{})
	createVat(t, k, "alice", capdata.Null(), nil)
	run(t, k)

	kpid, err := k.QueueToVatRoot("alice", "increment", args(5))
	require.NoError(err)
	res := run(t, k)
	require.Equal(uint64(1), res.Deliveries)
	require.Equal(int64(5), requireFulfilled(t, k, kpid))

	_, err = k.QueueToVatRoot("nobody", "increment", args(1))
	require.ErrorIs(err, ErrUnknownVatName)
}

func TestCreateVatRejectsBadOptions(t *testing.T) {
	require := require.New(t)

	k := newTestKernel(t, memdb.New(), Config{})
	_, err := k.CreateVat("a", []byte(testVat), capdata.Null(), map[string]interface{}{"bogus": true})
	require.ErrorIs(err, ErrUnknownOption)
	_, err = k.CreateVat("a", []byte(testVat), capdata.Null(), map[string]interface{}{"meteringLimit": 10})
	require.ErrorIs(err, ErrIncompatibleOption)

	ids, err := k.Keeper().VatIDs()
	require.NoError(err)
	require.Empty(ids)
	empty, err := k.Keeper().IsRunQueueEmpty()
	require.NoError(err)
	require.True(empty)
}

func TestMethodErrorRejectsResult(t *testing.T) {
	require := require.New(t)

	k := newTestKernel(t, memdb.New(), Config{})
	vatID := createVat(t, k, "alice", capdata.Null(), nil)
	kpid, err := k.QueueToVatRoot("alice", "boom", args())
	require.NoError(err)
	run(t, k)

	require.Contains(requireRejected(t, k, kpid), "boom")
	alive, err := k.Keeper().IsVatAlive(vatID)
	require.NoError(err)
	require.True(alive)
}

func TestMessageToPromiseFollowsResolution(t *testing.T) {
	require := require.New(t)

	k := newTestKernel(t, memdb.New(), Config{})
	createVat(t, k, "alice", capdata.Null(), nil)
	run(t, k)

	counter, err := k.QueueToVatRoot("alice", "make_counter", args())
	require.NoError(err)
	first, err := k.Queue(counter, "increment", args(2))
	require.NoError(err)
	second, err := k.Queue(counter, "increment", args(3))
	require.NoError(err)
	run(t, k)

	require.Equal(int64(2), requireFulfilled(t, k, first))
	require.Equal(int64(5), requireFulfilled(t, k, second))
}

func TestResultForwardedThroughSubscription(t *testing.T) {
	require := require.New(t)

	k := newTestKernel(t, memdb.New(), Config{})
	createVat(t, k, "alice", capdata.Null(), nil)
	createVat(t, k, "bob", capdata.Null(), nil)
	run(t, k)

	kpid, err := k.QueueToVatRoot("bob", "ask", args(capdata.Ref{ID: rootOf(t, k, "alice")}))
	require.NoError(err)
	run(t, k)

	require.Equal(int64(1), requireFulfilled(t, k, kpid))
	require.Equal(float64(1), testutil.ToFloat64(k.metrics.deliveries.WithLabelValues(vat.DeliverNotify)))
}

func TestSingleSettlement(t *testing.T) {
	require := require.New(t)

	k := newTestKernel(t, memdb.New(), Config{})
	createVat(t, k, "alice", capdata.Null(), nil)
	run(t, k)

	kpid, err := k.QueueToVatRoot("alice", "increment", args(1))
	require.NoError(err)
	require.NoError(k.ResolvePromise(kpid, false, capdata.String("early")))
	err = k.ResolvePromise(kpid, true, capdata.Rejection("late"))
	require.ErrorIs(err, keeper.ErrAlreadySettled)
	run(t, k)

	require.Equal("early", requireFulfilled(t, k, kpid))

}

func TestHostCannotSettleVatDecidedPromise(t *testing.T) {
	require := require.New(t)

	k := newTestKernel(t, memdb.New(), Config{})
	createVat(t, k, "carol", capdata.Null(), nil)
	params := capdata.MustMarshal(map[string]interface{}{"peer": capdata.Ref{ID: rootOf(t, k, "carol")}})
	bob := createVat(t, k, "bob", params, nil)
	run(t, k)

	kpid, err := k.QueueToVatRoot("bob", "slow", args())
	require.NoError(err)
	ran, err := k.Step(context.Background())
	require.NoError(err)
	require.True(ran)

	p, err := k.KPStatus(kpid)
	require.NoError(err)
	require.Equal(keeper.Unresolved, p.State)
	require.Equal(bob, p.Decider)
	err = k.ResolvePromise(kpid, false, capdata.Null())
	require.ErrorIs(err, ErrNotKernelOwned)

	run(t, k)
	requireFulfilled(t, k, kpid)
	require.NoError(k.ReleasePromise(kpid))
}

func TestPipelining(t *testing.T) {
	for _, pipelining := range []bool{false, true} {
		pipelining := pipelining
		name := "queued"
		if pipelining {
			name = "pipelined"
		}
		t.Run(name, func(t *testing.T) {
			require := require.New(t)

			k := newTestKernel(t, memdb.New(), Config{})
			createVat(t, k, "carol", capdata.Null(), nil)
			params := capdata.MustMarshal(map[string]interface{}{"peer": capdata.Ref{ID: rootOf(t, k, "carol")}})
			createVat(t, k, "bob", params, map[string]interface{}{"enablePipelining": pipelining})
			run(t, k)

			promised, err := k.QueueToVatRoot("bob", "slow", args())
			require.NoError(err)
			kpid, err := k.Queue(promised, "increment", args(1))
			require.NoError(err)

			for i := 0; i < 2; i++ {
				ran, err := k.Step(context.Background())
				require.NoError(err)
				require.True(ran)
			}
			p, err := k.KPStatus(promised)
			require.NoError(err)
			require.Equal(keeper.Unresolved, p.State)
			if pipelining {
				require.Zero(p.QueueLength)
			} else {
				require.Equal(uint64(1), p.QueueLength)
			}

			run(t, k)
			require.Equal(int64(1), requireFulfilled(t, k, kpid))
		})
	}
}

func TestSendToTerminatedVat(t *testing.T) {
	require := require.New(t)

	k := newTestKernel(t, memdb.New(), Config{})
	vatID := createVat(t, k, "alice", capdata.Null(), nil)
	run(t, k)
	root := rootOf(t, k, "alice")

	kpid, err := k.QueueToVatRoot("alice", "quit", args(false))
	require.NoError(err)
	// Queued behind the exit; the pending send keeps the root object known.
	late, err := k.Queue(root, "increment", args(1))
	require.NoError(err)
	run(t, k)
	require.Nil(requireFulfilled(t, k, kpid))
	require.Equal("vat terminated", requireRejected(t, k, late))

	alive, err := k.Keeper().IsVatAlive(vatID)
	require.NoError(err)
	require.False(alive)
	dead, err := k.Keeper().TerminatedVatIDs()
	require.NoError(err)
	require.Equal([]string{vatID}, dead)

	// Nothing references the orphaned root any more.
	_, err = k.Queue(root, "increment", args(1))
	require.ErrorIs(err, keeper.ErrUnknownObject)
	_, err = k.QueueToVatRoot("alice", "increment", args(1))
	require.Error(err)
}

// A result the host settles while the message is queued keeps the host's
// outcome, whatever happens to the message.
func TestHostSettledResultSurvivesUndeliverableSend(t *testing.T) {
	tests := []struct {
		name   string
		target func(t *testing.T, k *Kernel) string
	}{
		{
			name: "terminated vat",
			target: func(t *testing.T, k *Kernel) string {
				vatID, err := k.Keeper().VatIDForName("alice")
				require.NoError(t, err)
				root := rootOf(t, k, "alice")
				require.NoError(t, k.TerminateVat(vatID, capdata.Null()))
				return root
			},
		},
		{
			name: "rejected promise",
			target: func(t *testing.T, k *Kernel) string {
				kpid, err := k.QueueToVatRoot("alice", "boom", args())
				require.NoError(t, err)
				return kpid
			},
		},
		{
			name: "data fulfillment",
			target: func(t *testing.T, k *Kernel) string {
				kpid, err := k.QueueToVatRoot("alice", "get", args())
				require.NoError(t, err)
				return kpid
			},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			require := require.New(t)

			k := newTestKernel(t, memdb.New(), Config{})
			createVat(t, k, "alice", capdata.Null(), nil)
			run(t, k)

			kpid, err := k.Queue(test.target(t, k), "get", args())
			require.NoError(err)
			require.NoError(k.ResolvePromise(kpid, false, capdata.MustMarshal("early")))
			run(t, k)
			require.Equal("early", requireFulfilled(t, k, kpid))
		})
	}
}

func TestTerminateVatRejectsDecidedPromises(t *testing.T) {
	require := require.New(t)

	k := newTestKernel(t, memdb.New(), Config{})
	createVat(t, k, "carol", capdata.Null(), nil)
	params := capdata.MustMarshal(map[string]interface{}{"peer": capdata.Ref{ID: rootOf(t, k, "carol")}})
	bob := createVat(t, k, "bob", params, nil)
	run(t, k)

	kpid, err := k.QueueToVatRoot("bob", "slow", args())
	require.NoError(err)
	_, err = k.Step(context.Background())
	require.NoError(err)

	require.NoError(k.TerminateVat(bob, capdata.Rejection("shut down")))
	run(t, k)
	require.Equal("shut down", requireRejected(t, k, kpid))
	require.ErrorIs(k.TerminateVat(bob, capdata.Null()), keeper.ErrUnknownVat)
}

// cancelOnDeliver cancels the host's context from inside a delivery.
type cancelOnDeliver struct {
	worker.Worker
	cancel context.CancelFunc
}

func (w *cancelOnDeliver) Deliver(ctx context.Context, d vat.Delivery, sc vat.Syscaller) (vat.DeliveryResult, error) {
	w.cancel()
	return w.Worker.Deliver(ctx, d, sc)
}

func TestHostCancellationDoesNotFaultVats(t *testing.T) {
	require := require.New(t)

	ctx, cancel := context.WithCancel(context.Background())
	k := newTestKernel(t, memdb.New(), Config{
		NewWorker: func(cfg worker.Config) (worker.Worker, error) {
			w, err := worker.New(cfg)
			if err != nil {
				return nil, err
			}
			return &cancelOnDeliver{Worker: w, cancel: cancel}, nil
		},
	})
	vatID := createVat(t, k, "alice", capdata.Null(), map[string]interface{}{"critical": true})

	done, stop := context.WithCancel(context.Background())
	stop()
	ran, err := k.Step(done)
	require.ErrorIs(err, context.Canceled)
	require.False(ran)

	// The context is cancelled in the middle of the first crank, which
	// still completes.
	res, err := k.Run(ctx)
	require.ErrorIs(err, context.Canceled)
	require.Equal(uint64(1), res.Cranks)

	alive, err := k.Keeper().IsVatAlive(vatID)
	require.NoError(err)
	require.True(alive)
	dead, err := k.Keeper().TerminatedVatIDs()
	require.NoError(err)
	require.Empty(dead)

	kpid, err := k.QueueToVatRoot("alice", "increment", args(1))
	require.NoError(err)
	run(t, k)
	require.Equal(int64(1), requireFulfilled(t, k, kpid))
}

func TestVatFailureTerminatesVat(t *testing.T) {
	require := require.New(t)

	k := newTestKernel(t, memdb.New(), Config{})
	vatID := createVat(t, k, "alice", capdata.Null(), map[string]interface{}{
		"workerType":    worker.TypeIsolated,
		"meteringLimit": 100_000,
	})
	run(t, k)

	kpid, err := k.QueueToVatRoot("alice", "spin", args())
	require.NoError(err)
	run(t, k)

	require.Equal("vat terminated", requireRejected(t, k, kpid))
	alive, err := k.Keeper().IsVatAlive(vatID)
	require.NoError(err)
	require.False(alive)
	require.Equal(float64(1), testutil.ToFloat64(k.metrics.terminations))
}

func TestExitWithFailureTerminatesVat(t *testing.T) {
	require := require.New(t)

	k := newTestKernel(t, memdb.New(), Config{})
	vatID := createVat(t, k, "alice", capdata.Null(), nil)
	run(t, k)

	kpid, err := k.QueueToVatRoot("alice", "quit", args(true))
	require.NoError(err)
	run(t, k)

	requireRejected(t, k, kpid)
	alive, err := k.Keeper().IsVatAlive(vatID)
	require.NoError(err)
	require.False(alive)
}

// A critical vat that fails halts the kernel instead of being terminated.
func TestCriticalVatFailurePanics(t *testing.T) {
	require := require.New(t)

	k := newTestKernel(t, memdb.New(), Config{})
	vatID := createVat(t, k, "alice", capdata.Null(), map[string]interface{}{
		"workerType":    worker.TypeIsolated,
		"meteringLimit": 100_000,
		"critical":      true,
	})
	run(t, k)

	kpid, err := k.QueueToVatRoot("alice", "spin", args())
	require.NoError(err)
	_, err = k.Run(context.Background())
	require.ErrorIs(err, ErrKernelPanic)
	var fault *worker.MeteringFault
	require.True(errors.As(err, &fault))
	require.Equal(vatID, fault.VatID)

	p, err := k.KPStatus(kpid)
	require.NoError(err)
	require.Equal(keeper.Unresolved, p.State)

	_, err = k.Step(context.Background())
	require.ErrorIs(err, ErrKernelPanic)
	_, err = k.QueueToVatRoot("alice", "get", args())
	require.ErrorIs(err, ErrKernelPanic)
}

func TestGCSweep(t *testing.T) {
	require := require.New(t)

	k := newTestKernel(t, memdb.New(), Config{})
	alice := createVat(t, k, "alice", capdata.Null(), nil)
	bob := createVat(t, k, "bob", capdata.Null(), nil)
	run(t, k)

	_, err := k.QueueToVatRoot("bob", "fetch", args(capdata.Ref{ID: rootOf(t, k, "alice")}))
	require.NoError(err)
	run(t, k)

	counter := exportOf(t, k, alice)
	rc, err := k.Keeper().GetObjectRefCount(counter)
	require.NoError(err)
	require.Equal(keeper.RefCount{Reachable: 1, Recognizable: 1}, rc)
	importers, err := k.Keeper().Importers(counter)
	require.NoError(err)
	require.Equal([]string{bob}, importers)

	require.NoError(k.ReapAllVats())
	run(t, k)

	exists, err := k.Keeper().ObjectExists(counter)
	require.NoError(err)
	require.False(exists)
	_, ok, err := k.Keeper().VatRefFor(alice, counter)
	require.NoError(err)
	require.False(ok)

	_, err = k.Queue(counter, "get", args())
	require.ErrorIs(err, keeper.ErrUnknownObject)
}

func TestUpgradePreservesIdentity(t *testing.T) {
	require := require.New(t)

	k := newTestKernel(t, memdb.New(), Config{})
	alice := createVat(t, k, "alice", capdata.Null(), nil)
	bob := createVat(t, k, "bob", capdata.Null(), nil)
	run(t, k)

	_, err := k.QueueToVatRoot("bob", "fetch_and_keep", args(capdata.Ref{ID: rootOf(t, k, "alice")}))
	require.NoError(err)
	run(t, k)

	counter := exportOf(t, k, alice)
	before, ok, err := k.Keeper().VatRefFor(bob, counter)
	require.NoError(err)
	require.True(ok)

	require.NoError(k.UpgradeVat(bob, []byte(upgradedVat), capdata.Null(), nil))
	run(t, k)

	rec, err := k.Keeper().GetVatRecord(bob)
	require.NoError(err)
	require.Equal(uint64(1), rec.Incarnation)
	after, ok, err := k.Keeper().VatRefFor(bob, counter)
	require.NoError(err)
	require.True(ok)
	require.Equal(before, after)

	span, err := ReadTranscript(k.Store().Streams(), bob, 1, 0, 1)
	require.NoError(err)
	require.Len(span, 1)
	require.Equal(uint64(0), span[0].DeliveryNum)
	require.Equal(vat.DeliverStartVat, span[0].Delivery.Type)

	kpid, err := k.QueueToVatRoot("bob", "use", args())
	require.NoError(err)
	run(t, k)
	require.Equal(int64(1), requireFulfilled(t, k, kpid))
}

func TestFailedUpgradeKeepsIncarnation(t *testing.T) {
	require := require.New(t)

	k := newTestKernel(t, memdb.New(), Config{})
	vatID := createVat(t, k, "alice", capdata.Null(), nil)
	run(t, k)
	kpid, err := k.QueueToVatRoot("alice", "increment", args(4))
	require.NoError(err)
	run(t, k)
	requireFulfilled(t, k, kpid)

	require.NoError(k.UpgradeVat(vatID, []byte("def build_root_object(params):\n    fail(\"no\")\n"), capdata.Null(), nil))
	run(t, k)

	rec, err := k.Keeper().GetVatRecord(vatID)
	require.NoError(err)
	require.Zero(rec.Incarnation)

	kpid, err = k.QueueToVatRoot("alice", "increment", args(1))
	require.NoError(err)
	run(t, k)
	require.Equal(int64(5), requireFulfilled(t, k, kpid))
}

// scenario drives a fixed sequence of host inputs.
func scenario(t *testing.T, db database.Database) *Kernel {
	require := require.New(t)

	k := newTestKernel(t, db, Config{SnapshotInitial: 2, SnapshotInterval: 3})
	createVat(t, k, "alice", capdata.Null(), nil)
	createVat(t, k, "bob", capdata.Null(), nil)
	run(t, k)
	for i := 0; i < 4; i++ {
		_, err := k.QueueToVatRoot("alice", "increment", args(i))
		require.NoError(err)
		_, err = k.QueueToVatRoot("bob", "ask", args(capdata.Ref{ID: rootOf(t, k, "alice")}))
		require.NoError(err)
	}
	run(t, k)
	require.NoError(k.Commit())
	return k
}

func TestRunsAreDeterministic(t *testing.T) {
	require := require.New(t)

	a := scenario(t, memdb.New())
	b := scenario(t, memdb.New())
	require.Equal(a.ActivityHash(), b.ActivityHash())

	dumpA, err := a.Keeper().Dump()
	require.NoError(err)
	dumpB, err := b.Keeper().Dump()
	require.NoError(err)
	require.Equal(dumpA, dumpB)
}

func copyDB(t *testing.T, src database.Database) database.Database {
	dst := memdb.New()
	it := src.NewIterator()
	defer it.Release()
	for it.Next() {
		require.NoError(t, dst.Put(it.Key(), it.Value()))
	}
	require.NoError(t, it.Error())
	return dst
}

// A kernel restarted from disk brings vats back from snapshot and
// transcript and then behaves exactly like one that never stopped.
func TestRestartReplaysToSameState(t *testing.T) {
	require := require.New(t)

	db := memdb.New()
	warm := scenario(t, db)
	cold := newTestKernel(t, copyDB(t, db), Config{SnapshotInitial: 2, SnapshotInterval: 3})

	alice, err := warm.Keeper().VatIDForName("alice")
	require.NoError(err)
	info, ok, err := cold.Store().Snapshots().Info(alice)
	require.NoError(err)
	require.True(ok)
	require.Positive(int(info.Position))

	for _, k := range []*Kernel{warm, cold} {
		kpid, err := k.QueueToVatRoot("alice", "increment", args(10))
		require.NoError(err)
		run(t, k)
		require.Equal(int64(20), requireFulfilled(t, k, kpid))
	}
	require.Equal(warm.ActivityHash(), cold.ActivityHash())
	require.Positive(int(testutil.ToFloat64(cold.metrics.replayed)))
}

// A vat that replays differently from its transcript halts the kernel; the
// vat itself is left as it was.
func TestReplayDivergenceIsFatal(t *testing.T) {
	require := require.New(t)

	db := memdb.New()
	warm := scenario(t, db)
	alice, err := warm.Keeper().VatIDForName("alice")
	require.NoError(err)

	tampered := copyDB(t, db)
	store, err := swingstore.New(tampered, swingstore.Config{})
	require.NoError(err)
	rec, err := keeper.New(store.KV()).GetVatRecord(alice)
	require.NoError(err)
	stream := rec.TranscriptStream()
	end, err := store.Streams().NextPosition(stream)
	require.NoError(err)
	info, ok, err := store.Snapshots().Info(alice)
	require.NoError(err)
	require.True(ok)
	require.Less(info.Position, end)

	entries, err := ReadTranscript(store.Streams(), alice, rec.Incarnation, 0, end)
	require.NoError(err)
	last := &entries[len(entries)-1]
	last.Syscalls = append(last.Syscalls, SyscallRecord{
		Syscall: vat.Syscall{Type: vat.SyscallVatstoreGet, Key: "tampered"},
	})
	require.NoError(store.Streams().Delete(stream))
	for _, e := range entries {
		require.NoError(appendTranscript(store.Streams(), e))
	}
	require.NoError(store.Commit())

	cold := newTestKernel(t, tampered, Config{SnapshotInitial: 2, SnapshotInterval: 3})
	kpid, err := cold.QueueToVatRoot("alice", "increment", args(10))
	require.NoError(err)
	_, err = cold.Run(context.Background())
	require.ErrorIs(err, ErrKernelPanic)
	require.ErrorIs(err, ErrReplayDivergence)

	alive, err := cold.Keeper().IsVatAlive(alice)
	require.NoError(err)
	require.True(alive)
	dead, err := cold.Keeper().TerminatedVatIDs()
	require.NoError(err)
	require.Empty(dead)
	p, err := cold.KPStatus(kpid)
	require.NoError(err)
	require.Equal(keeper.Unresolved, p.State)
}

func TestBridgeDevice(t *testing.T) {
	require := require.New(t)

	k := newTestKernel(t, memdb.New(), Config{
		Devices: map[string]device.Device{"bridge": device.NewBridge()},
	})
	require.NoError(k.Initialize(Genesis{
		Vats: []GenesisVat{
			{Name: "boot", Source: testVat},
			{Name: "alice", Source: testVat},
		},
		Devices:   []string{"bridge"},
		Bootstrap: "boot",
	}))
	// A second Initialize is a no-op.
	require.NoError(k.Initialize(Genesis{Vats: []GenesisVat{{Name: "other", Source: testVat}}}))
	run(t, k)

	out, err := k.DeviceInvoke("bridge", device.MethodDrainOutbox, args())
	require.NoError(err)
	v, err := capdata.Unmarshal(out)
	require.NoError(err)
	require.Equal([]interface{}{[]interface{}{"peer1", "hello"}}, v)

	_, err = k.DeviceInvoke("bridge", device.MethodInbound, args("peer1", "hi"))
	require.NoError(err)
	run(t, k)

	kpid, err := k.QueueToVatRoot("boot", "last", args())
	require.NoError(err)
	run(t, k)
	require.Equal("hi", requireFulfilled(t, k, kpid))

	_, err = k.VatRoot("other")
	require.ErrorIs(err, ErrUnknownVatName)
}

func TestReapingFollowsDirt(t *testing.T) {
	require := require.New(t)

	k := newTestKernel(t, memdb.New(), Config{})
	vatID := createVat(t, k, "alice", capdata.Null(), map[string]interface{}{
		"reapDirtThreshold": map[string]interface{}{"deliveries": 2},
	})
	run(t, k)
	_, err := k.QueueToVatRoot("alice", "increment", args(1))
	require.NoError(err)
	run(t, k)

	// startVat and increment reach the threshold, so a sweep followed.
	require.Equal(float64(1), testutil.ToFloat64(k.metrics.deliveries.WithLabelValues(vat.DeliverBringOutYourDead)))
	dirt, err := k.Keeper().GetDirt(vatID)
	require.NoError(err)
	require.Equal(keeper.Dirt{}, dirt)
}
