// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package client

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/ava-labs/avalanchego/database/memdb"
	"github.com/ava-labs/avalanchego/utils/json"
	"github.com/gorilla/rpc/v2"
	"github.com/stretchr/testify/require"

	"github.com/ava-labs/vatkernel/capdata"
	"github.com/ava-labs/vatkernel/device"
	"github.com/ava-labs/vatkernel/inspect"
	"github.com/ava-labs/vatkernel/keeper"
	"github.com/ava-labs/vatkernel/kernel"
)

const echoVat = `
def echo(self, peer, body):
    call_now(self.state["bridge"], "send", peer, body)
    return body

def add(self, a, b):
    return a + b

def bootstrap(self, vats, devices):
    self.state["bridge"] = devices["bridge"]

Root = define_kind("Root", {"echo": echo, "add": add, "bootstrap": bootstrap})

def build_root_object(params):
    return make(Root, {"bridge": None})
`

func newTestServer(t *testing.T) Client {
	require := require.New(t)

	k, err := kernel.New(memdb.New(), kernel.Config{
		Devices: map[string]device.Device{"bridge": device.NewBridge()},
	})
	require.NoError(err)
	t.Cleanup(func() { _ = k.Shutdown() })
	require.NoError(k.Initialize(kernel.Genesis{
		Vats:      []kernel.GenesisVat{{Name: "echo", Source: echoVat}},
		Devices:   []string{"bridge"},
		Bootstrap: "echo",
	}))

	server := rpc.NewServer()
	codec := json.NewCodec()
	server.RegisterCodec(codec, "application/json")
	require.NoError(server.RegisterService(kernel.NewService(k), "kernel"))
	require.NoError(server.RegisterService(inspect.NewService(k), "inspect"))
	ts := httptest.NewServer(server)
	t.Cleanup(ts.Close)
	return New(ts.URL)
}

func TestClientRoundTrip(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	cli := newTestServer(t)
	res, err := cli.Run(ctx)
	require.NoError(err)
	require.Positive(int(res.Cranks))

	kpid, err := cli.QueueToVat(ctx, "echo", "add", capdata.MustMarshal([]interface{}{2, 3}))
	require.NoError(err)
	_, err = cli.Run(ctx)
	require.NoError(err)

	p, err := cli.KPStatus(ctx, kpid)
	require.NoError(err)
	require.Equal(keeper.Fulfilled, p.State)
	v, err := capdata.Unmarshal(p.Data)
	require.NoError(err)
	require.Equal(int64(5), v)

	_, err = cli.QueueToVat(ctx, "echo", "echo", capdata.MustMarshal([]interface{}{"peer1", "ping"}))
	require.NoError(err)
	_, err = cli.Run(ctx)
	require.NoError(err)
	out, err := cli.DeviceInvoke(ctx, "bridge", device.MethodDrainOutbox, capdata.MustMarshal([]interface{}{}))
	require.NoError(err)
	v, err = capdata.Unmarshal(out)
	require.NoError(err)
	require.Equal([]interface{}{[]interface{}{"peer1", "ping"}}, v)

	vats, err := cli.ListVats(ctx)
	require.NoError(err)
	require.Len(vats, 1)
	require.Equal("echo", vats[0].Name)

	tr, err := cli.GetTranscript(ctx, vats[0].VatID, 0, 0)
	require.NoError(err)
	require.Equal("echo", tr.Vat.Name)
	require.Len(tr.Entries, int(vats[0].Deliveries))
}

func TestClientReportsErrors(t *testing.T) {
	cli := newTestServer(t)
	_, err := cli.QueueToVat(context.Background(), "nobody", "add", capdata.MustMarshal([]interface{}{}))
	require.Error(t, err)
	require.Contains(t, err.Error(), kernel.ErrUnknownVatName.Error())
}
