// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package device

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ava-labs/vatkernel/capdata"
)

type sent struct {
	target string
	method string
	args   capdata.CapData
}

type fakeHost struct {
	state map[string][]byte
	sent  []sent
}

func newFakeHost() *fakeHost {
	return &fakeHost{state: make(map[string][]byte)}
}

func (h *fakeHost) GetDeviceState(deviceID string) ([]byte, error) {
	return h.state[deviceID], nil
}

func (h *fakeHost) SetDeviceState(deviceID string, state []byte) error {
	h.state[deviceID] = state
	return nil
}

func (h *fakeHost) SendOnly(target, method string, args capdata.CapData) error {
	h.sent = append(h.sent, sent{target: target, method: method, args: args})
	return nil
}

func args(v ...interface{}) capdata.CapData {
	if v == nil {
		v = []interface{}{}
	}
	return capdata.MustMarshal(v)
}

func TestBridgeOutbox(t *testing.T) {
	require := require.New(t)

	host := newFakeHost()
	br := NewBridge()
	dc := NewContext("d1", host)

	_, err := br.Invoke(dc, MethodSend, args("peerA", "hello"))
	require.NoError(err)
	_, err = br.Invoke(dc, MethodSend, args("peerB", "bye"))
	require.NoError(err)
	require.NotEmpty(host.state["d1"])

	out, err := br.Invoke(dc, MethodDrainOutbox, args())
	require.NoError(err)
	v, err := capdata.Unmarshal(out)
	require.NoError(err)
	require.Equal([]interface{}{
		[]interface{}{"peerA", "hello"},
		[]interface{}{"peerB", "bye"},
	}, v)

	out, err = br.Invoke(dc, MethodDrainOutbox, args())
	require.NoError(err)
	v, err = capdata.Unmarshal(out)
	require.NoError(err)
	require.Empty(v)
}

func TestBridgeInbound(t *testing.T) {
	require := require.New(t)

	host := newFakeHost()
	br := NewBridge()
	dc := NewContext("d1", host)

	_, err := br.Invoke(dc, MethodInbound, args("peerA", "early"))
	require.ErrorIs(err, errNoHandler)

	_, err = br.Invoke(dc, MethodRegisterInboundHandler, args(capdata.Ref{ID: "ko4"}))
	require.NoError(err)
	_, err = br.Invoke(dc, MethodInbound, args("peerA", "ping"))
	require.NoError(err)

	require.Len(host.sent, 1)
	require.Equal("ko4", host.sent[0].target)
	require.Equal(MethodInbound, host.sent[0].method)
	v, err := capdata.Unmarshal(host.sent[0].args)
	require.NoError(err)
	require.Equal([]interface{}{"peerA", "ping"}, v)
}

func TestBridgeRejectsBadCalls(t *testing.T) {
	require := require.New(t)

	br := NewBridge()
	dc := NewContext("d1", newFakeHost())

	_, err := br.Invoke(dc, "launch", args())
	require.ErrorIs(err, ErrUnknownMethod)
	_, err = br.Invoke(dc, MethodSend, args("only-peer"))
	require.ErrorIs(err, errBadArgs)
	_, err = br.Invoke(dc, MethodRegisterInboundHandler, args("not-a-ref"))
	require.ErrorIs(err, errBadArgs)
}
