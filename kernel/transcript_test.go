// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package kernel

import (
	"testing"

	"github.com/ava-labs/avalanchego/database/memdb"
	"github.com/stretchr/testify/require"

	"github.com/ava-labs/vatkernel/capdata"
	"github.com/ava-labs/vatkernel/swingstore"
	"github.com/ava-labs/vatkernel/vat"
)

func recordedEntry() TranscriptEntry {
	return TranscriptEntry{
		VatID:       "v1",
		DeliveryNum: 3,
		Delivery: vat.Delivery{
			Type:    vat.DeliverMessage,
			Target:  vat.RootRef,
			Message: vat.Message{Method: "get", Args: capdata.MustMarshal([]interface{}{})},
		},
		Syscalls: []SyscallRecord{
			{
				Syscall: vat.Syscall{Type: vat.SyscallVatstoreGet, Key: "count"},
				Result:  vat.SyscallResult{Found: true, Value: []byte("7")},
			},
		},
		Response: vat.DeliveryResult{Status: vat.StatusOK, Computrons: 12},
	}
}

func TestSimulatorReplaysRecordedSyscalls(t *testing.T) {
	require := require.New(t)

	sim := newSimulator(recordedEntry())
	res, err := sim.Syscall(vat.Syscall{Type: vat.SyscallVatstoreGet, Key: "count"})
	require.NoError(err)
	require.True(res.Found)
	require.Equal([]byte("7"), res.Value)
	require.NoError(sim.finish(vat.DeliveryResult{Status: vat.StatusOK, Computrons: 12}, nil))
}

func TestSimulatorDetectsDivergence(t *testing.T) {
	tests := []struct {
		name string
		run  func(*simulator) error
	}{
		{
			name: "different syscall",
			run: func(sim *simulator) error {
				_, err := sim.Syscall(vat.Syscall{Type: vat.SyscallVatstoreGet, Key: "other"})
				return err
			},
		},
		{
			name: "extra syscall",
			run: func(sim *simulator) error {
				if _, err := sim.Syscall(vat.Syscall{Type: vat.SyscallVatstoreGet, Key: "count"}); err != nil {
					return err
				}
				_, err := sim.Syscall(vat.Syscall{Type: vat.SyscallVatstoreDelete, Key: "count"})
				return err
			},
		},
		{
			name: "missing syscall",
			run: func(sim *simulator) error {
				return sim.finish(vat.DeliveryResult{Status: vat.StatusOK, Computrons: 12}, nil)
			},
		},
		{
			name: "different response",
			run: func(sim *simulator) error {
				if _, err := sim.Syscall(vat.Syscall{Type: vat.SyscallVatstoreGet, Key: "count"}); err != nil {
					return err
				}
				return sim.finish(vat.DeliveryResult{Status: vat.StatusError, Problem: "boom"}, nil)
			},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			require.ErrorIs(t, test.run(newSimulator(recordedEntry())), ErrReplayDivergence)
		})
	}
}

func TestReadTranscriptSpan(t *testing.T) {
	require := require.New(t)

	store, err := swingstore.New(memdb.New(), swingstore.Config{})
	require.NoError(err)
	for i := uint64(0); i < 4; i++ {
		e := recordedEntry()
		e.DeliveryNum = i
		require.NoError(appendTranscript(store.Streams(), e))
	}

	span, err := ReadTranscript(store.Streams(), "v1", 0, 1, 3)
	require.NoError(err)
	require.Len(span, 2)
	require.Equal(uint64(1), span[0].DeliveryNum)
	require.Equal(uint64(2), span[1].DeliveryNum)
	want := recordedEntry().Syscalls
	require.Len(span[1].Syscalls, len(want))
	require.True(vat.Equal(&want[0], &span[1].Syscalls[0]))

	other, err := ReadTranscript(store.Streams(), "v1", 1, 0, 0)
	require.NoError(err)
	require.Empty(other)
}
