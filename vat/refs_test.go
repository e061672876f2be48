// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package vat

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ava-labs/vatkernel/capdata"
)

func TestParseRef(t *testing.T) {
	require := require.New(t)

	tests := []struct {
		vref string
		want Ref
	}{
		{"o+0", Ref{Kind: Object, Exported: true}},
		{"o-12", Ref{Kind: Object, ID: 12}},
		{"o+d3", Ref{Kind: Object, Exported: true, Durable: true, ID: 3}},
		{"p+5", Ref{Kind: Promise, Exported: true, ID: 5}},
		{"d-1", Ref{Kind: Device, ID: 1}},
	}
	for _, test := range tests {
		got, err := ParseRef(test.vref)
		require.NoError(err, test.vref)
		require.Equal(test.want, got)
		require.Equal(test.vref, got.String())
	}

	for _, bad := range []string{"", "x+1", "o*1", "p+d1", "o-d1", "o+abc"} {
		_, err := ParseRef(bad)
		require.Error(err, bad)
	}
}

func TestCompareKernelRefs(t *testing.T) {
	require := require.New(t)

	require.Equal(-1, CompareKernelRefs("ko2", "ko10"))
	require.Equal(1, CompareKernelRefs("kp1", "ko9"))
	require.Equal(0, CompareKernelRefs("kd4", "kd4"))
}

func TestEqual(t *testing.T) {
	require := require.New(t)

	a := Syscall{Type: SyscallSend, Target: "o-1", Message: Message{Method: "m", Args: capdata.String("x")}}
	b := a
	require.True(Equal(a, b))
	b.Message.Method = "n"
	require.False(Equal(a, b))
}
