// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package worker

import (
	"testing"

	"github.com/ava-labs/avalanchego/ids"
	"github.com/stretchr/testify/require"

	"github.com/ava-labs/vatkernel/vat"
)

func TestOptionsVerify(t *testing.T) {
	bundle := ids.ID{1}
	tests := []struct {
		name string
		opts Options
		err  error
	}{
		{"local", Local(), nil},
		{"isolated", Isolated(Limits{MeteringLimit: 1000}, []ids.ID{bundle}), nil},
		{"isolated without limit", Isolated(Limits{}, nil), errNoMeteringLimit},
		{"external", External(SpawnOptions{Path: "/bin/worker"}, Limits{}, nil), nil},
		{"external without path", External(SpawnOptions{}, Limits{}, nil), errMissingSpawn},
		{"local with isolated fields", Options{Type: TypeLocal, Isolated: IsolatedOptions{ResourceBundleIDs: []ids.ID{bundle}}}, errStrayVariant},
		{"isolated with spawn", Options{Type: TypeIsolated, Isolated: IsolatedOptions{Limits: Limits{MeteringLimit: 1}}, External: ExternalOptions{Spawn: SpawnOptions{Path: "x"}}}, errStrayVariant},
		{"unknown", Options{Type: "xsnap"}, errUnknownType},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := test.opts.Verify()
			if test.err == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, test.err)
		})
	}
}

func TestOptionsAccessors(t *testing.T) {
	require := require.New(t)

	bundle := ids.ID{2}
	limits := Limits{MeteringLimit: 5, HeapLimit: 6}
	require.Equal(Limits{}, Local().Limits())
	require.Nil(Local().ResourceBundleIDs())
	require.Equal(limits, Isolated(limits, []ids.ID{bundle}).Limits())
	require.Equal([]ids.ID{bundle}, External(SpawnOptions{Path: "p"}, limits, []ids.ID{bundle}).ResourceBundleIDs())
}

func TestOptionsCodecRoundTrip(t *testing.T) {
	require := require.New(t)

	opts := External(SpawnOptions{Path: "/bin/w", Args: []string{"-v"}, Env: []string{"A=1"}}, Limits{MeteringLimit: 9}, []ids.ID{{3}})
	b, err := vat.Codec.Marshal(vat.CodecVersion, &opts)
	require.NoError(err)
	var parsed Options
	_, err = vat.Codec.Unmarshal(b, &parsed)
	require.NoError(err)
	require.Equal(opts.Type, parsed.Type)
	require.Equal(opts.External, parsed.External)
	require.NoError(parsed.Verify())
}

func TestFault(t *testing.T) {
	require := require.New(t)

	require.NoError(Fault("v1", vat.DeliveryResult{Status: vat.StatusOK}))
	err := Fault("v1", vat.DeliveryResult{Status: vat.StatusError, Fault: "compute"})
	var fault *MeteringFault
	require.ErrorAs(err, &fault)
	require.Equal("compute", fault.Limit)
}
