// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package kernel

import (
	"testing"

	"github.com/ava-labs/avalanchego/ids"
	"github.com/stretchr/testify/require"

	"github.com/ava-labs/vatkernel/keeper"
	"github.com/ava-labs/vatkernel/worker"
)

func hasBundles(installed ...ids.ID) func(ids.ID) (bool, error) {
	return func(id ids.ID) (bool, error) {
		for _, have := range installed {
			if have == id {
				return true, nil
			}
		}
		return false, nil
	}
}

func TestParseVatOptionsDefaults(t *testing.T) {
	require := require.New(t)

	config := Config{}.withDefaults()
	opts, err := parseVatOptions(config, nil, hasBundles())
	require.NoError(err)
	require.Equal(worker.Local(), opts.Worker)
	require.True(opts.UseTranscript)
	require.False(opts.EnablePipelining)
	require.False(opts.Critical)
	require.Equal(config.DefaultReapDirtThreshold, opts.ReapDirtThreshold)
}

func TestParseVatOptionsIsolated(t *testing.T) {
	require := require.New(t)

	bundle := ids.GenerateTestID()
	config := Config{}.withDefaults()
	opts, err := parseVatOptions(config, map[string]interface{}{
		"workerType":        "isolated",
		"heapLimit":         "4096",
		"resourceBundles":   []string{bundle.String()},
		"useTranscript":     false,
		"reapDirtThreshold": map[string]interface{}{"never": true},
	}, hasBundles(bundle))
	require.NoError(err)
	require.Equal(worker.Isolated(worker.Limits{
		MeteringLimit: config.DefaultMeteringLimit,
		HeapLimit:     4096,
	}, []ids.ID{bundle}), opts.Worker)
	require.False(opts.UseTranscript)
	require.Equal(keeper.DirtThreshold{Never: true}, opts.ReapDirtThreshold)
}

func TestParseVatOptionsErrors(t *testing.T) {
	missing := ids.GenerateTestID()
	tests := []struct {
		name string
		opts map[string]interface{}
		err  error
	}{
		{
			name: "unknown key",
			opts: map[string]interface{}{"colour": "blue"},
			err:  ErrUnknownOption,
		},
		{
			name: "metering on local worker",
			opts: map[string]interface{}{"workerType": "local", "meteringLimit": 5},
			err:  ErrIncompatibleOption,
		},
		{
			name: "spawn on isolated worker",
			opts: map[string]interface{}{"workerType": "isolated", "spawnPath": "/bin/vat"},
			err:  ErrIncompatibleOption,
		},
		{
			name: "external without spawn path",
			opts: map[string]interface{}{"workerType": "external"},
			err:  ErrInvalidOption,
		},
		{
			name: "unknown worker type",
			opts: map[string]interface{}{"workerType": "wasm"},
			err:  ErrInvalidOption,
		},
		{
			name: "bad bundle id",
			opts: map[string]interface{}{"workerType": "isolated", "resourceBundles": []string{"nope"}},
			err:  ErrInvalidOption,
		},
		{
			name: "bundle not installed",
			opts: map[string]interface{}{"workerType": "isolated", "resourceBundles": []string{missing.String()}},
			err:  ErrInvalidOption,
		},
		{
			name: "wrong type",
			opts: map[string]interface{}{"critical": []int{1}},
			err:  ErrInvalidOption,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := parseVatOptions(Config{}.withDefaults(), test.opts, hasBundles())
			require.ErrorIs(t, err, test.err)
		})
	}
}

func TestParseVatOptionsExternal(t *testing.T) {
	require := require.New(t)

	opts, err := parseVatOptions(Config{}.withDefaults(), map[string]interface{}{
		"workerType":    "external",
		"spawnPath":     "/usr/local/bin/vat-worker",
		"spawnArgs":     []string{"--log-level", "debug"},
		"meteringLimit": 10,
		"critical":      true,
	}, hasBundles())
	require.NoError(err)
	require.Equal(worker.TypeExternal, opts.Worker.Type)
	require.Equal("/usr/local/bin/vat-worker", opts.Worker.External.Spawn.Path)
	require.Equal([]string{"--log-level", "debug"}, opts.Worker.External.Spawn.Args)
	require.Equal(uint64(10), opts.Worker.Limits().MeteringLimit)
	require.True(opts.Critical)
}
