// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package kernel

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ava-labs/avalanchego/ids"
	"github.com/mitchellh/mapstructure"

	"github.com/ava-labs/vatkernel/keeper"
	"github.com/ava-labs/vatkernel/worker"
)

var (
	ErrUnknownOption      = errors.New("unknown vat option")
	ErrIncompatibleOption = errors.New("incompatible vat option")
	ErrInvalidOption      = errors.New("invalid vat option")
)

type dirtOptions struct {
	Deliveries uint64 `mapstructure:"deliveries"`
	GCKrefs    uint64 `mapstructure:"gcKrefs"`
	Computrons uint64 `mapstructure:"computrons"`
	Never      bool   `mapstructure:"never"`
}

// rawOptions is the wire form of vat options. Pointers distinguish "unset"
// from zero.
type rawOptions struct {
	WorkerType      string   `mapstructure:"workerType"`
	MeteringLimit   *uint64  `mapstructure:"meteringLimit"`
	HeapLimit       *uint64  `mapstructure:"heapLimit"`
	ResourceBundles []string `mapstructure:"resourceBundles"`
	SpawnPath       *string  `mapstructure:"spawnPath"`
	SpawnArgs       []string `mapstructure:"spawnArgs"`
	SpawnEnv        []string `mapstructure:"spawnEnv"`

	EnablePipelining  bool         `mapstructure:"enablePipelining"`
	EnableDisavow     bool         `mapstructure:"enableDisavow"`
	UseTranscript     *bool        `mapstructure:"useTranscript"`
	Critical          bool         `mapstructure:"critical"`
	ReapDirtThreshold *dirtOptions `mapstructure:"reapDirtThreshold"`
}

func (r *rawOptions) meteredKeys() []string {
	var keys []string
	if r.MeteringLimit != nil {
		keys = append(keys, "meteringLimit")
	}
	if r.HeapLimit != nil {
		keys = append(keys, "heapLimit")
	}
	if r.ResourceBundles != nil {
		keys = append(keys, "resourceBundles")
	}
	return keys
}

func (r *rawOptions) spawnKeys() []string {
	var keys []string
	if r.SpawnPath != nil {
		keys = append(keys, "spawnPath")
	}
	if r.SpawnArgs != nil {
		keys = append(keys, "spawnArgs")
	}
	if r.SpawnEnv != nil {
		keys = append(keys, "spawnEnv")
	}
	return keys
}

// ParseVatOptions validates untyped vat options and resolves them against
// the kernel defaults. It never touches the store except to check that
// resource bundles exist.
func (k *Kernel) ParseVatOptions(opts map[string]interface{}) (keeper.VatOptions, error) {
	return parseVatOptions(k.config, opts, k.store.Bundles().Has)
}

func parseVatOptions(config Config, opts map[string]interface{}, hasBundle func(ids.ID) (bool, error)) (keeper.VatOptions, error) {
	var raw rawOptions
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		Result:           &raw,
	})
	if err != nil {
		return keeper.VatOptions{}, err
	}
	if err := dec.Decode(opts); err != nil {
		var merr *mapstructure.Error
		if errors.As(err, &merr) {
			for _, msg := range merr.Errors {
				if strings.Contains(msg, "has invalid keys") {
					return keeper.VatOptions{}, fmt.Errorf("%w: %s", ErrUnknownOption, msg)
				}
			}
		}
		return keeper.VatOptions{}, fmt.Errorf("%w: %v", ErrInvalidOption, err)
	}

	workerType := raw.WorkerType
	if workerType == "" {
		workerType = config.DefaultWorker
	}

	var wopts worker.Options
	switch workerType {
	case worker.TypeLocal:
		if keys := append(raw.meteredKeys(), raw.spawnKeys()...); len(keys) > 0 {
			return keeper.VatOptions{}, fmt.Errorf("%w: %s not allowed with workerType %q", ErrIncompatibleOption, strings.Join(keys, ", "), workerType)
		}
		wopts = worker.Local()
	case worker.TypeIsolated, worker.TypeExternal:
		if keys := raw.spawnKeys(); workerType == worker.TypeIsolated && len(keys) > 0 {
			return keeper.VatOptions{}, fmt.Errorf("%w: %s not allowed with workerType %q", ErrIncompatibleOption, strings.Join(keys, ", "), workerType)
		}
		limits := worker.Limits{MeteringLimit: config.DefaultMeteringLimit}
		if raw.MeteringLimit != nil {
			limits.MeteringLimit = *raw.MeteringLimit
		}
		if raw.HeapLimit != nil {
			limits.HeapLimit = *raw.HeapLimit
		}
		bundles, err := parseBundleIDs(raw.ResourceBundles, hasBundle)
		if err != nil {
			return keeper.VatOptions{}, err
		}
		if workerType == worker.TypeIsolated {
			wopts = worker.Isolated(limits, bundles)
			break
		}
		if raw.SpawnPath == nil || *raw.SpawnPath == "" {
			return keeper.VatOptions{}, fmt.Errorf("%w: workerType %q requires spawnPath", ErrInvalidOption, workerType)
		}
		wopts = worker.External(worker.SpawnOptions{
			Path: *raw.SpawnPath,
			Args: raw.SpawnArgs,
			Env:  raw.SpawnEnv,
		}, limits, bundles)
	default:
		return keeper.VatOptions{}, fmt.Errorf("%w: workerType %q", ErrInvalidOption, workerType)
	}
	if err := wopts.Verify(); err != nil {
		return keeper.VatOptions{}, fmt.Errorf("%w: %v", ErrInvalidOption, err)
	}

	out := keeper.VatOptions{
		Worker:            wopts,
		EnablePipelining:  raw.EnablePipelining,
		EnableDisavow:     raw.EnableDisavow,
		UseTranscript:     true,
		Critical:          raw.Critical,
		ReapDirtThreshold: config.DefaultReapDirtThreshold,
	}
	if raw.UseTranscript != nil {
		out.UseTranscript = *raw.UseTranscript
	}
	if d := raw.ReapDirtThreshold; d != nil {
		out.ReapDirtThreshold = keeper.DirtThreshold{
			Deliveries: d.Deliveries,
			GCKrefs:    d.GCKrefs,
			Computrons: d.Computrons,
			Never:      d.Never,
		}
	}
	return out, nil
}

func parseBundleIDs(raw []string, hasBundle func(ids.ID) (bool, error)) ([]ids.ID, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]ids.ID, 0, len(raw))
	for _, s := range raw {
		id, err := ids.FromString(s)
		if err != nil {
			return nil, fmt.Errorf("%w: resource bundle %q: %v", ErrInvalidOption, s, err)
		}
		ok, err := hasBundle(id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: resource bundle %s is not installed", ErrInvalidOption, id)
		}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out, nil
}
