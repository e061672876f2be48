// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package worker

import (
	"errors"
	"fmt"

	"github.com/ava-labs/avalanchego/ids"
)

// Worker strategies.
const (
	TypeLocal    = "local"
	TypeIsolated = "isolated"
	TypeExternal = "external"
)

var (
	errUnknownType     = errors.New("unknown worker type")
	errMissingSpawn    = errors.New("external worker requires a spawn path")
	errStrayVariant    = errors.New("options set for a different worker type")
	errNoMeteringLimit = errors.New("isolated worker requires a metering limit")
)

// Limits bounds what a metered worker may consume per delivery. Zero means
// unlimited.
type Limits struct {
	MeteringLimit uint64 `serialize:"true" json:"meteringLimit" msgpack:"meteringLimit"`
	HeapLimit     uint64 `serialize:"true" json:"heapLimit" msgpack:"heapLimit"`
}

// IsolatedOptions configure an in-process worker that is metered and can
// only load the resource bundles it was handed.
type IsolatedOptions struct {
	Limits            Limits   `serialize:"true" json:"limits"`
	ResourceBundleIDs []ids.ID `serialize:"true" json:"resourceBundleIDs"`
}

// SpawnOptions describe how to start an external worker process.
type SpawnOptions struct {
	Path string   `serialize:"true" json:"path"`
	Args []string `serialize:"true" json:"args"`
	Env  []string `serialize:"true" json:"env"`
}

// ExternalOptions configure a worker that runs in a child process.
type ExternalOptions struct {
	Spawn             SpawnOptions `serialize:"true" json:"spawn"`
	Limits            Limits       `serialize:"true" json:"limits"`
	ResourceBundleIDs []ids.ID     `serialize:"true" json:"resourceBundleIDs"`
}

// Options is the resolved worker strategy of a vat: Local, Isolated or
// ExternalProcess. Type selects which of the variant fields is meaningful;
// the others must be zero.
type Options struct {
	Type     string          `serialize:"true" json:"type"`
	Isolated IsolatedOptions `serialize:"true" json:"isolated"`
	External ExternalOptions `serialize:"true" json:"external"`
}

// Local returns options for an unmetered in-process worker.
func Local() Options { return Options{Type: TypeLocal} }

// Isolated returns options for a metered in-process worker.
func Isolated(limits Limits, bundles []ids.ID) Options {
	return Options{Type: TypeIsolated, Isolated: IsolatedOptions{Limits: limits, ResourceBundleIDs: bundles}}
}

// External returns options for a child-process worker.
func External(spawn SpawnOptions, limits Limits, bundles []ids.ID) Options {
	return Options{Type: TypeExternal, External: ExternalOptions{Spawn: spawn, Limits: limits, ResourceBundleIDs: bundles}}
}

// Verify checks that only the variant named by Type is populated.
func (o Options) Verify() error {
	switch o.Type {
	case TypeLocal:
		if !o.Isolated.isZero() || !o.External.isZero() {
			return fmt.Errorf("%w: %s", errStrayVariant, o.Type)
		}
	case TypeIsolated:
		if !o.External.isZero() {
			return fmt.Errorf("%w: %s", errStrayVariant, o.Type)
		}
		if o.Isolated.Limits.MeteringLimit == 0 {
			return errNoMeteringLimit
		}
	case TypeExternal:
		if !o.Isolated.isZero() {
			return fmt.Errorf("%w: %s", errStrayVariant, o.Type)
		}
		if o.External.Spawn.Path == "" {
			return errMissingSpawn
		}
	default:
		return fmt.Errorf("%w: %q", errUnknownType, o.Type)
	}
	return nil
}

// Limits returns the metering limits in force, zero for a local worker.
func (o Options) Limits() Limits {
	switch o.Type {
	case TypeIsolated:
		return o.Isolated.Limits
	case TypeExternal:
		return o.External.Limits
	}
	return Limits{}
}

// ResourceBundleIDs returns the bundles the worker may load. A nil result
// for a local worker means any bundle is allowed.
func (o Options) ResourceBundleIDs() []ids.ID {
	switch o.Type {
	case TypeIsolated:
		return o.Isolated.ResourceBundleIDs
	case TypeExternal:
		return o.External.ResourceBundleIDs
	}
	return nil
}

func (o IsolatedOptions) isZero() bool {
	return o.Limits == (Limits{}) && len(o.ResourceBundleIDs) == 0
}

func (o ExternalOptions) isZero() bool {
	return o.Spawn.Path == "" && len(o.Spawn.Args) == 0 && len(o.Spawn.Env) == 0 &&
		o.Limits == (Limits{}) && len(o.ResourceBundleIDs) == 0
}

// MeteringFault reports that a delivery exceeded one of its limits.
type MeteringFault struct {
	VatID string
	Limit string
}

func (f *MeteringFault) Error() string {
	return fmt.Sprintf("vat %s exceeded its %s limit", f.VatID, f.Limit)
}
