// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package kernel

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ava-labs/vatkernel/device"
	"github.com/ava-labs/vatkernel/keeper"
	"github.com/ava-labs/vatkernel/worker"
)

const (
	defaultSnapshotInitial  = 3
	defaultSnapshotInterval = 200
	defaultMaxVatsOnline    = 50
	defaultMeteringLimit    = 1_000_000
)

// Config tunes the kernel. The zero value is usable.
type Config struct {
	// SnapshotInitial is the delivery after which a vat's first heap
	// snapshot is taken; SnapshotInterval the spacing of later ones.
	SnapshotInitial  uint64 `mapstructure:"snapshotInitial"`
	SnapshotInterval uint64 `mapstructure:"snapshotInterval"`

	// DefaultReapDirtThreshold applies to vats created without one.
	DefaultReapDirtThreshold keeper.DirtThreshold `mapstructure:"defaultReapDirtThreshold"`

	// DefaultWorker is the worker type of vats that do not name one.
	DefaultWorker string `mapstructure:"defaultWorker"`
	// DefaultMeteringLimit applies to metered vats that do not set one.
	DefaultMeteringLimit uint64 `mapstructure:"defaultMeteringLimit"`

	// MaxVatsOnline bounds the number of live workers.
	MaxVatsOnline int `mapstructure:"maxVatsOnline"`

	BundleCacheSize int `mapstructure:"bundleCacheSize"`

	Registerer prometheus.Registerer `mapstructure:"-"`

	// Devices are the device implementations, by name. A device must be
	// named here to be registered at genesis or reached afterwards.
	Devices map[string]device.Device `mapstructure:"-"`

	// NewWorker starts a vat worker; worker.New when nil.
	NewWorker func(worker.Config) (worker.Worker, error) `mapstructure:"-"`
}

// DefaultConfig returns the tunables used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		SnapshotInitial:          defaultSnapshotInitial,
		SnapshotInterval:         defaultSnapshotInterval,
		DefaultReapDirtThreshold: keeper.DirtThreshold{Deliveries: 20, GCKrefs: 20},
		DefaultWorker:            worker.TypeLocal,
		DefaultMeteringLimit:     defaultMeteringLimit,
		MaxVatsOnline:            defaultMaxVatsOnline,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SnapshotInitial == 0 {
		c.SnapshotInitial = d.SnapshotInitial
	}
	if c.SnapshotInterval == 0 {
		c.SnapshotInterval = d.SnapshotInterval
	}
	if c.DefaultReapDirtThreshold == (keeper.DirtThreshold{}) {
		c.DefaultReapDirtThreshold = d.DefaultReapDirtThreshold
	}
	if c.DefaultWorker == "" {
		c.DefaultWorker = d.DefaultWorker
	}
	if c.DefaultMeteringLimit == 0 {
		c.DefaultMeteringLimit = d.DefaultMeteringLimit
	}
	if c.MaxVatsOnline <= 0 {
		c.MaxVatsOnline = d.MaxVatsOnline
	}
	if c.Registerer == nil {
		c.Registerer = prometheus.NewRegistry()
	}
	if c.NewWorker == nil {
		c.NewWorker = worker.New
	}
	return c
}
