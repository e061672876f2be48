// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package worker binds a vat to an execution strategy. Every strategy
// implements Worker; the kernel never knows which one it is talking to.
package worker

import (
	"context"
	"fmt"

	log "github.com/inconshreveable/log15"

	"github.com/ava-labs/vatkernel/liveslots"
	"github.com/ava-labs/vatkernel/vat"
)

// Bundle is vat source plus the resource bundles load() may reach, keyed by
// bundle ID.
type Bundle struct {
	Source    []byte            `msgpack:"source"`
	Resources map[string][]byte `msgpack:"resources"`
}

// Worker runs one vat.
type Worker interface {
	// Evaluate loads the vat's code. It is called once, before anything
	// else.
	Evaluate(ctx context.Context, b Bundle) error
	// Deliver performs one delivery, issuing syscalls through sc.
	Deliver(ctx context.Context, d vat.Delivery, sc vat.Syscaller) (vat.DeliveryResult, error)
	// Snapshot captures the vat's heap.
	Snapshot(ctx context.Context) ([]byte, error)
	// LoadSnapshot replaces the heap with a captured one.
	LoadSnapshot(ctx context.Context, blob []byte) error
	Close() error
}

// Config selects and configures a worker.
type Config struct {
	VatID   string
	Options Options
	Log     log.Logger
}

// New starts a worker of the configured type.
func New(cfg Config) (Worker, error) {
	if err := cfg.Options.Verify(); err != nil {
		return nil, err
	}
	if cfg.Log == nil {
		cfg.Log = log.New("module", "worker", "vat", cfg.VatID)
	}
	switch cfg.Options.Type {
	case TypeLocal, TypeIsolated:
		return newInProcess(cfg), nil
	case TypeExternal:
		return spawn(cfg)
	}
	return nil, fmt.Errorf("%w: %q", errUnknownType, cfg.Options.Type)
}

func runtimeLimits(l Limits) liveslots.Limits {
	return liveslots.Limits{MaxSteps: l.MeteringLimit, MaxHeap: l.HeapLimit}
}

// Fault converts a delivery result that exceeded a limit into a
// MeteringFault, or returns nil.
func Fault(vatID string, res vat.DeliveryResult) error {
	if res.Fault == "" {
		return nil
	}
	return &MeteringFault{VatID: vatID, Limit: res.Fault}
}
