// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package worker

import (
	"context"
	"errors"

	"github.com/ava-labs/vatkernel/liveslots"
	"github.com/ava-labs/vatkernel/vat"
)

var (
	_ Worker = (*inProcess)(nil)

	errClosed = errors.New("worker closed")
)

// inProcess runs the vat runtime on the kernel's goroutine. A local worker
// is unmetered; an isolated one is metered and only sees the resource
// bundles named in its options.
type inProcess struct {
	opts    Options
	runtime *liveslots.Runtime
	closed  bool
}

func newInProcess(cfg Config) *inProcess {
	return &inProcess{
		opts: cfg.Options,
		runtime: liveslots.New(liveslots.Config{
			VatID:  cfg.VatID,
			Limits: runtimeLimits(cfg.Options.Limits()),
			Log:    cfg.Log,
		}),
	}
}

func (w *inProcess) check(ctx context.Context) error {
	if w.closed {
		return errClosed
	}
	return ctx.Err()
}

func (w *inProcess) Evaluate(ctx context.Context, b Bundle) error {
	if err := w.check(ctx); err != nil {
		return err
	}
	return w.runtime.Evaluate(b.Source, allowedResources(w.opts, b.Resources))
}

func (w *inProcess) Deliver(ctx context.Context, d vat.Delivery, sc vat.Syscaller) (vat.DeliveryResult, error) {
	if err := w.check(ctx); err != nil {
		return vat.DeliveryResult{}, err
	}
	return w.runtime.Deliver(d, sc)
}

func (w *inProcess) Snapshot(ctx context.Context) ([]byte, error) {
	if err := w.check(ctx); err != nil {
		return nil, err
	}
	return w.runtime.Snapshot()
}

func (w *inProcess) LoadSnapshot(ctx context.Context, blob []byte) error {
	if err := w.check(ctx); err != nil {
		return err
	}
	return w.runtime.LoadSnapshot(blob)
}

func (w *inProcess) Close() error {
	w.closed = true
	return nil
}

// allowedResources filters [resources] down to what the options permit. A
// local worker may load anything it was handed.
func allowedResources(opts Options, resources map[string][]byte) map[string][]byte {
	if opts.Type == TypeLocal {
		return resources
	}
	out := make(map[string][]byte)
	for _, id := range opts.ResourceBundleIDs() {
		if src, ok := resources[id.String()]; ok {
			out[id.String()] = src
		}
	}
	return out
}
