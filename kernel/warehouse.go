// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package kernel

import (
	"context"
	"errors"
	"fmt"

	"github.com/emirpasic/gods/maps/linkedhashmap"
	"github.com/hashicorp/go-multierror"

	log "github.com/inconshreveable/log15"

	"github.com/ava-labs/vatkernel/keeper"
	"github.com/ava-labs/vatkernel/worker"
)

var errEvaluate = errors.New("failed to evaluate vat bundle")

// liveVat is a vat with a running worker.
type liveVat struct {
	vatID       string
	incarnation uint64
	worker      worker.Worker
}

// warehouse keeps a bounded set of vats online, least recently used first.
// A vat brought online is evaluated, restored from its latest snapshot and
// then caught up by replaying the rest of its transcript.
type warehouse struct {
	k      *Kernel
	max    int
	online *linkedhashmap.Map // vatID -> *liveVat
	log    log.Logger
}

func newWarehouse(k *Kernel, max int) *warehouse {
	return &warehouse{
		k:      k,
		max:    max,
		online: linkedhashmap.New(),
		log:    log.New("module", "warehouse"),
	}
}

// get returns the vat's worker, starting it if needed.
func (w *warehouse) get(ctx context.Context, rec keeper.VatRecord) (*liveVat, error) {
	if v, ok := w.online.Get(rec.VatID); ok {
		lv := v.(*liveVat)
		if lv.incarnation == rec.Incarnation {
			w.online.Remove(rec.VatID)
			w.online.Put(rec.VatID, lv)
			return lv, nil
		}
		if err := w.evict(rec.VatID); err != nil {
			return nil, err
		}
	}

	lv, err := w.start(ctx, rec)
	if err != nil {
		return nil, err
	}
	w.online.Put(rec.VatID, lv)
	for w.online.Size() > w.max {
		oldest := w.online.Keys()[0].(string)
		if err := w.evict(oldest); err != nil {
			return nil, err
		}
	}
	return lv, nil
}

func (w *warehouse) start(ctx context.Context, rec keeper.VatRecord) (*liveVat, error) {
	bundle, err := w.k.loadBundle(rec)
	if err != nil {
		return nil, err
	}
	wk, err := w.k.config.NewWorker(worker.Config{
		VatID:   rec.VatID,
		Options: rec.Options.Worker,
		Log:     log.New("module", "vat", "vat", rec.VatID),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errEvaluate, rec.VatID, err)
	}
	if err := wk.Evaluate(ctx, bundle); err != nil {
		_ = wk.Close()
		return nil, fmt.Errorf("%w: %s: %v", errEvaluate, rec.VatID, err)
	}
	lv := &liveVat{vatID: rec.VatID, incarnation: rec.Incarnation, worker: wk}

	start := uint64(0)
	info, blob, ok, err := w.k.store.Snapshots().Load(rec.VatID)
	if err != nil {
		_ = wk.Close()
		return nil, err
	}
	if ok && info.Incarnation == rec.Incarnation {
		if err := wk.LoadSnapshot(ctx, blob); err != nil {
			_ = wk.Close()
			return nil, fmt.Errorf("failed to load snapshot of %s: %w", rec.VatID, err)
		}
		start = info.Position
	}
	if !rec.Options.UseTranscript {
		return lv, nil
	}
	if err := w.replay(ctx, lv, start); err != nil {
		_ = wk.Close()
		return nil, err
	}
	return lv, nil
}

// replay re-delivers the transcript from [start] through a simulator.
func (w *warehouse) replay(ctx context.Context, lv *liveVat, start uint64) error {
	stream := keeper.TranscriptStream(lv.vatID, lv.incarnation)
	end, err := w.k.store.Streams().NextPosition(stream)
	if err != nil {
		return err
	}
	if start >= end {
		return nil
	}
	entries, err := ReadTranscript(w.k.store.Streams(), lv.vatID, lv.incarnation, start, end)
	if err != nil {
		return err
	}
	w.log.Debug("replaying transcript", "vat", lv.vatID, "incarnation", lv.incarnation, "from", start, "to", end)
	for _, e := range entries {
		if err := ReplayEntry(ctx, lv.worker, e); err != nil {
			return err
		}
		w.k.metrics.replayed.Inc()
	}
	return nil
}

// evict stops the vat's worker, if it is online.
func (w *warehouse) evict(vatID string) error {
	v, ok := w.online.Get(vatID)
	if !ok {
		return nil
	}
	w.online.Remove(vatID)
	if err := v.(*liveVat).worker.Close(); err != nil {
		w.log.Warn("failed to close worker", "vat", vatID, "err", err)
	}
	return nil
}

// onlineVatIDs lists online vats, least recently used first.
func (w *warehouse) onlineVatIDs() []string {
	keys := w.online.Keys()
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.(string)
	}
	return out
}

// shutdown stops every worker.
func (w *warehouse) shutdown() error {
	var errs *multierror.Error
	for _, vatID := range w.onlineVatIDs() {
		v, _ := w.online.Get(vatID)
		w.online.Remove(vatID)
		errs = multierror.Append(errs, v.(*liveVat).worker.Close())
	}
	return errs.ErrorOrNil()
}
