// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package inspect reads a kernel's store from the outside: it lists vats,
// extracts transcripts into self-contained files and replays them.
package inspect

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	log "github.com/inconshreveable/log15"

	"github.com/ava-labs/vatkernel/capdata"
	"github.com/ava-labs/vatkernel/keeper"
	"github.com/ava-labs/vatkernel/kernel"
	"github.com/ava-labs/vatkernel/swingstore"
	"github.com/ava-labs/vatkernel/worker"
)

// RecordCreateVat is the type of the first record of an extracted transcript.
const RecordCreateVat = "create-vat"

// maxLineSize bounds one JSON line of a transcript file.
const maxLineSize = 64 * 1024 * 1024

var (
	ErrNoHeader     = errors.New("transcript file does not start with a create-vat record")
	errVatNotActive = errors.New("vat is not active")
)

// VatInfo summarizes one vat.
type VatInfo struct {
	VatID       string             `json:"vatID"`
	Name        string             `json:"name,omitempty"`
	Dynamic     bool               `json:"dynamic"`
	Incarnation uint64             `json:"incarnation"`
	Deliveries  uint64             `json:"deliveries"`
	Terminated  bool               `json:"terminated"`
	Options     *keeper.VatOptions `json:"options,omitempty"`
}

// CreateVatRecord opens an extracted transcript. It carries everything a
// fresh worker needs before the first recorded delivery. Slots in
// Parameters are kernel references.
type CreateVatRecord struct {
	Type        string            `json:"type"`
	VatID       string            `json:"vatID"`
	Name        string            `json:"name"`
	Incarnation uint64            `json:"incarnation"`
	Bundle      string            `json:"bundle"`
	Parameters  capdata.CapData   `json:"parameters"`
	Resources   map[string][]byte `json:"resources,omitempty"`
	Options     keeper.VatOptions `json:"options"`
}

// ListVats returns the live vats followed by the terminated ones, which only
// keep their IDs.
func ListVats(store *swingstore.Store) ([]VatInfo, error) {
	k := keeper.New(store.KV())
	vatIDs, err := k.VatIDs()
	if err != nil {
		return nil, err
	}
	out := make([]VatInfo, 0, len(vatIDs))
	for _, vatID := range vatIDs {
		rec, err := k.GetVatRecord(vatID)
		if err != nil {
			return nil, err
		}
		deliveries, err := store.Streams().NextPosition(rec.TranscriptStream())
		if err != nil {
			return nil, err
		}
		opts := rec.Options
		out = append(out, VatInfo{
			VatID:       rec.VatID,
			Name:        rec.Name,
			Dynamic:     rec.Dynamic,
			Incarnation: rec.Incarnation,
			Deliveries:  deliveries,
			Options:     &opts,
		})
	}

	dead, err := k.TerminatedVatIDs()
	if err != nil {
		return nil, err
	}
	for _, vatID := range dead {
		out = append(out, VatInfo{VatID: vatID, Terminated: true})
	}
	return out, nil
}

func header(store *swingstore.Store, vatID string) (keeper.VatRecord, CreateVatRecord, error) {
	k := keeper.New(store.KV())
	alive, err := k.IsVatAlive(vatID)
	if err != nil {
		return keeper.VatRecord{}, CreateVatRecord{}, err
	}
	if !alive {
		return keeper.VatRecord{}, CreateVatRecord{}, fmt.Errorf("%w: %s", errVatNotActive, vatID)
	}
	rec, err := k.GetVatRecord(vatID)
	if err != nil {
		return keeper.VatRecord{}, CreateVatRecord{}, err
	}
	source, err := store.Bundles().Get(rec.BundleID)
	if err != nil {
		return keeper.VatRecord{}, CreateVatRecord{}, err
	}
	h := CreateVatRecord{
		Type:        RecordCreateVat,
		VatID:       rec.VatID,
		Name:        rec.Name,
		Incarnation: rec.Incarnation,
		Bundle:      string(source),
		Parameters:  rec.Parameters,
		Options:     rec.Options,
	}
	for _, id := range rec.Options.Worker.ResourceBundleIDs() {
		b, err := store.Bundles().Get(id)
		if err != nil {
			return keeper.VatRecord{}, CreateVatRecord{}, err
		}
		if h.Resources == nil {
			h.Resources = make(map[string][]byte)
		}
		h.Resources[id.String()] = b
	}
	return rec, h, nil
}

// Transcript returns the header and every entry of the vat's current
// incarnation in [start, end). An end of zero reads to the tail.
func Transcript(store *swingstore.Store, vatID string, start, end uint64) (CreateVatRecord, []kernel.TranscriptEntry, error) {
	rec, h, err := header(store, vatID)
	if err != nil {
		return CreateVatRecord{}, nil, err
	}
	if end == 0 {
		if end, err = store.Streams().NextPosition(rec.TranscriptStream()); err != nil {
			return CreateVatRecord{}, nil, err
		}
	}
	entries, err := kernel.ReadTranscript(store.Streams(), rec.VatID, rec.Incarnation, start, end)
	if err != nil {
		return CreateVatRecord{}, nil, err
	}
	return h, entries, nil
}

// ExtractTranscript writes the vat's current incarnation as JSON lines: a
// create-vat record followed by one line per delivery. It returns the number
// of deliveries written.
func ExtractTranscript(store *swingstore.Store, vatID string, w io.Writer) (int, error) {
	h, entries, err := Transcript(store, vatID, 0, 0)
	if err != nil {
		return 0, err
	}
	enc := json.NewEncoder(w)
	if err := enc.Encode(&h); err != nil {
		return 0, fmt.Errorf("failed to write create-vat record: %w", err)
	}
	for i := range entries {
		if err := enc.Encode(&entries[i]); err != nil {
			return i, fmt.Errorf("failed to write delivery %d: %w", entries[i].DeliveryNum, err)
		}
	}
	return len(entries), nil
}

// ReplayResult reports a successful replay.
type ReplayResult struct {
	VatID       string `json:"vatID"`
	Incarnation uint64 `json:"incarnation"`
	Deliveries  int    `json:"deliveries"`
}

// replayOptions picks the worker a transcript is replayed on. External
// vats are replayed in process under the same limits.
func replayOptions(opts worker.Options) worker.Options {
	if opts.Type != worker.TypeExternal {
		return opts
	}
	limits := opts.External.Limits
	if limits.MeteringLimit == 0 {
		return worker.Local()
	}
	return worker.Isolated(limits, opts.External.ResourceBundleIDs)
}

// ReplayTranscript re-executes an extracted transcript on a fresh worker and
// checks every syscall and result against the record. A mismatch is
// reported as kernel.ErrReplayDivergence.
func ReplayTranscript(ctx context.Context, r io.Reader) (ReplayResult, error) {
	logger := log.New("module", "inspect")

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return ReplayResult{}, err
		}
		return ReplayResult{}, ErrNoHeader
	}
	var h CreateVatRecord
	if err := json.Unmarshal(scanner.Bytes(), &h); err != nil || h.Type != RecordCreateVat {
		return ReplayResult{}, ErrNoHeader
	}

	wk, err := worker.New(worker.Config{
		VatID:   h.VatID,
		Options: replayOptions(h.Options.Worker),
		Log:     logger.New("vat", h.VatID),
	})
	if err != nil {
		return ReplayResult{}, err
	}
	defer wk.Close()
	if err := wk.Evaluate(ctx, worker.Bundle{Source: []byte(h.Bundle), Resources: h.Resources}); err != nil {
		return ReplayResult{}, fmt.Errorf("failed to evaluate %s: %w", h.VatID, err)
	}

	res := ReplayResult{VatID: h.VatID, Incarnation: h.Incarnation}
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var e kernel.TranscriptEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return res, fmt.Errorf("failed to parse delivery %d: %w", res.Deliveries, err)
		}
		if err := kernel.ReplayEntry(ctx, wk, e); err != nil {
			return res, err
		}
		res.Deliveries++
	}
	if err := scanner.Err(); err != nil {
		return res, err
	}
	logger.Info("transcript replayed", "vat", h.VatID, "incarnation", h.Incarnation, "deliveries", res.Deliveries)
	return res, nil
}
