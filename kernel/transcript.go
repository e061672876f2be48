// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package kernel

import (
	"context"
	"errors"
	"fmt"

	"github.com/ava-labs/vatkernel/keeper"
	"github.com/ava-labs/vatkernel/swingstore"
	"github.com/ava-labs/vatkernel/vat"
	"github.com/ava-labs/vatkernel/worker"
)

var ErrReplayDivergence = errors.New("replay diverged from transcript")

// SyscallRecord is one syscall a vat issued during a delivery, with the
// result the kernel gave it.
type SyscallRecord struct {
	Syscall vat.Syscall       `serialize:"true" json:"syscall"`
	Result  vat.SyscallResult `serialize:"true" json:"result"`
}

// TranscriptEntry records one delivery in vat-local terms: everything a
// fresh worker needs to reproduce it.
type TranscriptEntry struct {
	VatID       string             `serialize:"true" json:"vatID"`
	Incarnation uint64             `serialize:"true" json:"incarnation"`
	DeliveryNum uint64             `serialize:"true" json:"deliveryNum"`
	Delivery    vat.Delivery       `serialize:"true" json:"delivery"`
	Syscalls    []SyscallRecord    `serialize:"true" json:"syscalls"`
	Response    vat.DeliveryResult `serialize:"true" json:"response"`
}

// ParseTranscriptEntry decodes one stream item.
func ParseTranscriptEntry(b []byte) (TranscriptEntry, error) {
	var e TranscriptEntry
	if _, err := vat.Codec.Unmarshal(b, &e); err != nil {
		return TranscriptEntry{}, fmt.Errorf("failed to parse transcript entry: %w", err)
	}
	return e, nil
}

func appendTranscript(streams *swingstore.StreamStore, e TranscriptEntry) error {
	b, err := vat.Codec.Marshal(vat.CodecVersion, &e)
	if err != nil {
		return fmt.Errorf("failed to marshal transcript entry: %w", err)
	}
	if _, err := streams.Append(keeper.TranscriptStream(e.VatID, e.Incarnation), b); err != nil {
		return fmt.Errorf("failed to append transcript entry: %w", err)
	}
	return nil
}

// ReadTranscript returns the entries of one incarnation's span in
// [start, end).
func ReadTranscript(streams *swingstore.StreamStore, vatID string, incarnation, start, end uint64) ([]TranscriptEntry, error) {
	items, err := streams.ReadAll(keeper.TranscriptStream(vatID, incarnation), start, end)
	if err != nil {
		return nil, err
	}
	out := make([]TranscriptEntry, 0, len(items))
	for _, item := range items {
		e, err := ParseTranscriptEntry(item)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// simulator stands in for the kernel while a recorded delivery is replayed.
// Each syscall must match the next recorded one and receives its recorded
// result.
type simulator struct {
	entry TranscriptEntry
	next  int
	err   error
}

var _ vat.Syscaller = (*simulator)(nil)

func newSimulator(e TranscriptEntry) *simulator {
	return &simulator{entry: e}
}

func (s *simulator) Syscall(sc vat.Syscall) (vat.SyscallResult, error) {
	if s.err != nil {
		return vat.SyscallResult{}, s.err
	}
	if s.next >= len(s.entry.Syscalls) {
		s.err = fmt.Errorf("%w: vat %s delivery %d issued extra syscall %s", ErrReplayDivergence, s.entry.VatID, s.entry.DeliveryNum, sc.Type)
		return vat.SyscallResult{}, s.err
	}
	rec := s.entry.Syscalls[s.next]
	if !vat.Equal(&rec.Syscall, &sc) {
		s.err = fmt.Errorf("%w: vat %s delivery %d syscall %d: recorded %s, got %s", ErrReplayDivergence, s.entry.VatID, s.entry.DeliveryNum, s.next, rec.Syscall.Type, sc.Type)
		return vat.SyscallResult{}, s.err
	}
	s.next++
	return rec.Result, nil
}

// finish checks the delivery's outcome against the record.
func (s *simulator) finish(res vat.DeliveryResult, deliverErr error) error {
	if s.err != nil {
		return s.err
	}
	if deliverErr != nil {
		return fmt.Errorf("%w: vat %s delivery %d failed: %v", ErrReplayDivergence, s.entry.VatID, s.entry.DeliveryNum, deliverErr)
	}
	if s.next != len(s.entry.Syscalls) {
		return fmt.Errorf("%w: vat %s delivery %d issued %d of %d syscalls", ErrReplayDivergence, s.entry.VatID, s.entry.DeliveryNum, s.next, len(s.entry.Syscalls))
	}
	if !vat.Equal(&s.entry.Response, &res) {
		return fmt.Errorf("%w: vat %s delivery %d response %+v, recorded %+v", ErrReplayDivergence, s.entry.VatID, s.entry.DeliveryNum, res, s.entry.Response)
	}
	return nil
}

// ReplayEntry re-delivers a recorded delivery to [w], answering its syscalls
// from the record. It fails with ErrReplayDivergence if the vat behaves
// differently than it did the first time.
func ReplayEntry(ctx context.Context, w worker.Worker, e TranscriptEntry) error {
	sim := newSimulator(e)
	res, err := w.Deliver(ctx, e.Delivery, sim)
	return sim.finish(res, err)
}
