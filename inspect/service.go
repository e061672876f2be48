// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package inspect

import (
	"net/http"

	"github.com/ava-labs/vatkernel/keeper"
	"github.com/ava-labs/vatkernel/kernel"
	"github.com/ava-labs/vatkernel/swingstore"
)

// Viewer grants read access to a store. The kernel implements it so reads
// never observe a crank in progress.
type Viewer interface {
	View(fn func(*swingstore.Store) error) error
}

// StoreViewer reads a store that no kernel is running on.
type StoreViewer struct{ Store *swingstore.Store }

func (s StoreViewer) View(fn func(*swingstore.Store) error) error { return fn(s.Store) }

var (
	_ Viewer = StoreViewer{}
	_ Viewer = (*kernel.Kernel)(nil)
)

// Service is the read-only inspection API.
type Service struct{ v Viewer }

func NewService(v Viewer) *Service { return &Service{v: v} }

// ListVatsReply lists every vat the kernel has created.
type ListVatsReply struct {
	Vats []VatInfo `json:"vats"`
}

// ListVats returns the live and terminated vats.
func (s *Service) ListVats(_ *http.Request, _ *kernel.EmptyArgs, reply *ListVatsReply) error {
	return s.v.View(func(store *swingstore.Store) error {
		vats, err := ListVats(store)
		reply.Vats = vats
		return err
	})
}

// GetTranscriptArgs selects a span of a vat's current transcript. An End of
// zero reads to the tail.
type GetTranscriptArgs struct {
	VatID string `json:"vatID"`
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

type GetTranscriptReply struct {
	Vat     CreateVatRecord          `json:"vat"`
	Entries []kernel.TranscriptEntry `json:"entries"`
}

// GetTranscript returns transcript entries of the vat's current incarnation.
func (s *Service) GetTranscript(_ *http.Request, args *GetTranscriptArgs, reply *GetTranscriptReply) error {
	return s.v.View(func(store *swingstore.Store) error {
		h, entries, err := Transcript(store, args.VatID, args.Start, args.End)
		if err != nil {
			return err
		}
		reply.Vat = h
		reply.Entries = entries
		return nil
	})
}

type KPStatusArgs struct {
	KPID string `json:"kpid"`
}

// KPStatus reports the state of a kernel promise.
func (s *Service) KPStatus(_ *http.Request, args *KPStatusArgs, reply *keeper.Promise) error {
	return s.v.View(func(store *swingstore.Store) error {
		p, err := keeper.New(store.KV()).GetPromise(args.KPID)
		if err != nil {
			return err
		}
		*reply = p
		return nil
	})
}
