// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package worker

import (
	"github.com/ava-labs/vatkernel/vat"
)

// Frame operations. The kernel sends the first five; the worker answers
// with syscall frames during a delivery and a done frame at the end of
// every request.
const (
	opEvaluate      = "evaluate"
	opDeliver       = "deliver"
	opSnapshot      = "snapshot"
	opLoadSnapshot  = "loadSnapshot"
	opClose         = "close"
	opSyscallResult = "syscallResult"
	opSyscall       = "syscall"
	opDone          = "done"
)

// frame is the single message type exchanged with an external worker, as
// a stream of msgpack values.
type frame struct {
	Op            string              `msgpack:"op"`
	VatID         string              `msgpack:"vatID,omitempty"`
	Limits        Limits              `msgpack:"limits"`
	Bundle        *Bundle             `msgpack:"bundle,omitempty"`
	Delivery      *vat.Delivery       `msgpack:"delivery,omitempty"`
	Syscall       *vat.Syscall        `msgpack:"syscall,omitempty"`
	SyscallResult *vat.SyscallResult  `msgpack:"syscallResult,omitempty"`
	Result        *vat.DeliveryResult `msgpack:"result,omitempty"`
	Blob          []byte              `msgpack:"blob,omitempty"`
	Error         string              `msgpack:"error,omitempty"`
}
