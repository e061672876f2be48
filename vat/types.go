// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package vat defines what flows between the kernel and a vat worker:
// deliveries in, syscalls out, and the result of each delivery.
package vat

import (
	"bytes"

	"github.com/ava-labs/vatkernel/capdata"
)

// Delivery types.
const (
	DeliverMessage          = "message"
	DeliverNotify           = "notify"
	DeliverDropExports      = "dropExports"
	DeliverRetireExports    = "retireExports"
	DeliverRetireImports    = "retireImports"
	DeliverStartVat         = "startVat"
	DeliverBringOutYourDead = "bringOutYourDead"
)

// Syscall types.
const (
	SyscallSend           = "send"
	SyscallSubscribe      = "subscribe"
	SyscallResolve        = "resolve"
	SyscallExit           = "exit"
	SyscallDropImports    = "dropImports"
	SyscallRetireImports  = "retireImports"
	SyscallRetireExports  = "retireExports"
	SyscallAbandonExports = "abandonExports"
	SyscallVatstoreGet    = "vatstoreGet"
	SyscallVatstoreSet    = "vatstoreSet"
	SyscallVatstoreDelete = "vatstoreDelete"
	SyscallCallNow        = "callNow"
	SyscallDisavow        = "disavow"
)

// Delivery status values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Message is a method invocation. Result is empty for a send-only message.
type Message struct {
	Method string          `serialize:"true" json:"method" msgpack:"method"`
	Args   capdata.CapData `serialize:"true" json:"args" msgpack:"args"`
	Result string          `serialize:"true" json:"result,omitempty" msgpack:"result"`
}

// Resolution settles one promise.
type Resolution struct {
	ID       string          `serialize:"true" json:"id" msgpack:"id"`
	Rejected bool            `serialize:"true" json:"rejected" msgpack:"rejected"`
	Data     capdata.CapData `serialize:"true" json:"data" msgpack:"data"`
}

// Delivery is one kernel-to-vat action. Only the fields relevant to Type are
// set. The same shape carries kernel refs inside the kernel and vat refs on
// the worker side of translation.
type Delivery struct {
	Type        string          `serialize:"true" json:"type" msgpack:"type"`
	Target      string          `serialize:"true" json:"target,omitempty" msgpack:"target"`
	Message     Message         `serialize:"true" json:"message" msgpack:"message"`
	Resolutions []Resolution    `serialize:"true" json:"resolutions,omitempty" msgpack:"resolutions"`
	Refs        []string        `serialize:"true" json:"refs,omitempty" msgpack:"refs"`
	Params      capdata.CapData `serialize:"true" json:"params" msgpack:"params"`
}

// Syscall is one vat-to-kernel request issued during a delivery.
type Syscall struct {
	Type        string          `serialize:"true" json:"type" msgpack:"type"`
	Target      string          `serialize:"true" json:"target,omitempty" msgpack:"target"`
	Message     Message         `serialize:"true" json:"message" msgpack:"message"`
	Resolutions []Resolution    `serialize:"true" json:"resolutions,omitempty" msgpack:"resolutions"`
	Refs        []string        `serialize:"true" json:"refs,omitempty" msgpack:"refs"`
	Key         string          `serialize:"true" json:"key,omitempty" msgpack:"key"`
	Value       []byte          `serialize:"true" json:"value,omitempty" msgpack:"value"`
	Failure     bool            `serialize:"true" json:"failure,omitempty" msgpack:"failure"`
	Info        capdata.CapData `serialize:"true" json:"info" msgpack:"info"`
}

// SyscallResult is what the kernel hands back for a syscall.
type SyscallResult struct {
	Error string          `serialize:"true" json:"error,omitempty" msgpack:"error"`
	Found bool            `serialize:"true" json:"found,omitempty" msgpack:"found"`
	Value []byte          `serialize:"true" json:"value,omitempty" msgpack:"value"`
	Data  capdata.CapData `serialize:"true" json:"data" msgpack:"data"`
}

// DeliveryResult is the worker's response to a delivery. Fault names the
// metering limit that was exceeded, if any.
type DeliveryResult struct {
	Status     string `serialize:"true" json:"status" msgpack:"status"`
	Problem    string `serialize:"true" json:"problem,omitempty" msgpack:"problem"`
	Fault      string `serialize:"true" json:"fault,omitempty" msgpack:"fault"`
	Computrons uint64 `serialize:"true" json:"computrons" msgpack:"computrons"`
}

// OK reports whether the delivery completed without a vat-level failure.
func (r DeliveryResult) OK() bool { return r.Status == StatusOK }

// Syscaller executes syscalls on behalf of a worker during one delivery.
type Syscaller interface {
	Syscall(sc Syscall) (SyscallResult, error)
}

// SyscallerFunc adapts a function to Syscaller.
type SyscallerFunc func(sc Syscall) (SyscallResult, error)

func (f SyscallerFunc) Syscall(sc Syscall) (SyscallResult, error) { return f(sc) }

// Equal compares two records by their canonical encoding.
func Equal(a, b interface{}) bool {
	ab, err := Codec.Marshal(CodecVersion, a)
	if err != nil {
		return false
	}
	bb, err := Codec.Marshal(CodecVersion, b)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}
