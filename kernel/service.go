// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package kernel

import (
	"net/http"

	"github.com/ava-labs/vatkernel/capdata"
	"github.com/ava-labs/vatkernel/keeper"
)

// Service is the kernel's JSON-RPC API.
type Service struct{ k *Kernel }

// NewService wraps [k] for registration with a gorilla rpc server.
func NewService(k *Kernel) *Service { return &Service{k: k} }

// EmptyArgs is the argument of methods that take none.
type EmptyArgs struct{}

// QueueToVatArgs names a vat's root object and the message to send it.
type QueueToVatArgs struct {
	Vat    string          `json:"vat"`
	Method string          `json:"method"`
	Args   capdata.CapData `json:"args"`
}

// KPIDReply carries a kernel promise ID.
type KPIDReply struct {
	KPID string `json:"kpid"`
}

// QueueToVat sends a message to the root object of [args.Vat]. The message
// runs on the next call to Run.
func (s *Service) QueueToVat(_ *http.Request, args *QueueToVatArgs, reply *KPIDReply) error {
	kpid, err := s.k.QueueToVatRoot(args.Vat, args.Method, args.Args)
	if err != nil {
		return err
	}
	reply.KPID = kpid
	return nil
}

// Run drains the run queue and commits the result as one block.
func (s *Service) Run(r *http.Request, _ *EmptyArgs, reply *RunResult) error {
	res, err := s.k.Run(r.Context())
	if err != nil {
		return err
	}
	if err := s.k.Commit(); err != nil {
		return err
	}
	*reply = *res
	return nil
}

// KPIDArgs names a kernel promise.
type KPIDArgs struct {
	KPID string `json:"kpid"`
}

// KPStatus reports the state of a kernel promise.
func (s *Service) KPStatus(_ *http.Request, args *KPIDArgs, reply *keeper.Promise) error {
	p, err := s.k.KPStatus(args.KPID)
	if err != nil {
		return err
	}
	*reply = p
	return nil
}

// DeviceInvokeArgs calls [Method] on the named device.
type DeviceInvokeArgs struct {
	Device string          `json:"device"`
	Method string          `json:"method"`
	Args   capdata.CapData `json:"args"`
}

// DeviceInvokeReply is the device's result.
type DeviceInvokeReply struct {
	Result capdata.CapData `json:"result"`
}

// DeviceInvoke calls a device from the host. Its effects are committed on
// the next Run.
func (s *Service) DeviceInvoke(_ *http.Request, args *DeviceInvokeArgs, reply *DeviceInvokeReply) error {
	res, err := s.k.DeviceInvoke(args.Device, args.Method, args.Args)
	if err != nil {
		return err
	}
	reply.Result = res
	return nil
}
