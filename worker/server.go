// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package worker

import (
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	log "github.com/inconshreveable/log15"

	"github.com/ava-labs/vatkernel/liveslots"
	"github.com/ava-labs/vatkernel/vat"
)

var errNoRuntime = errors.New("evaluate must come first")

type server struct {
	log     log.Logger
	enc     *msgpack.Encoder
	dec     *msgpack.Decoder
	runtime *liveslots.Runtime
}

// Serve is the worker side of the external protocol. It answers requests
// read from [r] on [w] until the kernel sends close or the stream ends.
func Serve(r io.Reader, w io.Writer, logger log.Logger) error {
	s := &server{
		log: logger,
		enc: msgpack.NewEncoder(w),
		dec: msgpack.NewDecoder(r),
	}
	for {
		var req frame
		if err := s.dec.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to read request: %w", err)
		}
		resp := s.handle(req)
		if err := s.enc.Encode(&resp); err != nil {
			return fmt.Errorf("failed to write reply: %w", err)
		}
		if req.Op == opClose {
			return nil
		}
	}
}

func (s *server) handle(req frame) frame {
	resp := frame{Op: opDone}
	var err error
	switch req.Op {
	case opEvaluate:
		if req.Bundle == nil {
			err = fmt.Errorf("%w: evaluate without bundle", errUnexpectedFrame)
			break
		}
		s.runtime = liveslots.New(liveslots.Config{
			VatID:  req.VatID,
			Limits: runtimeLimits(req.Limits),
			Log:    s.log.New("vat", req.VatID),
		})
		err = s.runtime.Evaluate(req.Bundle.Source, req.Bundle.Resources)
	case opDeliver:
		if s.runtime == nil || req.Delivery == nil {
			err = errNoRuntime
			break
		}
		var res vat.DeliveryResult
		res, err = s.runtime.Deliver(*req.Delivery, vat.SyscallerFunc(s.syscall))
		resp.Result = &res
	case opSnapshot:
		if s.runtime == nil {
			err = errNoRuntime
			break
		}
		resp.Blob, err = s.runtime.Snapshot()
	case opLoadSnapshot:
		if s.runtime == nil {
			err = errNoRuntime
			break
		}
		err = s.runtime.LoadSnapshot(req.Blob)
	case opClose:
	default:
		err = fmt.Errorf("%w: %q", errUnexpectedFrame, req.Op)
	}
	if err != nil {
		resp.Error = err.Error()
	}
	return resp
}

func (s *server) syscall(sc vat.Syscall) (vat.SyscallResult, error) {
	if err := s.enc.Encode(&frame{Op: opSyscall, Syscall: &sc}); err != nil {
		return vat.SyscallResult{}, err
	}
	var reply frame
	if err := s.dec.Decode(&reply); err != nil {
		return vat.SyscallResult{}, err
	}
	if reply.Op != opSyscallResult {
		return vat.SyscallResult{}, fmt.Errorf("%w: %q during delivery", errUnexpectedFrame, reply.Op)
	}
	if reply.Error != "" {
		return vat.SyscallResult{}, errors.New(reply.Error)
	}
	if reply.SyscallResult == nil {
		return vat.SyscallResult{}, nil
	}
	return *reply.SyscallResult, nil
}
