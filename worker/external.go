// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/hashicorp/go-multierror"
	"github.com/vmihailenco/msgpack/v5"

	log "github.com/inconshreveable/log15"

	"github.com/ava-labs/vatkernel/vat"
)

var (
	_ Worker = (*pipeWorker)(nil)

	errUnexpectedFrame = errors.New("unexpected frame from worker")
	errNoSyscaller     = errors.New("worker issued a syscall outside a delivery")
)

// pipeWorker drives a worker on the far side of a byte stream.
type pipeWorker struct {
	vatID  string
	opts   Options
	log    log.Logger
	enc    *msgpack.Encoder
	dec    *msgpack.Decoder
	kill   func()
	closer func() error
	closed bool
}

func newPipeWorker(cfg Config, r io.Reader, w io.Writer, kill func(), closer func() error) *pipeWorker {
	return &pipeWorker{
		vatID:  cfg.VatID,
		opts:   cfg.Options,
		log:    cfg.Log,
		enc:    msgpack.NewEncoder(w),
		dec:    msgpack.NewDecoder(r),
		kill:   kill,
		closer: closer,
	}
}

// spawn starts the configured worker binary and talks to it over its
// stdin and stdout.
func spawn(cfg Config) (*pipeWorker, error) {
	opts := cfg.Options.External.Spawn
	cmd := exec.Command(opts.Path, opts.Args...)
	cmd.Env = append(os.Environ(), opts.Env...)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open worker stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker %q: %w", opts.Path, err)
	}
	cfg.Log.Debug("spawned worker", "path", opts.Path, "pid", cmd.Process.Pid)
	kill := func() { _ = cmd.Process.Kill() }
	closer := func() error {
		var errs *multierror.Error
		errs = multierror.Append(errs, stdin.Close())
		errs = multierror.Append(errs, cmd.Wait())
		return errs.ErrorOrNil()
	}
	return newPipeWorker(cfg, stdout, stdin, kill, closer), nil
}

func (p *pipeWorker) roundTrip(ctx context.Context, req frame, sc vat.Syscaller) (frame, error) {
	if p.closed {
		return frame{}, errClosed
	}
	if err := ctx.Err(); err != nil {
		return frame{}, err
	}
	stop := context.AfterFunc(ctx, p.kill)
	defer stop()

	if err := p.enc.Encode(&req); err != nil {
		return frame{}, fmt.Errorf("failed to send %s: %w", req.Op, err)
	}
	var syscallErr error
	for {
		var resp frame
		if err := p.dec.Decode(&resp); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return frame{}, ctxErr
			}
			return frame{}, fmt.Errorf("failed to read reply to %s: %w", req.Op, err)
		}
		switch resp.Op {
		case opSyscall:
			if sc == nil || resp.Syscall == nil {
				return frame{}, errNoSyscaller
			}
			res, err := sc.Syscall(*resp.Syscall)
			reply := frame{Op: opSyscallResult, SyscallResult: &res}
			if err != nil {
				syscallErr = err
				reply.Error = err.Error()
			}
			if err := p.enc.Encode(&reply); err != nil {
				return frame{}, fmt.Errorf("failed to send syscall result: %w", err)
			}
		case opDone:
			if syscallErr != nil {
				return resp, syscallErr
			}
			if resp.Error != "" {
				return resp, errors.New(resp.Error)
			}
			return resp, nil
		default:
			return frame{}, fmt.Errorf("%w: %q", errUnexpectedFrame, resp.Op)
		}
	}
}

func (p *pipeWorker) Evaluate(ctx context.Context, b Bundle) error {
	b.Resources = allowedResources(p.opts, b.Resources)
	_, err := p.roundTrip(ctx, frame{
		Op:     opEvaluate,
		VatID:  p.vatID,
		Limits: p.opts.Limits(),
		Bundle: &b,
	}, nil)
	return err
}

func (p *pipeWorker) Deliver(ctx context.Context, d vat.Delivery, sc vat.Syscaller) (vat.DeliveryResult, error) {
	resp, err := p.roundTrip(ctx, frame{Op: opDeliver, Delivery: &d}, sc)
	if err != nil {
		return vat.DeliveryResult{}, err
	}
	if resp.Result == nil {
		return vat.DeliveryResult{}, fmt.Errorf("%w: done without result", errUnexpectedFrame)
	}
	return *resp.Result, nil
}

func (p *pipeWorker) Snapshot(ctx context.Context) ([]byte, error) {
	resp, err := p.roundTrip(ctx, frame{Op: opSnapshot}, nil)
	return resp.Blob, err
}

func (p *pipeWorker) LoadSnapshot(ctx context.Context, blob []byte) error {
	_, err := p.roundTrip(ctx, frame{Op: opLoadSnapshot, Blob: blob}, nil)
	return err
}

func (p *pipeWorker) Close() error {
	if p.closed {
		return nil
	}
	var errs *multierror.Error
	_, err := p.roundTrip(context.Background(), frame{Op: opClose}, nil)
	errs = multierror.Append(errs, err)
	p.closed = true
	if p.closer != nil {
		errs = multierror.Append(errs, p.closer())
	}
	return errs.ErrorOrNil()
}
