// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package client talks to a kernel node over JSON-RPC.
package client

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/rpc/v2/json2"

	"github.com/ava-labs/vatkernel/capdata"
	"github.com/ava-labs/vatkernel/inspect"
	"github.com/ava-labs/vatkernel/keeper"
	"github.com/ava-labs/vatkernel/kernel"
)

// Client defines kernel node operations.
type Client interface {
	// QueueToVat sends a message to a vat's root object and returns the
	// kernel promise for its result.
	QueueToVat(ctx context.Context, vat, method string, args capdata.CapData) (string, error)
	// Run drains the run queue and commits the block.
	Run(ctx context.Context) (kernel.RunResult, error)
	// KPStatus fetches the state of a kernel promise.
	KPStatus(ctx context.Context, kpid string) (keeper.Promise, error)
	// DeviceInvoke calls a device from the host.
	DeviceInvoke(ctx context.Context, device, method string, args capdata.CapData) (capdata.CapData, error)
	ListVats(ctx context.Context) ([]inspect.VatInfo, error)
	GetTranscript(ctx context.Context, vatID string, start, end uint64) (inspect.GetTranscriptReply, error)
}

// New creates a client for the node serving JSON-RPC at [uri].
func New(uri string) Client {
	return &client{uri: uri, http: http.DefaultClient}
}

type client struct {
	uri  string
	http *http.Client
}

func (cli *client) call(ctx context.Context, method string, args, reply interface{}) error {
	body, err := json2.EncodeClientRequest(method, args)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cli.uri, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := cli.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s failed: %w", method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s failed: status %s", method, resp.Status)
	}
	return json2.DecodeClientResponse(resp.Body, reply)
}

func (cli *client) QueueToVat(ctx context.Context, vat, method string, args capdata.CapData) (string, error) {
	resp := new(kernel.KPIDReply)
	err := cli.call(ctx, "kernel.queueToVat", &kernel.QueueToVatArgs{
		Vat:    vat,
		Method: method,
		Args:   args,
	}, resp)
	return resp.KPID, err
}

func (cli *client) Run(ctx context.Context) (kernel.RunResult, error) {
	resp := new(kernel.RunResult)
	err := cli.call(ctx, "kernel.run", &kernel.EmptyArgs{}, resp)
	return *resp, err
}

func (cli *client) KPStatus(ctx context.Context, kpid string) (keeper.Promise, error) {
	resp := new(keeper.Promise)
	err := cli.call(ctx, "kernel.kpStatus", &kernel.KPIDArgs{KPID: kpid}, resp)
	return *resp, err
}

func (cli *client) DeviceInvoke(ctx context.Context, device, method string, args capdata.CapData) (capdata.CapData, error) {
	resp := new(kernel.DeviceInvokeReply)
	err := cli.call(ctx, "kernel.deviceInvoke", &kernel.DeviceInvokeArgs{
		Device: device,
		Method: method,
		Args:   args,
	}, resp)
	return resp.Result, err
}

func (cli *client) ListVats(ctx context.Context) ([]inspect.VatInfo, error) {
	resp := new(inspect.ListVatsReply)
	err := cli.call(ctx, "inspect.listVats", &kernel.EmptyArgs{}, resp)
	return resp.Vats, err
}

func (cli *client) GetTranscript(ctx context.Context, vatID string, start, end uint64) (inspect.GetTranscriptReply, error) {
	resp := new(inspect.GetTranscriptReply)
	err := cli.call(ctx, "inspect.getTranscript", &inspect.GetTranscriptArgs{
		VatID: vatID,
		Start: start,
		End:   end,
	}, resp)
	return *resp, err
}
