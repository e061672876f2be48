// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package device

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/ava-labs/vatkernel/capdata"
)

// Bridge methods.
const (
	MethodRegisterInboundHandler = "registerInboundHandler"
	MethodSend                   = "send"
	MethodInbound                = "inbound"
	MethodDrainOutbox            = "drainOutbox"
)

var (
	_ Device = (*Bridge)(nil)

	ErrUnknownMethod = errors.New("unknown device method")

	errNoHandler = errors.New("no inbound handler registered")
	errBadArgs   = errors.New("bad device arguments")
)

// OutboxMessage is one message a vat handed to the bridge for the host.
type OutboxMessage struct {
	Peer string `msgpack:"peer"`
	Body string `msgpack:"body"`
}

type bridgeState struct {
	Handler string          `msgpack:"handler"`
	Outbox  []OutboxMessage `msgpack:"outbox"`
}

// Bridge connects vats to the host. Vats register an inbound handler and
// post outbound messages; the host injects inbound messages and drains the
// outbox between blocks.
type Bridge struct{}

func NewBridge() *Bridge { return &Bridge{} }

func (*Bridge) load(dc *Context) (bridgeState, error) {
	var st bridgeState
	b, err := dc.GetState()
	if err != nil || len(b) == 0 {
		return st, err
	}
	if err := msgpack.Unmarshal(b, &st); err != nil {
		return st, fmt.Errorf("failed to decode bridge state: %w", err)
	}
	return st, nil
}

func (*Bridge) save(dc *Context, st bridgeState) error {
	b, err := msgpack.Marshal(&st)
	if err != nil {
		return fmt.Errorf("failed to encode bridge state: %w", err)
	}
	return dc.SetState(b)
}

func (br *Bridge) Invoke(dc *Context, method string, args capdata.CapData) (capdata.CapData, error) {
	argv, err := unpackArgs(args)
	if err != nil {
		return capdata.CapData{}, err
	}
	st, err := br.load(dc)
	if err != nil {
		return capdata.CapData{}, err
	}

	switch method {
	case MethodRegisterInboundHandler:
		if len(argv) != 1 {
			return capdata.CapData{}, fmt.Errorf("%w: %s wants a handler", errBadArgs, method)
		}
		ref, ok := argv[0].(capdata.Ref)
		if !ok {
			return capdata.CapData{}, fmt.Errorf("%w: handler must be a reference", errBadArgs)
		}
		st.Handler = ref.ID
	case MethodSend:
		peer, body, err := peerAndBody(method, argv)
		if err != nil {
			return capdata.CapData{}, err
		}
		st.Outbox = append(st.Outbox, OutboxMessage{Peer: peer, Body: body})
	case MethodInbound:
		peer, body, err := peerAndBody(method, argv)
		if err != nil {
			return capdata.CapData{}, err
		}
		if st.Handler == "" {
			return capdata.CapData{}, errNoHandler
		}
		msg := capdata.MustMarshal([]interface{}{peer, body})
		if err := dc.SendOnly(st.Handler, MethodInbound, msg); err != nil {
			return capdata.CapData{}, err
		}
		return capdata.Null(), nil
	case MethodDrainOutbox:
		out := make([]interface{}, 0, len(st.Outbox))
		for _, m := range st.Outbox {
			out = append(out, []interface{}{m.Peer, m.Body})
		}
		st.Outbox = nil
		if err := br.save(dc, st); err != nil {
			return capdata.CapData{}, err
		}
		return capdata.Marshal(out)
	default:
		return capdata.CapData{}, fmt.Errorf("%w: bridge.%s", ErrUnknownMethod, method)
	}
	return capdata.Null(), br.save(dc, st)
}

func unpackArgs(args capdata.CapData) ([]interface{}, error) {
	if len(args.Body) == 0 {
		return nil, nil
	}
	v, err := capdata.Unmarshal(args)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadArgs, err)
	}
	switch v := v.(type) {
	case nil:
		return nil, nil
	case []interface{}:
		return v, nil
	case capdata.Tuple:
		return v, nil
	}
	return nil, fmt.Errorf("%w: arguments must be a list", errBadArgs)
}

func peerAndBody(method string, argv []interface{}) (string, string, error) {
	if len(argv) != 2 {
		return "", "", fmt.Errorf("%w: %s wants peer and body", errBadArgs, method)
	}
	peer, ok1 := argv[0].(string)
	body, ok2 := argv[1].(string)
	if !ok1 || !ok2 {
		return "", "", fmt.Errorf("%w: %s wants strings", errBadArgs, method)
	}
	return peer, body, nil
}
