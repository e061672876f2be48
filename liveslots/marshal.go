// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package liveslots

import (
	"errors"
	"fmt"
	"math/big"

	"go.starlark.net/starlark"

	"github.com/ava-labs/vatkernel/capdata"
)

var (
	errNotSerializable = errors.New("value cannot be serialized")
	errBadSlot         = errors.New("slot does not name a known value")
)

// refFunc names a reference-bearing value (instance, presence, promise) as
// a slot.
type refFunc func(v starlark.Value) (string, error)

// resolveFunc turns a slot back into a value.
type resolveFunc func(id string) (starlark.Value, error)

func encodeValue(v starlark.Value, ref refFunc) (capdata.CapData, error) {
	host, err := toHost(v, ref)
	if err != nil {
		return capdata.CapData{}, err
	}
	return capdata.Marshal(host)
}

func decodeValue(cd capdata.CapData, resolve resolveFunc) (starlark.Value, error) {
	if len(cd.Body) == 0 {
		return starlark.None, nil
	}
	host, err := capdata.Unmarshal(cd)
	if err != nil {
		return nil, err
	}
	return fromHost(host, resolve)
}

func toHost(v starlark.Value, ref refFunc) (interface{}, error) {
	switch v := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(v), nil
	case starlark.Int:
		if i, ok := v.Int64(); ok {
			return i, nil
		}
		return v.BigInt(), nil
	case starlark.String:
		return string(v), nil
	case starlark.Bytes:
		return []byte(v), nil
	case *starlark.List:
		out := make([]interface{}, v.Len())
		for i := range out {
			e, err := toHost(v.Index(i), ref)
			if err != nil {
				return nil, err
			}
			out[i] = e
		}
		return out, nil
	case starlark.Tuple:
		out := make(capdata.Tuple, len(v))
		for i, e := range v {
			h, err := toHost(e, ref)
			if err != nil {
				return nil, err
			}
			out[i] = h
		}
		return out, nil
	case *starlark.Dict:
		items := v.Items()
		out := make(capdata.Dict, len(items))
		for i, item := range items {
			k, err := toHost(item[0], ref)
			if err != nil {
				return nil, err
			}
			val, err := toHost(item[1], ref)
			if err != nil {
				return nil, err
			}
			out[i] = capdata.DictItem{Key: k, Value: val}
		}
		return out, nil
	case *Failure:
		return capdata.Error{Message: v.message}, nil
	case *Instance, *Presence, *Promise:
		id, err := ref(v)
		if err != nil {
			return nil, err
		}
		return capdata.Ref{ID: id}, nil
	}
	return nil, fmt.Errorf("%w: %s", errNotSerializable, v.Type())
}

func fromHost(x interface{}, resolve resolveFunc) (starlark.Value, error) {
	switch x := x.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(x), nil
	case int64:
		return starlark.MakeInt64(x), nil
	case *big.Int:
		return starlark.MakeBigInt(x), nil
	case string:
		return starlark.String(x), nil
	case []byte:
		return starlark.Bytes(x), nil
	case []interface{}:
		elems := make([]starlark.Value, len(x))
		for i, e := range x {
			v, err := fromHost(e, resolve)
			if err != nil {
				return nil, err
			}
			elems[i] = v
		}
		return starlark.NewList(elems), nil
	case capdata.Tuple:
		elems := make(starlark.Tuple, len(x))
		for i, e := range x {
			v, err := fromHost(e, resolve)
			if err != nil {
				return nil, err
			}
			elems[i] = v
		}
		return elems, nil
	case capdata.Dict:
		d := starlark.NewDict(len(x))
		for _, item := range x {
			k, err := fromHost(item.Key, resolve)
			if err != nil {
				return nil, err
			}
			v, err := fromHost(item.Value, resolve)
			if err != nil {
				return nil, err
			}
			if err := d.SetKey(k, v); err != nil {
				return nil, err
			}
		}
		return d, nil
	case capdata.Error:
		return &Failure{message: x.Message}, nil
	case capdata.Ref:
		return resolve(x.ID)
	}
	return nil, fmt.Errorf("%w: %T", errNotSerializable, x)
}

// walk visits every reference-bearing value reachable from v without
// crossing into instance state.
func walk(v starlark.Value, visit func(starlark.Value)) {
	switch v := v.(type) {
	case *starlark.List:
		for i := 0; i < v.Len(); i++ {
			walk(v.Index(i), visit)
		}
	case starlark.Tuple:
		for _, e := range v {
			walk(e, visit)
		}
	case *starlark.Dict:
		for _, item := range v.Items() {
			walk(item[0], visit)
			walk(item[1], visit)
		}
	case *Instance, *Presence, *Promise:
		visit(v)
	}
}
