// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package capdata

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strconv"
)

// Tags used inside bodies for values JSON cannot express directly.
const (
	TagSlot  = "@slot"
	TagTuple = "@tuple"
	TagDict  = "@dict"
	TagBytes = "@bytes"
	TagError = "@error"
)

var (
	errUnsupportedValue = errors.New("unsupported value")
	errMalformedBody    = errors.New("malformed body")
	errSlotOutOfRange   = errors.New("slot index out of range")
)

// Ref is a reference that occupies a slot.
type Ref struct {
	ID string
}

// Tuple is an immutable sequence, distinct from a list.
type Tuple []interface{}

// DictItem is one entry of an insertion-ordered Dict.
type DictItem struct {
	Key   interface{}
	Value interface{}
}

// Dict is an insertion-ordered mapping.
type Dict []DictItem

// Get returns the value stored under key, if any.
func (d Dict) Get(key interface{}) (interface{}, bool) {
	for _, item := range d {
		if item.Key == key {
			return item.Value, true
		}
	}
	return nil, false
}

// Error is a rejection reason.
type Error struct {
	Message string
}

func (e Error) Error() string { return e.Message }

// Marshal encodes a host value. Supported: nil, bool, signed and unsigned
// integers, *big.Int, string, []byte, []interface{}, Tuple, Dict,
// map[string]interface{} (keys sorted), Ref and Error.
func Marshal(v interface{}) (CapData, error) {
	var slots []string
	index := make(map[string]int)
	tree, err := toTree(v, func(id string) int {
		if i, ok := index[id]; ok {
			return i
		}
		index[id] = len(slots)
		slots = append(slots, id)
		return index[id]
	})
	if err != nil {
		return CapData{}, err
	}
	body, err := EncodeTree(tree)
	if err != nil {
		return CapData{}, err
	}
	return CapData{Body: body, Slots: slots}, nil
}

// MustMarshal is Marshal for values known to be encodable.
func MustMarshal(v interface{}) CapData {
	cd, err := Marshal(v)
	if err != nil {
		panic(err)
	}
	return cd
}

// Unmarshal decodes a body into host values, the inverse of Marshal.
// Integers decode as int64 when they fit and *big.Int otherwise.
func Unmarshal(cd CapData) (interface{}, error) {
	tree, err := DecodeTree(cd.Body)
	if err != nil {
		return nil, err
	}
	return fromTree(tree, func(i int) (interface{}, error) {
		if i < 0 || i >= len(cd.Slots) {
			return nil, fmt.Errorf("%w: %d", errSlotOutOfRange, i)
		}
		return Ref{ID: cd.Slots[i]}, nil
	})
}

// Rejection builds the body of a rejected promise.
func Rejection(msg string) CapData {
	return MustMarshal(Error{Message: msg})
}

// String builds a body holding a single string.
func String(s string) CapData {
	return MustMarshal(s)
}

// Null is the undefined/None body.
func Null() CapData {
	return MustMarshal(nil)
}

// EncodeTree renders a generic tree (as produced by json with UseNumber)
// deterministically.
func EncodeTree(tree interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(tree); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// DecodeTree parses a body into a generic tree, keeping numbers exact.
func DecodeTree(body []byte) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var tree interface{}
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedBody, err)
	}
	return tree, nil
}

// Tagged returns the tag and payload of a single-key tagged object.
func Tagged(node map[string]interface{}) (string, interface{}, bool) {
	if len(node) != 1 {
		return "", nil, false
	}
	for k, v := range node {
		switch k {
		case TagSlot, TagTuple, TagDict, TagBytes, TagError:
			return k, v, true
		}
	}
	return "", nil, false
}

// SlotIndex decodes the payload of a TagSlot node.
func SlotIndex(payload interface{}) (int, error) {
	n, ok := payload.(json.Number)
	if !ok {
		return 0, fmt.Errorf("%w: slot index %v", errMalformedBody, payload)
	}
	i, err := strconv.Atoi(n.String())
	if err != nil {
		return 0, fmt.Errorf("%w: slot index %v", errMalformedBody, payload)
	}
	return i, nil
}

func toTree(v interface{}, slot func(string) int) (interface{}, error) {
	switch v := v.(type) {
	case nil:
		return nil, nil
	case bool:
		return v, nil
	case int:
		return json.Number(strconv.FormatInt(int64(v), 10)), nil
	case int32:
		return json.Number(strconv.FormatInt(int64(v), 10)), nil
	case int64:
		return json.Number(strconv.FormatInt(v, 10)), nil
	case uint32:
		return json.Number(strconv.FormatUint(uint64(v), 10)), nil
	case uint64:
		return json.Number(strconv.FormatUint(v, 10)), nil
	case *big.Int:
		return json.Number(v.String()), nil
	case string:
		return v, nil
	case []byte:
		return map[string]interface{}{TagBytes: base64.StdEncoding.EncodeToString(v)}, nil
	case Ref:
		return map[string]interface{}{TagSlot: json.Number(strconv.Itoa(slot(v.ID)))}, nil
	case Error:
		return map[string]interface{}{TagError: v.Message}, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, e := range v {
			t, err := toTree(e, slot)
			if err != nil {
				return nil, err
			}
			out[i] = t
		}
		return out, nil
	case Tuple:
		inner, err := toTree([]interface{}(v), slot)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{TagTuple: inner}, nil
	case Dict:
		pairs := make([]interface{}, len(v))
		for i, item := range v {
			k, err := toTree(item.Key, slot)
			if err != nil {
				return nil, err
			}
			val, err := toTree(item.Value, slot)
			if err != nil {
				return nil, err
			}
			pairs[i] = []interface{}{k, val}
		}
		return map[string]interface{}{TagDict: pairs}, nil
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		d := make(Dict, len(keys))
		for i, k := range keys {
			d[i] = DictItem{Key: k, Value: v[k]}
		}
		return toTree(d, slot)
	default:
		return nil, fmt.Errorf("%w: %T", errUnsupportedValue, v)
	}
}

func fromTree(node interface{}, slot func(int) (interface{}, error)) (interface{}, error) {
	switch n := node.(type) {
	case nil, bool, string:
		return n, nil
	case json.Number:
		if i, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
			return i, nil
		}
		b, ok := new(big.Int).SetString(n.String(), 10)
		if !ok {
			return nil, fmt.Errorf("%w: number %s", errMalformedBody, n)
		}
		return b, nil
	case []interface{}:
		out := make([]interface{}, len(n))
		for i, e := range n {
			v, err := fromTree(e, slot)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case map[string]interface{}:
		tag, payload, ok := Tagged(n)
		if !ok {
			return nil, fmt.Errorf("%w: untagged object", errMalformedBody)
		}
		switch tag {
		case TagSlot:
			i, err := SlotIndex(payload)
			if err != nil {
				return nil, err
			}
			return slot(i)
		case TagBytes:
			s, _ := payload.(string)
			return base64.StdEncoding.DecodeString(s)
		case TagError:
			s, _ := payload.(string)
			return Error{Message: s}, nil
		case TagTuple:
			inner, err := fromTree(payload, slot)
			if err != nil {
				return nil, err
			}
			list, ok := inner.([]interface{})
			if !ok {
				return nil, fmt.Errorf("%w: tuple payload", errMalformedBody)
			}
			return Tuple(list), nil
		default:
			pairs, ok := payload.([]interface{})
			if !ok {
				return nil, fmt.Errorf("%w: dict payload", errMalformedBody)
			}
			d := make(Dict, len(pairs))
			for i, p := range pairs {
				kv, ok := p.([]interface{})
				if !ok || len(kv) != 2 {
					return nil, fmt.Errorf("%w: dict entry", errMalformedBody)
				}
				k, err := fromTree(kv[0], slot)
				if err != nil {
					return nil, err
				}
				v, err := fromTree(kv[1], slot)
				if err != nil {
					return nil, err
				}
				d[i] = DictItem{Key: k, Value: v}
			}
			return d, nil
		}
	default:
		return nil, fmt.Errorf("%w: %T", errUnsupportedValue, node)
	}
}
