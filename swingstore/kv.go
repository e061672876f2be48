// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package swingstore

import (
	"fmt"

	"github.com/ava-labs/avalanchego/database"
	"github.com/ava-labs/avalanchego/utils/wrappers"
)

const (
	opSet    byte = 's'
	opDelete byte = 'd'
)

// KVStore is the string-keyed table holding all kernel state.
type KVStore struct {
	s *Store
}

func (kv *KVStore) db() database.Database { return kv.s.sub(kvPrefix) }

// Get returns the value under [key] and whether it was present.
func (kv *KVStore) Get(key string) ([]byte, bool, error) {
	value, err := kv.db().Get([]byte(key))
	switch {
	case err == database.ErrNotFound:
		return nil, false, nil
	case err != nil:
		return nil, false, fmt.Errorf("failed to get %q: %w", key, err)
	}
	return value, true, nil
}

// GetString is Get for text values, returning "" when absent.
func (kv *KVStore) GetString(key string) (string, bool, error) {
	value, ok, err := kv.Get(key)
	return string(value), ok, err
}

func (kv *KVStore) Has(key string) (bool, error) {
	return kv.db().Has([]byte(key))
}

func (kv *KVStore) Set(key string, value []byte) error {
	kv.s.recordChange(opSet, key, value)
	if err := kv.db().Put([]byte(key), value); err != nil {
		return fmt.Errorf("failed to set %q: %w", key, err)
	}
	return nil
}

func (kv *KVStore) SetString(key, value string) error {
	return kv.Set(key, []byte(value))
}

func (kv *KVStore) Delete(key string) error {
	kv.s.recordChange(opDelete, key, nil)
	if err := kv.db().Delete([]byte(key)); err != nil {
		return fmt.Errorf("failed to delete %q: %w", key, err)
	}
	return nil
}

// GetUint64 reads a BigEndian counter; absent counters read as [def].
func (kv *KVStore) GetUint64(key string, def uint64) (uint64, error) {
	value, ok, err := kv.Get(key)
	if err != nil || !ok {
		return def, err
	}
	p := wrappers.Packer{Bytes: value}
	n := p.UnpackLong()
	if p.Errored() {
		return 0, fmt.Errorf("failed to parse counter %q: %w", key, p.Err)
	}
	return n, nil
}

func (kv *KVStore) SetUint64(key string, n uint64) error {
	p := wrappers.Packer{Bytes: make([]byte, wrappers.LongLen)}
	p.PackLong(n)
	return kv.Set(key, p.Bytes)
}

// IterateRange calls fn for every key in [start, end) in key order. An empty
// [end] means no upper bound. The set of keys is fixed before fn is first
// called, so fn may write to the store.
func (kv *KVStore) IterateRange(start, end string, fn func(key string, value []byte) error) error {
	type entry struct {
		key   string
		value []byte
	}
	var entries []entry

	it := kv.db().NewIteratorWithStart([]byte(start))
	for it.Next() {
		key := string(it.Key())
		if end != "" && key >= end {
			break
		}
		value := make([]byte, len(it.Value()))
		copy(value, it.Value())
		entries = append(entries, entry{key: key, value: value})
	}
	err := it.Error()
	it.Release()
	if err != nil {
		return fmt.Errorf("failed to iterate from %q: %w", start, err)
	}

	for _, e := range entries {
		if err := fn(e.key, e.value); err != nil {
			return err
		}
	}
	return nil
}

// IteratePrefix calls fn for every key starting with [prefix].
func (kv *KVStore) IteratePrefix(prefix string, fn func(key string, value []byte) error) error {
	return kv.IterateRange(prefix, prefixEnd(prefix), fn)
}

// DeletePrefix removes every key starting with [prefix].
func (kv *KVStore) DeletePrefix(prefix string) error {
	return kv.IteratePrefix(prefix, func(key string, _ []byte) error {
		return kv.Delete(key)
	})
}

// Keys lists the keys starting with [prefix].
func (kv *KVStore) Keys(prefix string) ([]string, error) {
	var keys []string
	err := kv.IteratePrefix(prefix, func(key string, _ []byte) error {
		keys = append(keys, key)
		return nil
	})
	return keys, err
}

// prefixEnd returns the smallest string greater than every string with the
// given prefix, or "" if there is none.
func prefixEnd(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return ""
}
