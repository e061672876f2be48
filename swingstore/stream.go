// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package swingstore

import (
	"fmt"

	"github.com/ava-labs/avalanchego/database"
	"github.com/ava-labs/avalanchego/database/prefixdb"
	"github.com/ava-labs/avalanchego/utils/wrappers"
)

// StreamStore holds append-only, positionally addressed item streams.
// Positions start at 0 and are dense.
type StreamStore struct {
	s *Store
}

func packPosition(pos uint64) []byte {
	p := wrappers.Packer{Bytes: make([]byte, wrappers.LongLen)}
	p.PackLong(pos)
	return p.Bytes
}

func (ss *StreamStore) itemDB(stream string) database.Database {
	return prefixdb.New([]byte(stream+"/"), ss.s.sub(streamPrefix))
}

// NextPosition returns the position the next Append will use.
func (ss *StreamStore) NextPosition(stream string) (uint64, error) {
	value, err := ss.s.sub(streamMetaPrefix).Get([]byte(stream))
	switch {
	case err == database.ErrNotFound:
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("failed to read stream %q position: %w", stream, err)
	}
	p := wrappers.Packer{Bytes: value}
	return p.UnpackLong(), p.Err
}

// Append adds [item] at the end of [stream] and returns its position.
func (ss *StreamStore) Append(stream string, item []byte) (uint64, error) {
	if ss.s.busy[stream] {
		return 0, fmt.Errorf("%w: %s", ErrStreamBusy, stream)
	}
	pos, err := ss.NextPosition(stream)
	if err != nil {
		return 0, err
	}
	if err := ss.itemDB(stream).Put(packPosition(pos), item); err != nil {
		return 0, fmt.Errorf("failed to append to stream %q: %w", stream, err)
	}
	if err := ss.s.sub(streamMetaPrefix).Put([]byte(stream), packPosition(pos+1)); err != nil {
		return 0, fmt.Errorf("failed to advance stream %q: %w", stream, err)
	}
	return pos, nil
}

// Read opens [stream] for reading positions [start, end). The stream stays
// busy until the reader is exhausted or closed.
func (ss *StreamStore) Read(stream string, start, end uint64) (*StreamReader, error) {
	if ss.s.busy[stream] {
		return nil, fmt.Errorf("%w: %s", ErrStreamBusy, stream)
	}
	next, err := ss.NextPosition(stream)
	if err != nil {
		return nil, err
	}
	if start > end || end > next {
		return nil, fmt.Errorf("%w: [%d, %d) of %s with %d items", ErrInvalidPosition, start, end, stream, next)
	}
	ss.s.busy[stream] = true
	return &StreamReader{
		ss:     ss,
		stream: stream,
		pos:    start,
		end:    end,
	}, nil
}

// ReadAll reads positions [start, end) into memory.
func (ss *StreamStore) ReadAll(stream string, start, end uint64) ([][]byte, error) {
	r, err := ss.Read(stream, start, end)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var items [][]byte
	for r.Next() {
		items = append(items, r.Item())
	}
	return items, r.Err()
}

// Delete removes every item of [stream].
func (ss *StreamStore) Delete(stream string) error {
	if ss.s.busy[stream] {
		return fmt.Errorf("%w: %s", ErrStreamBusy, stream)
	}
	next, err := ss.NextPosition(stream)
	if err != nil {
		return err
	}
	db := ss.itemDB(stream)
	for pos := uint64(0); pos < next; pos++ {
		if err := db.Delete(packPosition(pos)); err != nil {
			return fmt.Errorf("failed to delete stream %q: %w", stream, err)
		}
	}
	return ss.s.sub(streamMetaPrefix).Delete([]byte(stream))
}

// StreamReader iterates a position range of one stream.
type StreamReader struct {
	ss     *StreamStore
	stream string
	pos    uint64
	end    uint64
	item   []byte
	err    error
	closed bool
}

// Next advances to the next item, releasing the stream when exhausted.
func (r *StreamReader) Next() bool {
	if r.closed || r.err != nil {
		return false
	}
	if r.pos >= r.end {
		r.Close()
		return false
	}
	item, err := r.ss.itemDB(r.stream).Get(packPosition(r.pos))
	if err != nil {
		r.err = fmt.Errorf("failed to read %s@%d: %w", r.stream, r.pos, err)
		r.Close()
		return false
	}
	r.item = item
	r.pos++
	return true
}

// Item returns the current item.
func (r *StreamReader) Item() []byte { return r.item }

// Position returns the position of the current item.
func (r *StreamReader) Position() uint64 { return r.pos - 1 }

func (r *StreamReader) Err() error { return r.err }

// Close releases the stream. It is safe to call more than once.
func (r *StreamReader) Close() {
	if r.closed {
		return
	}
	r.closed = true
	delete(r.ss.s.busy, r.stream)
}
