// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package swingstore

import (
	"errors"
	"testing"

	"github.com/ava-labs/avalanchego/database/memdb"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *memdb.Database) {
	db := memdb.New()
	s, err := New(db, Config{})
	require.NoError(t, err)
	return s, db
}

func TestCrankCommitAndCrash(t *testing.T) {
	require := require.New(t)

	s, db := newTestStore(t)
	require.NoError(s.StartCrank())
	require.NoError(s.KV().SetString("a", "1"))
	_, err := s.EndCrank()
	require.NoError(err)
	require.NoError(s.Commit())

	require.NoError(s.StartCrank())
	require.NoError(s.KV().SetString("b", "2"))
	_, err = s.EndCrank()
	require.NoError(err)

	// Reopen without committing the second crank.
	reopened, err := New(db, Config{})
	require.NoError(err)
	value, ok, err := reopened.KV().GetString("a")
	require.NoError(err)
	require.True(ok)
	require.Equal("1", value)
	_, ok, err = reopened.KV().Get("b")
	require.NoError(err)
	require.False(ok)
	require.NotEqual(s.ActivityHash(), reopened.ActivityHash())
}

func TestSavepointRollback(t *testing.T) {
	require := require.New(t)

	s, _ := newTestStore(t)
	require.NoError(s.StartCrank())
	require.NoError(s.KV().SetString("kept", "x"))
	require.NoError(s.Savepoint())
	require.NoError(s.KV().SetString("dropped", "y"))
	require.NoError(s.RollbackToSavepoint())
	_, err := s.EndCrank()
	require.NoError(err)

	_, ok, err := s.KV().Get("kept")
	require.NoError(err)
	require.True(ok)
	_, ok, err = s.KV().Get("dropped")
	require.NoError(err)
	require.False(ok)

	require.NoError(s.StartCrank())
	require.NoError(s.KV().SetString("gone", "z"))
	require.NoError(s.RollbackCrank())
	_, ok, err = s.KV().Get("gone")
	require.NoError(err)
	require.False(ok)
	require.False(s.InCrank())
}

func TestCrankHashDeterministic(t *testing.T) {
	require := require.New(t)

	run := func() (string, string) {
		s, _ := newTestStore(t)
		require.NoError(s.StartCrank())
		require.NoError(s.KV().SetString("k1", "v1"))
		require.NoError(s.Savepoint())
		require.NoError(s.KV().SetString("k2", "v2"))
		require.NoError(s.RollbackToSavepoint())
		require.NoError(s.KV().Delete("k3"))
		h, err := s.EndCrank()
		require.NoError(err)
		return h.String(), s.ActivityHash().String()
	}
	h1, a1 := run()
	h2, a2 := run()
	require.Equal(h1, h2)
	require.Equal(a1, a2)
}

func TestIterateRange(t *testing.T) {
	require := require.New(t)

	s, _ := newTestStore(t)
	for _, k := range []string{"v1.c.ko1", "v1.c.ko2", "v1.c.o+1", "v2.c.ko1"} {
		require.NoError(s.KV().SetString(k, k))
	}
	keys, err := s.KV().Keys("v1.c.")
	require.NoError(err)
	require.Equal([]string{"v1.c.ko1", "v1.c.ko2", "v1.c.o+1"}, keys)

	require.NoError(s.KV().DeletePrefix("v1."))
	keys, err = s.KV().Keys("v")
	require.NoError(err)
	require.Equal([]string{"v2.c.ko1"}, keys)

	n, err := s.KV().GetUint64("missing", 7)
	require.NoError(err)
	require.EqualValues(7, n)
	require.NoError(s.KV().SetUint64("counter", 42))
	n, err = s.KV().GetUint64("counter", 0)
	require.NoError(err)
	require.EqualValues(42, n)
}

func TestStreamPositions(t *testing.T) {
	require := require.New(t)

	s, _ := newTestStore(t)
	ss := s.Streams()
	for i, item := range []string{"a", "b", "c"} {
		pos, err := ss.Append("v1.0", []byte(item))
		require.NoError(err)
		require.EqualValues(i, pos)
	}

	items, err := ss.ReadAll("v1.0", 1, 3)
	require.NoError(err)
	require.Equal([][]byte{[]byte("b"), []byte("c")}, items)

	_, err = ss.Read("v1.0", 2, 4)
	require.True(errors.Is(err, ErrInvalidPosition))
	_, err = ss.Read("v1.0", 2, 1)
	require.True(errors.Is(err, ErrInvalidPosition))

	empty, err := ss.ReadAll("v1.0", 3, 3)
	require.NoError(err)
	require.Empty(empty)
}

func TestStreamBusy(t *testing.T) {
	require := require.New(t)

	s, _ := newTestStore(t)
	ss := s.Streams()
	_, err := ss.Append("v1.0", []byte("a"))
	require.NoError(err)

	r, err := ss.Read("v1.0", 0, 1)
	require.NoError(err)

	_, err = ss.Append("v1.0", []byte("b"))
	require.True(errors.Is(err, ErrStreamBusy))
	_, err = ss.Read("v1.0", 0, 1)
	require.True(errors.Is(err, ErrStreamBusy))

	// Other streams are unaffected.
	_, err = ss.Append("v2.0", []byte("x"))
	require.NoError(err)

	require.True(r.Next())
	require.Equal([]byte("a"), r.Item())
	require.EqualValues(0, r.Position())
	require.False(r.Next())
	require.NoError(r.Err())

	_, err = ss.Append("v1.0", []byte("b"))
	require.NoError(err)
}

func TestStreamDelete(t *testing.T) {
	require := require.New(t)

	s, _ := newTestStore(t)
	ss := s.Streams()
	_, err := ss.Append("v1.0", []byte("a"))
	require.NoError(err)
	require.NoError(ss.Delete("v1.0"))
	next, err := ss.NextPosition("v1.0")
	require.NoError(err)
	require.Zero(next)
}

func TestSnapshots(t *testing.T) {
	require := require.New(t)

	s, _ := newTestStore(t)
	_, _, ok, err := s.Snapshots().Load("v1")
	require.NoError(err)
	require.False(ok)

	info, err := s.Snapshots().Save("v1", 0, 5, []byte("heap-1"))
	require.NoError(err)
	require.EqualValues(5, info.Position)

	_, err = s.Snapshots().Save("v1", 0, 9, []byte("heap-2"))
	require.NoError(err)

	loaded, blob, ok, err := s.Snapshots().Load("v1")
	require.NoError(err)
	require.True(ok)
	require.EqualValues(9, loaded.Position)
	require.Equal([]byte("heap-2"), blob)

	require.NoError(s.Snapshots().Delete("v1"))
	_, ok, err = s.Snapshots().Info("v1")
	require.NoError(err)
	require.False(ok)
}

func TestBundles(t *testing.T) {
	require := require.New(t)

	s, _ := newTestStore(t)
	id, err := s.Bundles().Add([]byte("def build_root_object(params): pass"))
	require.NoError(err)
	require.Equal(BundleID([]byte("def build_root_object(params): pass")), id)

	bundle, err := s.Bundles().Get(id)
	require.NoError(err)
	require.Equal("def build_root_object(params): pass", string(bundle))

	_, err = s.Bundles().Get(BundleID([]byte("other")))
	require.True(errors.Is(err, ErrUnknownBundle))
}
