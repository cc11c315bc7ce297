package btree

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aalhour/segdb/internal/dbformat"
)

// memStore keeps nodes in a map and hands out increasing addresses.
type memStore struct {
	nodes   map[dbformat.Address]*Node
	roots   map[dbformat.Address]bool
	retired map[dbformat.Address]bool
	next    uint64
	writes  int

	failAfter int // fail the n-th write from now when > 0
}

var errInjected = errors.New("injected write failure")

func newMemStore() *memStore {
	return &memStore{
		nodes:   make(map[dbformat.Address]*Node),
		roots:   make(map[dbformat.Address]bool),
		retired: make(map[dbformat.Address]bool),
		next:    16,
	}
}

func (s *memStore) ReadNode(addr dbformat.Address) (*Node, error) {
	n, ok := s.nodes[addr]
	if !ok {
		return nil, errors.New("dangling node address")
	}
	return n, nil
}

func (s *memStore) WriteNode(n *Node, root bool) (dbformat.Address, error) {
	if s.failAfter > 0 {
		s.failAfter--
		if s.failAfter == 0 {
			return 0, errInjected
		}
	}
	addr := dbformat.MakeAddress(1, int64(s.next))
	s.next += 64
	s.nodes[addr] = n
	s.roots[addr] = root
	s.writes++
	return addr, nil
}

func (s *memStore) Retire(addr dbformat.Address) {
	s.retired[addr] = true
}

func key(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}

func val(v uint64) dbformat.Address {
	return dbformat.MakeAddress(9, int64(v))
}

func newTree(t *testing.T, degree int) (*Tree, *memStore) {
	t.Helper()
	s := newMemStore()
	tr, err := New(s, bytes.Compare, degree, dbformat.NilAddress)
	require.NoError(t, err)
	return tr, s
}

func reachable(t *testing.T, s *memStore, root dbformat.Address) map[dbformat.Address]bool {
	t.Helper()
	seen := make(map[dbformat.Address]bool)
	var walk func(dbformat.Address)
	walk = func(a dbformat.Address) {
		seen[a] = true
		n, err := s.ReadNode(a)
		require.NoError(t, err)
		for _, c := range n.Children {
			walk(c.Addr)
		}
	}
	if !root.IsNil() {
		walk(root)
	}
	return seen
}

func TestNew_RejectsSmallDegree(t *testing.T) {
	_, err := New(newMemStore(), nil, 1, dbformat.NilAddress)
	assert.ErrorIs(t, err, ErrInvalidDegree)
}

func TestTree_DegreeTwoRootSplit(t *testing.T) {
	tr, s := newTree(t, 2)

	for i, k := range []uint64{10, 20, 30, 40} {
		_, replaced, err := tr.Insert(key(k), val(k))
		require.NoError(t, err)
		require.False(t, replaced)
		if i < 3 {
			root, _ := s.ReadNode(tr.Root())
			require.True(t, root.Leaf, "root should still be a leaf after %d inserts", i+1)
		}
	}

	root, err := s.ReadNode(tr.Root())
	require.NoError(t, err)
	require.False(t, root.Leaf)
	require.Len(t, root.Entries, 1)
	assert.Equal(t, key(30), root.Entries[0].Key)
	require.Len(t, root.Children, 2)
	assert.EqualValues(t, 2, root.Children[0].Count)
	assert.EqualValues(t, 2, root.Children[1].Count)
	assert.True(t, s.roots[tr.Root()], "root record should carry the root flag")

	left, _ := s.ReadNode(root.Children[0].Addr)
	right, _ := s.ReadNode(root.Children[1].Addr)
	assert.Equal(t, []Entry{{key(10), val(10)}, {key(20), val(20)}}, left.Entries)
	assert.Equal(t, []Entry{{key(30), val(30)}, {key(40), val(40)}}, right.Entries)

	_, _, err = tr.Insert(key(50), val(50))
	require.NoError(t, err)
	for _, k := range []uint64{10, 20, 30, 40, 50} {
		got, found, err := tr.Get(key(k))
		require.NoError(t, err)
		require.True(t, found, "key %d", k)
		assert.Equal(t, val(k), got)
	}
	require.NoError(t, tr.Check())
}

func TestTree_InsertReplacesPointer(t *testing.T) {
	tr, _ := newTree(t, 3)
	for i := uint64(0); i < 50; i++ {
		_, _, err := tr.Insert(key(i), val(i))
		require.NoError(t, err)
	}
	old, replaced, err := tr.Insert(key(17), val(1000))
	require.NoError(t, err)
	assert.True(t, replaced)
	assert.Equal(t, val(17), old)

	got, found, _ := tr.Get(key(17))
	assert.True(t, found)
	assert.Equal(t, val(1000), got)

	n, err := tr.Len()
	require.NoError(t, err)
	assert.Equal(t, 50, n)
}

func TestTree_DeleteAbsentIsNoop(t *testing.T) {
	tr, s := newTree(t, 2)
	for _, k := range []uint64{1, 2, 3, 4, 5} {
		tr.Insert(key(k), val(k))
	}
	root, writes := tr.Root(), s.writes

	_, found, err := tr.Delete(key(99))
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, root, tr.Root())
	assert.Equal(t, writes, s.writes)

	empty, _ := newTree(t, 2)
	_, found, err = empty.Delete(key(1))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestTree_DeleteEverything(t *testing.T) {
	for _, degree := range []int{2, 3} {
		tr, _ := newTree(t, degree)
		const n = 200
		for i := uint64(0); i < n; i++ {
			tr.Insert(key(i), val(i))
		}
		for i := uint64(0); i < n; i++ {
			old, found, err := tr.Delete(key(i))
			require.NoError(t, err)
			require.True(t, found, "key %d", i)
			require.Equal(t, val(i), old)
			require.NoError(t, tr.Check(), "after deleting %d", i)
		}
		assert.True(t, tr.Root().IsNil())
		h, _ := tr.Height()
		assert.Equal(t, 0, h)
	}
}

func TestTree_RandomOperationsKeepShape(t *testing.T) {
	for _, degree := range []int{2, 3, 5} {
		tr, s := newTree(t, degree)
		model := make(map[uint64]dbformat.Address)
		rng := rand.New(rand.NewSource(int64(degree)))

		for op := 0; op < 3000; op++ {
			k := uint64(rng.Intn(400))
			if rng.Intn(3) == 0 {
				old, found, err := tr.Delete(key(k))
				require.NoError(t, err)
				want, ok := model[k]
				require.Equal(t, ok, found, "delete %d", k)
				if ok {
					require.Equal(t, want, old)
				}
				delete(model, k)
			} else {
				v := val(uint64(op))
				old, replaced, err := tr.Insert(key(k), v)
				require.NoError(t, err)
				want, ok := model[k]
				require.Equal(t, ok, replaced, "insert %d", k)
				if ok {
					require.Equal(t, want, old)
				}
				model[k] = v
			}
			if op%50 == 0 {
				require.NoError(t, tr.Check(), "degree %d op %d", degree, op)
			}
		}
		require.NoError(t, tr.Check())

		var keys []uint64
		for k := range model {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
		var got []uint64
		require.NoError(t, tr.Ascend(func(k []byte, v dbformat.Address) bool {
			got = append(got, binary.BigEndian.Uint64(k))
			require.Equal(t, model[binary.BigEndian.Uint64(k)], v)
			return true
		}))
		assert.Equal(t, keys, got)

		n, err := tr.Len()
		require.NoError(t, err)
		assert.Equal(t, len(model), n)

		// Every node ever written is either reachable or retired.
		live := reachable(t, s, tr.Root())
		for a := range s.nodes {
			assert.True(t, live[a] != s.retired[a], "node %v live=%v retired=%v", a, live[a], s.retired[a])
		}
	}
}

func TestTree_AscendRange(t *testing.T) {
	tr, _ := newTree(t, 2)
	for i := uint64(0); i < 100; i += 2 {
		tr.Insert(key(i), val(i))
	}
	collect := func(from, to []byte, limit int) []uint64 {
		var out []uint64
		require.NoError(t, tr.AscendRange(from, to, func(k []byte, _ dbformat.Address) bool {
			out = append(out, binary.BigEndian.Uint64(k))
			return len(out) < limit
		}))
		return out
	}
	assert.Equal(t, []uint64{10, 12, 14}, collect(key(9), key(16), 100))
	assert.Equal(t, []uint64{10, 12}, collect(key(10), key(14), 100))
	assert.Equal(t, []uint64{96, 98}, collect(key(95), nil, 100))
	assert.Equal(t, []uint64{0, 2, 4}, collect(nil, nil, 3))
	assert.Empty(t, collect(key(200), nil, 100))
}

func TestTree_Relocate(t *testing.T) {
	tr, s := newTree(t, 2)
	for i := uint64(0); i < 64; i++ {
		tr.Insert(key(i), val(i))
	}
	mark := dbformat.MakeAddress(1, int64(s.next))
	old := func(a dbformat.Address) bool { return a < mark }

	before := reachable(t, s, tr.Root())
	moved, err := tr.Relocate(old)
	require.NoError(t, err)
	assert.Equal(t, len(before), moved)

	for a := range reachable(t, s, tr.Root()) {
		assert.False(t, old(a), "node %v was not relocated", a)
	}
	for a := range before {
		assert.True(t, s.retired[a], "relocated node %v should be retired", a)
	}
	require.NoError(t, tr.Check())
	for i := uint64(0); i < 64; i++ {
		got, found, _ := tr.Get(key(i))
		require.True(t, found)
		require.Equal(t, val(i), got)
	}

	// Nothing matches: nothing moves.
	root := tr.Root()
	moved, err = tr.Relocate(func(dbformat.Address) bool { return false })
	require.NoError(t, err)
	assert.Zero(t, moved)
	assert.Equal(t, root, tr.Root())
}

func TestTree_FailedWriteLeavesTreeUnchanged(t *testing.T) {
	tr, s := newTree(t, 2)
	for i := uint64(0); i < 20; i++ {
		tr.Insert(key(i), val(i))
	}
	root := tr.Root()
	retired := len(s.retired)

	s.failAfter = 2
	_, _, err := tr.Insert(key(100), val(100))
	require.ErrorIs(t, err, errInjected)
	assert.Equal(t, root, tr.Root())
	assert.Equal(t, retired, len(s.retired))

	s.failAfter = 1
	_, _, err = tr.Delete(key(5))
	require.ErrorIs(t, err, errInjected)
	assert.Equal(t, root, tr.Root())

	_, found, _ := tr.Get(key(5))
	assert.True(t, found)
	require.NoError(t, tr.Check())
}

func TestTree_SeparatorReplacedOnDelete(t *testing.T) {
	tr, s := newTree(t, 2)
	for _, k := range []uint64{10, 20, 30, 40, 50} {
		tr.Insert(key(k), val(k))
	}
	// Root separator is 30; deleting it must leave no separator equal to 30.
	_, found, err := tr.Delete(key(30))
	require.NoError(t, err)
	require.True(t, found)
	require.NoError(t, tr.Check())

	root, _ := s.ReadNode(tr.Root())
	for _, e := range root.Entries {
		assert.NotEqual(t, key(30), e.Key)
	}
	for _, k := range []uint64{10, 20, 40, 50} {
		_, found, _ := tr.Get(key(k))
		assert.True(t, found, "key %d", k)
	}
}
