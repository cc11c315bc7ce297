package btree

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/aalhour/segdb/internal/dbformat"
)

var (
	// ErrInvalidDegree is returned by New for a degree below 2.
	ErrInvalidDegree = errors.New("btree: degree must be at least 2")

	// ErrBrokenInvariant is returned by Check, and by mutations that find
	// the tree in a state they cannot have produced.
	ErrBrokenInvariant = errors.New("btree: invariant violated")
)

// CompareFunc orders keys.
type CompareFunc func(a, b []byte) int

// Store is the node I/O the tree runs on.
type Store interface {
	// ReadNode returns the node at addr. The tree never mutates it.
	ReadNode(addr dbformat.Address) (*Node, error)

	// WriteNode appends n as a new record and returns its address. root is
	// set for the final write of a mutation.
	WriteNode(n *Node, root bool) (dbformat.Address, error)

	// Retire reports a node address superseded by a completed mutation.
	Retire(addr dbformat.Address)
}

// Tree is a copy-on-write B+Tree of degree d: every non-root node holds
// between d-1 and 2d-1 entries.
//
// Tree is not safe for concurrent use. Get and the Ascend family may run
// concurrently with each other when the Store allows it.
type Tree struct {
	store  Store
	cmp    CompareFunc
	degree int
	root   dbformat.Address

	// retired collects the addresses superseded by the mutation in flight.
	// They reach Store.Retire only when the mutation completes.
	retired []dbformat.Address
}

// New returns a tree over store rooted at root (NilAddress for empty).
func New(store Store, cmp CompareFunc, degree int, root dbformat.Address) (*Tree, error) {
	if degree < 2 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidDegree, degree)
	}
	if cmp == nil {
		cmp = bytes.Compare
	}
	return &Tree{store: store, cmp: cmp, degree: degree, root: root}, nil
}

// Root returns the address of the current root.
func (t *Tree) Root() dbformat.Address { return t.root }

// Degree returns the tree degree.
func (t *Tree) Degree() int { return t.degree }

func (t *Tree) minKeys() int { return t.degree - 1 }
func (t *Tree) maxKeys() int { return 2*t.degree - 1 }

// load reads a node for mutation: the returned copy is private and the
// original address is scheduled for retirement.
func (t *Tree) load(addr dbformat.Address) (*Node, error) {
	n, err := t.store.ReadNode(addr)
	if err != nil {
		return nil, err
	}
	t.retired = append(t.retired, addr)
	return n.Clone(), nil
}

func (t *Tree) write(n *Node) (Child, error) {
	addr, err := t.store.WriteNode(n, false)
	if err != nil {
		return Child{}, err
	}
	return Child{Addr: addr, Count: n.Count()}, nil
}

func (t *Tree) commit(root dbformat.Address) {
	t.root = root
	for _, a := range t.retired {
		t.store.Retire(a)
	}
	t.retired = t.retired[:0]
}

func (t *Tree) abort() {
	t.retired = t.retired[:0]
}

// Get returns the pointer stored under key.
func (t *Tree) Get(key []byte) (dbformat.Address, bool, error) {
	addr := t.root
	for !addr.IsNil() {
		n, err := t.store.ReadNode(addr)
		if err != nil {
			return dbformat.NilAddress, false, err
		}
		if n.Leaf {
			i, ok := n.search(key, t.cmp)
			if !ok {
				return dbformat.NilAddress, false, nil
			}
			return n.Entries[i].Value, true, nil
		}
		addr = n.Children[n.childIndex(key, t.cmp)].Addr
	}
	return dbformat.NilAddress, false, nil
}

// =============================================================================
// Insert
// =============================================================================

// Insert maps key to value. If key was present its previous pointer is
// returned with replaced set.
func (t *Tree) Insert(key []byte, value dbformat.Address) (old dbformat.Address, replaced bool, err error) {
	defer func() {
		if err != nil {
			t.abort()
		}
	}()

	if t.root.IsNil() {
		leaf := &Node{Leaf: true, Entries: []Entry{{Key: bytes.Clone(key), Value: value}}}
		addr, err := t.store.WriteNode(leaf, true)
		if err != nil {
			return dbformat.NilAddress, false, err
		}
		t.commit(addr)
		return dbformat.NilAddress, false, nil
	}

	root, err := t.load(t.root)
	if err != nil {
		return dbformat.NilAddress, false, err
	}
	if len(root.Entries) >= t.maxKeys() {
		// Grow: the full root becomes the only child of a new root and is
		// split like any other full child.
		parent := &Node{Children: []Child{{Count: root.Count()}}}
		old, replaced, err = t.insertChild(parent, 0, root, key, value)
		root = parent
	} else {
		old, replaced, err = t.insertNode(root, key, value)
	}
	if err != nil {
		return dbformat.NilAddress, false, err
	}
	addr, err := t.store.WriteNode(root, true)
	if err != nil {
		return dbformat.NilAddress, false, err
	}
	t.commit(addr)
	return old, replaced, nil
}

// insertNode inserts into the private node n, which is never full.
func (t *Tree) insertNode(n *Node, key []byte, value dbformat.Address) (dbformat.Address, bool, error) {
	if n.Leaf {
		i, found := n.search(key, t.cmp)
		if found {
			old := n.Entries[i].Value
			n.Entries[i].Value = value
			return old, true, nil
		}
		n.insertEntry(i, Entry{Key: bytes.Clone(key), Value: value})
		return dbformat.NilAddress, false, nil
	}
	i := n.childIndex(key, t.cmp)
	child, err := t.load(n.Children[i].Addr)
	if err != nil {
		return dbformat.NilAddress, false, err
	}
	return t.insertChild(n, i, child, key, value)
}

// insertChild descends from parent into its i-th child, splitting the child
// first when it is full. The child is written after its subtree.
func (t *Tree) insertChild(parent *Node, i int, child *Node, key []byte, value dbformat.Address) (dbformat.Address, bool, error) {
	if len(child.Entries) >= t.maxKeys() {
		right, sep := t.split(child)
		parent.insertEntry(i, Entry{Key: sep})
		parent.insertChild(i+1, Child{Count: right.Count()})

		sibling, si := right, i+1
		if t.cmp(key, sep) >= 0 {
			sibling, si = child, i
			child, i = right, i+1
		}
		c, err := t.write(sibling)
		if err != nil {
			return dbformat.NilAddress, false, err
		}
		parent.Children[si] = c
	}

	old, replaced, err := t.insertNode(child, key, value)
	if err != nil {
		return dbformat.NilAddress, false, err
	}
	c, err := t.write(child)
	if err != nil {
		return dbformat.NilAddress, false, err
	}
	parent.Children[i] = c
	return old, replaced, nil
}

// split cuts the full node n in two. n keeps the left half. For a leaf the
// separator is a copy of the right half's first key; for an internal node
// the median is promoted and removed from both halves.
func (t *Tree) split(n *Node) (right *Node, sep []byte) {
	d := t.degree
	right = &Node{Leaf: n.Leaf}
	if n.Leaf {
		right.Entries = append(make([]Entry, 0, t.maxKeys()), n.Entries[d:]...)
		clear(n.Entries[d:])
		n.Entries = n.Entries[:d]
		return right, right.Entries[0].Key
	}
	sep = n.Entries[d-1].Key
	right.Entries = append(make([]Entry, 0, t.maxKeys()), n.Entries[d:]...)
	right.Children = append(make([]Child, 0, t.maxKeys()+1), n.Children[d:]...)
	clear(n.Entries[d-1:])
	n.Entries = n.Entries[:d-1]
	n.Children = n.Children[:d]
	return right, sep
}

// =============================================================================
// Delete
// =============================================================================

// Delete removes key and returns the pointer it mapped to. An absent key
// leaves the tree untouched.
func (t *Tree) Delete(key []byte) (old dbformat.Address, found bool, err error) {
	if _, found, err = t.Get(key); err != nil || !found {
		return dbformat.NilAddress, false, err
	}
	defer func() {
		if err != nil {
			t.abort()
		}
	}()

	root, err := t.load(t.root)
	if err != nil {
		return dbformat.NilAddress, false, err
	}
	if root, err = t.shrinkRoot(root); err != nil {
		return dbformat.NilAddress, false, err
	}
	if old, _, _, err = t.deleteFrom(root, key); err != nil {
		return dbformat.NilAddress, false, err
	}

	if root.Leaf && len(root.Entries) == 0 {
		t.commit(dbformat.NilAddress)
		return old, true, nil
	}
	addr, err := t.store.WriteNode(root, true)
	if err != nil {
		return dbformat.NilAddress, false, err
	}
	t.commit(addr)
	return old, true, nil
}

// shrinkRoot merges the two children of a single-separator root when neither
// can lend, so the merged child continues as the root.
func (t *Tree) shrinkRoot(root *Node) (*Node, error) {
	for !root.Leaf && len(root.Entries) == 1 &&
		int(root.Children[0].Count) <= t.minKeys() &&
		int(root.Children[1].Count) <= t.minKeys() {
		left, err := t.load(root.Children[0].Addr)
		if err != nil {
			return nil, err
		}
		right, err := t.load(root.Children[1].Addr)
		if err != nil {
			return nil, err
		}
		t.merge(root, 0, left, right)
		root = left
	}
	return root, nil
}

// deleteFrom removes key from the subtree of the private node n. It returns
// the removed pointer and, when known, the new minimum key of the subtree.
func (t *Tree) deleteFrom(n *Node, key []byte) (old dbformat.Address, minKey []byte, hasMin bool, err error) {
	if n.Leaf {
		i, ok := n.search(key, t.cmp)
		if !ok {
			return dbformat.NilAddress, nil, false, fmt.Errorf("%w: key routed to a leaf without it", ErrBrokenInvariant)
		}
		old = n.removeEntry(i).Value
		if len(n.Entries) > 0 {
			return old, n.Entries[0].Key, true, nil
		}
		return old, nil, false, nil
	}

	i := n.childIndex(key, t.cmp)
	child, err := t.load(n.Children[i].Addr)
	if err != nil {
		return dbformat.NilAddress, nil, false, err
	}
	if len(child.Entries) <= t.minKeys() {
		if i, child, err = t.fixChild(n, i, child); err != nil {
			return dbformat.NilAddress, nil, false, err
		}
	}

	old, minKey, hasMin, err = t.deleteFrom(child, key)
	if err != nil {
		return dbformat.NilAddress, nil, false, err
	}
	c, err := t.write(child)
	if err != nil {
		return dbformat.NilAddress, nil, false, err
	}
	n.Children[i] = c

	// The separator routing into the child was the deleted key: replace it
	// with the child's new minimum.
	if i > 0 && t.cmp(n.Entries[i-1].Key, key) == 0 {
		if !hasMin {
			if minKey, err = t.minKey(c.Addr); err != nil {
				return dbformat.NilAddress, nil, false, err
			}
		}
		n.Entries[i-1].Key = minKey
	}
	if i == 0 {
		return old, minKey, hasMin, nil
	}
	return old, nil, false, nil
}

// fixChild gives the i-th child of n at least minKeys+1 entries: borrow from
// the left sibling, else from the right, else merge with the left sibling
// (the right one for the leftmost child). It returns the child to descend
// into and its index.
func (t *Tree) fixChild(n *Node, i int, child *Node) (int, *Node, error) {
	if i > 0 && int(n.Children[i-1].Count) > t.minKeys() {
		left, err := t.load(n.Children[i-1].Addr)
		if err != nil {
			return 0, nil, err
		}
		t.borrowLeft(n, i, left, child)
		c, err := t.write(left)
		if err != nil {
			return 0, nil, err
		}
		n.Children[i-1] = c
		return i, child, nil
	}
	if i < len(n.Entries) && int(n.Children[i+1].Count) > t.minKeys() {
		right, err := t.load(n.Children[i+1].Addr)
		if err != nil {
			return 0, nil, err
		}
		t.borrowRight(n, i, child, right)
		c, err := t.write(right)
		if err != nil {
			return 0, nil, err
		}
		n.Children[i+1] = c
		return i, child, nil
	}
	if i > 0 {
		left, err := t.load(n.Children[i-1].Addr)
		if err != nil {
			return 0, nil, err
		}
		t.merge(n, i-1, left, child)
		return i - 1, left, nil
	}
	right, err := t.load(n.Children[i+1].Addr)
	if err != nil {
		return 0, nil, err
	}
	t.merge(n, i, child, right)
	return i, child, nil
}

// borrowLeft rotates the last entry of left into child through separator
// i-1 of n.
func (t *Tree) borrowLeft(n *Node, i int, left, child *Node) {
	last := len(left.Entries) - 1
	if child.Leaf {
		e := left.removeEntry(last)
		child.insertEntry(0, e)
		n.Entries[i-1].Key = e.Key
		return
	}
	child.insertEntry(0, Entry{Key: n.Entries[i-1].Key})
	child.insertChild(0, left.removeChild(last+1))
	n.Entries[i-1].Key = left.removeEntry(last).Key
}

// borrowRight rotates the first entry of right into child through separator
// i of n.
func (t *Tree) borrowRight(n *Node, i int, child, right *Node) {
	if child.Leaf {
		child.Entries = append(child.Entries, right.removeEntry(0))
		n.Entries[i].Key = right.Entries[0].Key
		return
	}
	child.Entries = append(child.Entries, Entry{Key: n.Entries[i].Key})
	child.Children = append(child.Children, right.removeChild(0))
	n.Entries[i].Key = right.removeEntry(0).Key
}

// merge folds right into left, removing separator i and child i+1 from n.
// Internal merges pull the separator down. The merged node is unwritten;
// n.Children[i] only has its count updated.
func (t *Tree) merge(n *Node, i int, left, right *Node) {
	sep := n.removeEntry(i)
	n.removeChild(i + 1)
	if !left.Leaf {
		left.Entries = append(left.Entries, Entry{Key: sep.Key})
		left.Children = append(left.Children, right.Children...)
	}
	left.Entries = append(left.Entries, right.Entries...)
	n.Children[i].Count = left.Count()
}

// minKey returns the smallest key in the subtree at addr.
func (t *Tree) minKey(addr dbformat.Address) ([]byte, error) {
	for {
		n, err := t.store.ReadNode(addr)
		if err != nil {
			return nil, err
		}
		if n.Leaf {
			if len(n.Entries) == 0 {
				return nil, fmt.Errorf("%w: empty leaf at %v", ErrBrokenInvariant, addr)
			}
			return n.Entries[0].Key, nil
		}
		addr = n.Children[0].Addr
	}
}

// =============================================================================
// Relocation
// =============================================================================

// Relocate rewrites every reachable node whose address satisfies pred,
// along with all of its ancestors, and returns the number of nodes written.
// Compaction uses it to move live nodes out of a segment.
func (t *Tree) Relocate(pred func(dbformat.Address) bool) (moved int, err error) {
	if t.root.IsNil() {
		return 0, nil
	}
	defer func() {
		if err != nil {
			t.abort()
		}
	}()
	addr, changed, moved, err := t.relocate(t.root, pred, true)
	if err != nil {
		return 0, err
	}
	if changed {
		t.commit(addr)
	}
	return moved, nil
}

func (t *Tree) relocate(addr dbformat.Address, pred func(dbformat.Address) bool, root bool) (dbformat.Address, bool, int, error) {
	n, err := t.store.ReadNode(addr)
	if err != nil {
		return addr, false, 0, err
	}
	var c *Node
	moved := 0
	if !n.Leaf {
		for i, ch := range n.Children {
			naddr, changed, m, err := t.relocate(ch.Addr, pred, false)
			if err != nil {
				return addr, false, 0, err
			}
			moved += m
			if changed {
				if c == nil {
					c = n.Clone()
				}
				c.Children[i].Addr = naddr
			}
		}
	}
	if c == nil {
		if !pred(addr) {
			return addr, false, moved, nil
		}
		c = n.Clone()
	}
	t.retired = append(t.retired, addr)
	naddr, err := t.store.WriteNode(c, root)
	if err != nil {
		return addr, false, 0, err
	}
	return naddr, true, moved + 1, nil
}

// =============================================================================
// Iteration and statistics
// =============================================================================

// Ascend calls fn for every entry in key order until fn returns false.
func (t *Tree) Ascend(fn func(key []byte, value dbformat.Address) bool) error {
	return t.AscendRange(nil, nil, fn)
}

// AscendRange calls fn for every entry with from <= key < to, in key order,
// until fn returns false. A nil bound is open.
func (t *Tree) AscendRange(from, to []byte, fn func(key []byte, value dbformat.Address) bool) error {
	if t.root.IsNil() {
		return nil
	}
	_, err := t.ascend(t.root, from, to, fn)
	return err
}

func (t *Tree) ascend(addr dbformat.Address, from, to []byte, fn func([]byte, dbformat.Address) bool) (bool, error) {
	n, err := t.store.ReadNode(addr)
	if err != nil {
		return false, err
	}
	if n.Leaf {
		i := 0
		if from != nil {
			i, _ = n.search(from, t.cmp)
		}
		for ; i < len(n.Entries); i++ {
			e := n.Entries[i]
			if to != nil && t.cmp(e.Key, to) >= 0 {
				return false, nil
			}
			if !fn(e.Key, e.Value) {
				return false, nil
			}
		}
		return true, nil
	}
	start, end := 0, len(n.Children)-1
	if from != nil {
		start = n.childIndex(from, t.cmp)
	}
	if to != nil {
		end = n.childIndex(to, t.cmp)
	}
	for j := start; j <= end; j++ {
		more, err := t.ascend(n.Children[j].Addr, from, to, fn)
		if err != nil || !more {
			return false, err
		}
	}
	return true, nil
}

// Height returns the number of levels: 0 for an empty tree, 1 for a lone
// leaf.
func (t *Tree) Height() (int, error) {
	h := 0
	for addr := t.root; !addr.IsNil(); {
		n, err := t.store.ReadNode(addr)
		if err != nil {
			return 0, err
		}
		h++
		if n.Leaf {
			break
		}
		addr = n.Children[0].Addr
	}
	return h, nil
}

// Len returns the number of entries. Leaf counts are taken from their
// parents' cached child counts, so leaves are not read.
func (t *Tree) Len() (int, error) {
	h, err := t.Height()
	if err != nil || h == 0 {
		return 0, err
	}
	return t.count(t.root, h)
}

func (t *Tree) count(addr dbformat.Address, h int) (int, error) {
	n, err := t.store.ReadNode(addr)
	if err != nil {
		return 0, err
	}
	if n.Leaf {
		return len(n.Entries), nil
	}
	total := 0
	for _, c := range n.Children {
		if h == 2 {
			total += int(c.Count)
			continue
		}
		sub, err := t.count(c.Addr, h-1)
		if err != nil {
			return 0, err
		}
		total += sub
	}
	return total, nil
}

// Check verifies the shape of the tree: equal leaf depth, entry counts
// within bounds, ordered keys inside their separators' ranges, and cached
// child counts that match the children.
func (t *Tree) Check() error {
	if t.root.IsNil() {
		return nil
	}
	leafDepth := -1
	return t.check(t.root, nil, nil, 0, -1, &leafDepth)
}

func (t *Tree) check(addr dbformat.Address, lo, hi []byte, depth, count int, leafDepth *int) error {
	n, err := t.store.ReadNode(addr)
	if err != nil {
		return err
	}
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: node %v: %s", ErrBrokenInvariant, addr, fmt.Sprintf(format, args...))
	}

	isRoot := depth == 0
	if count >= 0 && len(n.Entries) != count {
		return fail("cached count %d, has %d entries", count, len(n.Entries))
	}
	if len(n.Entries) > t.maxKeys() {
		return fail("%d entries exceeds max %d", len(n.Entries), t.maxKeys())
	}
	if !isRoot && len(n.Entries) < t.minKeys() {
		return fail("%d entries below min %d", len(n.Entries), t.minKeys())
	}
	if len(n.Entries) == 0 {
		return fail("empty node")
	}
	for i, e := range n.Entries {
		if i > 0 && t.cmp(n.Entries[i-1].Key, e.Key) >= 0 {
			return fail("keys out of order at %d", i)
		}
		if lo != nil && t.cmp(e.Key, lo) < 0 {
			return fail("key %x below lower bound %x", e.Key, lo)
		}
		if hi != nil && t.cmp(e.Key, hi) >= 0 {
			return fail("key %x not below upper bound %x", e.Key, hi)
		}
	}

	if n.Leaf {
		if *leafDepth < 0 {
			*leafDepth = depth
		} else if *leafDepth != depth {
			return fail("leaf at depth %d, expected %d", depth, *leafDepth)
		}
		return nil
	}
	if len(n.Children) != len(n.Entries)+1 {
		return fail("%d children for %d separators", len(n.Children), len(n.Entries))
	}
	for i, c := range n.Children {
		clo, chi := lo, hi
		if i > 0 {
			clo = n.Entries[i-1].Key
		}
		if i < len(n.Entries) {
			chi = n.Entries[i].Key
		}
		if err := t.check(c.Addr, clo, chi, depth+1, int(c.Count), leafDepth); err != nil {
			return err
		}
	}
	return nil
}
