// Package btree implements the copy-on-write B+Tree that indexes the log.
//
// Nodes are records in the same log as the data they index. A Tree never
// touches segments: it reads, writes and retires nodes through a Store, and
// every mutation rewrites the root-to-leaf path to fresh addresses. The new
// root is exposed through Root; making it durable is the caller's job.
//
// Leaves map keys to record addresses. Internal nodes hold separator keys
// and len(Entries)+1 children, each child described by its address and its
// cached entry count. A key equal to a separator routes to the right child.
//
// Nodes returned by Store.ReadNode are treated as immutable; the tree clones
// a node before changing it.
package btree

import (
	"github.com/aalhour/segdb/internal/dbformat"
)

// Entry is one key and its pointer. Separator entries in internal nodes carry
// a nil pointer.
type Entry struct {
	Key   []byte
	Value dbformat.Address
}

// Child describes a child node by address and cached entry count.
type Child struct {
	Addr  dbformat.Address
	Count uint32
}

// Node is the in-memory form of an index node record.
type Node struct {
	Leaf     bool
	Entries  []Entry
	Children []Child
}

// Clone returns a copy of n whose slices can be mutated freely. Key bytes
// are shared; they are never modified in place.
func (n *Node) Clone() *Node {
	c := &Node{
		Leaf:    n.Leaf,
		Entries: make([]Entry, len(n.Entries), len(n.Entries)+1),
	}
	copy(c.Entries, n.Entries)
	if !n.Leaf {
		c.Children = make([]Child, len(n.Children), len(n.Children)+1)
		copy(c.Children, n.Children)
	}
	return c
}

// Count returns the number of entries in n.
func (n *Node) Count() uint32 {
	return uint32(len(n.Entries))
}

// search returns the position of key among the entries and whether it is
// present.
func (n *Node) search(key []byte, cmp CompareFunc) (int, bool) {
	lo, hi := 0, len(n.Entries)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if cmp(n.Entries[mid].Key, key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, lo < len(n.Entries) && cmp(n.Entries[lo].Key, key) == 0
}

// childIndex returns the child a key routes to: the first i with
// key < Entries[i].Key, or len(Entries).
func (n *Node) childIndex(key []byte, cmp CompareFunc) int {
	lo, hi := 0, len(n.Entries)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if cmp(key, n.Entries[mid].Key) < 0 {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo
}

func (n *Node) insertEntry(i int, e Entry) {
	n.Entries = append(n.Entries, Entry{})
	copy(n.Entries[i+1:], n.Entries[i:])
	n.Entries[i] = e
}

func (n *Node) removeEntry(i int) Entry {
	e := n.Entries[i]
	copy(n.Entries[i:], n.Entries[i+1:])
	n.Entries[len(n.Entries)-1] = Entry{}
	n.Entries = n.Entries[:len(n.Entries)-1]
	return e
}

func (n *Node) insertChild(i int, c Child) {
	n.Children = append(n.Children, Child{})
	copy(n.Children[i+1:], n.Children[i:])
	n.Children[i] = c
}

func (n *Node) removeChild(i int) Child {
	c := n.Children[i]
	copy(n.Children[i:], n.Children[i+1:])
	n.Children = n.Children[:len(n.Children)-1]
	return c
}
