// Package interval implements an AVL-balanced interval tree keyed on network
// address ranges. Every node caches the highest address reachable in its
// subtree so that a point lookup can skip subtrees that end before the
// address. Lookups return the most specific (longest prefix) stored range
// covering the address, even when shorter prefixes overlap it.
//
// An Index is built by a single goroutine and is safe for concurrent reads
// once the build is finished.
package interval

import (
	"fmt"
	"iter"
	"net/netip"
)

// Index stores the ranges of one address family.
type Index struct {
	root *node
	size int
	bits int
}

// NewIPv4 returns an empty index for 32-bit addresses.
func NewIPv4() *Index {
	return &Index{bits: 32}
}

// NewIPv6 returns an empty index for 128-bit addresses.
func NewIPv6() *Index {
	return &Index{bits: 128}
}

// Insert adds r. Inserting a range whose bounds are already stored returns
// ErrDuplicateRange and leaves the index unchanged. Insert must not be called
// concurrently with any other method.
func (x *Index) Insert(r NetRange) error {
	if r.Min.BitLen() != x.bits || r.Max.BitLen() != x.bits {
		return fmt.Errorf("%w: %s into %d-bit index", ErrFamilyMismatch, r, x.bits)
	}

	root, err := insert(x.root, r)
	if err != nil {
		return err
	}
	x.root = root
	x.size++
	return nil
}

// Lookup returns the longest-prefix range containing addr, the number of
// nodes visited, and whether a range was found. Addresses of the other
// family are never found.
func (x *Index) Lookup(addr netip.Addr) (NetRange, int, bool) {
	if x.root == nil || addr.BitLen() != x.bits {
		return NetRange{}, 0, false
	}

	s := search{addr: addr}
	s.visit(x.root)
	return s.best, s.cost, s.found
}

// Len returns the number of stored ranges.
func (x *Index) Len() int {
	return x.size
}

// Height returns the number of levels in the tree, 0 when empty.
func (x *Index) Height() int {
	return int(height(x.root)) + 1
}

// All iterates the stored ranges in (Min, Max) order.
func (x *Index) All() iter.Seq[NetRange] {
	return func(yield func(NetRange) bool) {
		walk(x.root, yield)
	}
}
