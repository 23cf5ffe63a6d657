package interval

import (
	"fmt"
	"net/netip"
)

// node owns its two children exclusively; there are no parent links, so a
// rotation only moves ownership between a node and one of its children.
type node struct {
	data    NetRange
	left    *node
	right   *node
	height  int8
	maxHigh netip.Addr
}

func newNode(r NetRange) *node {
	return &node{data: r, maxHigh: r.Max}
}

// height of a leaf is 0 and of an empty subtree -1.
func height(n *node) int8 {
	if n == nil {
		return -1
	}
	return n.height
}

// fix recomputes height and maxHigh from the children. Children must already
// be correct.
func (n *node) fix() {
	n.height = max(height(n.left), height(n.right)) + 1

	hi := n.data.Max
	if n.left != nil {
		hi = maxAddr(hi, n.left.maxHigh)
	}
	if n.right != nil {
		hi = maxAddr(hi, n.right.maxHigh)
	}
	n.maxHigh = hi
}

func (n *node) balance() int {
	return int(height(n.left)) - int(height(n.right))
}

// rotateLeft promotes n.right and returns it as the new subtree root.
func rotateLeft(n *node) *node {
	r := n.right
	n.right = r.left
	r.left = n

	n.fix()
	r.fix()
	return r
}

// rotateRight promotes n.left and returns it as the new subtree root.
func rotateRight(n *node) *node {
	l := n.left
	n.left = l.right
	l.right = n

	n.fix()
	l.fix()
	return l
}

func rebalance(n *node) *node {
	n.fix()

	switch b := n.balance(); {
	case b > 1:
		if height(n.left.left) < height(n.left.right) {
			n.left = rotateLeft(n.left)
		}
		return rotateRight(n)
	case b < -1:
		if height(n.right.left) > height(n.right.right) {
			n.right = rotateRight(n.right)
		}
		return rotateLeft(n)
	}
	return n
}

// insert places r below n and returns the rebalanced subtree root. On error
// the subtree is left exactly as it was.
func insert(n *node, r NetRange) (*node, error) {
	if n == nil {
		return newNode(r), nil
	}

	var err error
	switch c := compareKeys(r, n.data); {
	case c < 0:
		n.left, err = insert(n.left, r)
	case c > 0:
		n.right, err = insert(n.right, r)
	default:
		return n, fmt.Errorf("%w: %s collides with %s", ErrDuplicateRange, r, n.data)
	}
	if err != nil {
		return n, err
	}
	return rebalance(n), nil
}

// search carries the state of one lookup through the recursion.
type search struct {
	addr  netip.Addr
	best  NetRange
	found bool
	cost  int
}

func (s *search) visit(n *node) {
	s.cost++

	if n.left != nil && s.addr.Compare(n.left.maxHigh) <= 0 {
		s.visit(n.left)
	}
	// Ranges in the right subtree start at or after n.data.Min. Those sharing
	// n's start end later, so they can never beat n when addr == n.data.Min.
	if n.right != nil && s.addr.Compare(n.data.Min) > 0 && s.addr.Compare(n.right.maxHigh) <= 0 {
		s.visit(n.right)
	}
	if n.data.Contains(s.addr) {
		s.offer(n.data)
	}
}

func (s *search) offer(r NetRange) {
	if !s.found || r.MoreSpecific(s.best) {
		s.best = r
		s.found = true
	}
}

func walk(n *node, yield func(NetRange) bool) bool {
	if n == nil {
		return true
	}
	return walk(n.left, yield) && yield(n.data) && walk(n.right, yield)
}
