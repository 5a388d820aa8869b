package clock

// node is one counter in the tree clock. Exactly one leaf system-wide is
// marked id==true: the position belonging to the clock's own process.
//
// Internal nodes never carry id==true; only a leaf can own an identity.
// A node's own tick counts toward the cumulative tick total of every
// leaf beneath it, which is how fork preserves "all other counters"
// while still letting both halves of a fork see the pre-fork history.
type node struct {
	tick  int64
	id    bool
	left  *node
	right *node
}

var zeroNode = &node{}

func (n *node) isLeaf() bool {
	return n == nil || (n.left == nil && n.right == nil)
}

func (n *node) clone() *node {
	if n == nil {
		return nil
	}
	c := &node{tick: n.tick, id: n.id}
	if n.left != nil {
		c.left = n.left.clone()
	}
	if n.right != nil {
		c.right = n.right.clone()
	}
	return c
}

// stripID returns a clone of n with every id marker cleared. Used when
// adopting structure from a foreign clock: a remote clock's notion of
// "my id" must never leak into the local clock it's being merged into.
func (n *node) stripID() *node {
	if n == nil {
		return nil
	}
	c := &node{tick: n.tick}
	if n.left != nil {
		c.left = n.left.stripID()
	}
	if n.right != nil {
		c.right = n.right.stripID()
	}
	return c
}

func childOrZero(n *node, left bool) *node {
	if n == nil || n.isLeaf() {
		return zeroNode
	}
	if left {
		return n.left
	}
	return n.right
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// findID locates the id leaf, returning the path taken from the root
// (true = left, false = right) and the leaf's own tick counter.
func findID(n *node) (path []bool, tick int64, ok bool) {
	if n == nil {
		return nil, 0, false
	}
	if n.isLeaf() {
		if n.id {
			return nil, n.tick, true
		}
		return nil, 0, false
	}
	if p, t, found := findID(n.left); found {
		return append([]bool{true}, p...), t, true
	}
	if p, t, found := findID(n.right); found {
		return append([]bool{false}, p...), t, true
	}
	return nil, 0, false
}

// deepEqual compares two trees structurally, including id placement.
func deepEqual(a, b *node) bool {
	al, bl := a.isLeaf(), b.isLeaf()
	if al != bl {
		return false
	}
	if a.tick != b.tick || a.id != b.id {
		return false
	}
	if al {
		return true
	}
	return deepEqual(childOrZero(a, true), childOrZero(b, true)) &&
		deepEqual(childOrZero(a, false), childOrZero(b, false))
}
