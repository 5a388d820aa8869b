// Package clock implements the tree-structured logical clock: fork, tick,
// join (update), causal comparison and TID hashing, per the data model.
package clock

import (
	"fmt"

	"github.com/jabolina/meldcore/internal/merr"
)

// Clock is an immutable tree-structured logical clock. The zero value is
// not valid; use Genesis or Unmarshal to obtain one.
type Clock struct {
	root *node
}

// Genesis returns the single-node clock (0, id=root) that bootstraps a
// new domain.
func Genesis() Clock {
	return Clock{root: &node{tick: 0, id: true}}
}

// Ticked returns a new clock with the id-leaf incremented by one. Nothing
// else in the tree changes.
func (c Clock) Ticked() Clock {
	root := c.root.clone()
	path, _, ok := findID(root)
	if !ok {
		panic("clock: no id leaf found, invalid clock value")
	}
	n := root
	for _, left := range path {
		if left {
			n = n.left
		} else {
			n = n.right
		}
	}
	n.tick++
	return Clock{root: root}
}

// Forked splits the id-leaf into two sub-leaves. The caller retains the
// left half's identity; the right half is handed to a new participant.
// All other counters are preserved exactly.
func (c Clock) Forked() (left, right Clock) {
	root := c.root.clone()
	path, tick, ok := findID(root)
	if !ok {
		panic("clock: no id leaf found, invalid clock value")
	}
	split := &node{
		tick:  tick,
		left:  &node{tick: 0, id: true},
		right: &node{tick: 0, id: false},
	}
	replaceAt(root, path, split)
	leftRoot := root
	rightRoot := root.clone()
	// Flip which child owns the identity for the right-hand clock.
	flipID(rightRoot, path)
	return Clock{root: leftRoot}, Clock{root: rightRoot}
}

// replaceAt walks the given path from root and replaces the node found
// there with replacement, mutating root in place (root must already be
// an owned, mutable copy).
func replaceAt(root *node, path []bool, replacement *node) {
	if len(path) == 0 {
		*root = *replacement
		return
	}
	n := root
	for i, left := range path {
		if i == len(path)-1 {
			if left {
				n.left = replacement
			} else {
				n.right = replacement
			}
			return
		}
		if left {
			n = n.left
		} else {
			n = n.right
		}
	}
}

// flipID walks to the node at path (expected to be the split node created
// by Forked) and swaps which child carries the id marker.
func flipID(root *node, path []bool) {
	n := root
	for _, left := range path {
		if left {
			n = n.left
		} else {
			n = n.right
		}
	}
	n.left.id = !n.left.id
	n.right.id = !n.right.id
}

// Update takes the component-wise maximum against other at each shared
// node. The result's id stays the caller's.
func (c Clock) Update(other Clock) Clock {
	return Clock{root: merge(c.root, other.root)}
}

func merge(a, b *node) *node {
	if a.isLeaf() && a.id {
		// a's own identity leaf is authoritative: under correct protocol
		// use only the id holder ever forks this position, so b can
		// never legitimately show more structure here. Only the tick
		// count can advance.
		return &node{tick: maxInt64(a.tick, b.tick), id: true}
	}
	if a.isLeaf() && b.isLeaf() {
		return &node{tick: maxInt64(a.tick, b.tick)}
	}
	if a.isLeaf() {
		return &node{
			tick:  maxInt64(a.tick, b.tick),
			left:  childOrZero(b, true).stripID(),
			right: childOrZero(b, false).stripID(),
		}
	}
	return &node{
		tick:  maxInt64(a.tick, b.tick),
		left:  merge(childOrZero(a, true), childOrZero(b, true)),
		right: merge(childOrZero(a, false), childOrZero(b, false)),
	}
}

// Ticks is the sum of counters along the path from root to the id-leaf.
func (c Clock) Ticks() int64 {
	return sumPath(c.root)
}

func sumPath(n *node) int64 {
	if n.isLeaf() {
		return n.tick
	}
	if _, _, ok := findID(n.left); ok {
		return n.tick + sumPath(n.left)
	}
	return n.tick + sumPath(n.right)
}

// TicksAt sums the tick counters along an arbitrary path, not
// necessarily the clock's own id-leaf. Used to read a third party's last
// known tick out of a joined clock value.
func (c Clock) TicksAt(path []bool) int64 {
	return ticksAlong(c.root, path)
}

// IsZeroID reports whether the id-leaf counter is 0 (forked, never
// ticked).
func (c Clock) IsZeroID() bool {
	_, tick, ok := findID(c.root)
	return ok && tick == 0
}

// AnyLt returns true iff some component of c is strictly less than the
// corresponding component in other.
func (c Clock) AnyLt(other Clock) bool {
	lt, _ := compare(c.root, other.root)
	return lt
}

// AnyGt returns true iff some component of c is strictly greater than
// the corresponding component in other.
func (c Clock) AnyGt(other Clock) bool {
	_, gt := compare(c.root, other.root)
	return gt
}

func compare(a, b *node) (lt, gt bool) {
	if a.tick < b.tick {
		lt = true
	}
	if a.tick > b.tick {
		gt = true
	}
	if a.isLeaf() && b.isLeaf() {
		return lt, gt
	}
	l1, g1 := compare(childOrZero(a, true), childOrZero(b, true))
	l2, g2 := compare(childOrZero(a, false), childOrZero(b, false))
	return lt || l1 || l2, gt || g1 || g2
}

// Equal reports structural identity: same tree shape, same counters,
// same id path.
func (c Clock) Equal(other Clock) bool {
	return deepEqual(c.root, other.root)
}

// IDPath returns the sequence of left/right choices from the root to the
// id-leaf (true = left).
func (c Clock) IDPath() []bool {
	path, _, ok := findID(c.root)
	if !ok {
		panic("clock: no id leaf found, invalid clock value")
	}
	return path
}

// String renders a compact debug form, not the canonical wire form (see
// ToJSON for that).
func (c Clock) String() string {
	return fmt.Sprintf("Clock{ticks=%d, path=%v}", c.Ticks(), c.IDPath())
}

// BadClock wraps merr.ErrBadClock with context about why a clock value
// could not be parsed.
func BadClock(reason string) error {
	return fmt.Errorf("%s: %w", reason, merr.ErrBadClock)
}
