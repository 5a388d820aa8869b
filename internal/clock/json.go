package clock

import "encoding/json"

// wireNode is the canonical JSON shape for a clock node: an object with
// its tick "t", an id marker "i" (set only on the id leaf), and left and
// right subtrees "l"/"r" (omitted on a leaf). encoding/json emits
// struct fields in declaration order, which makes this canonical without
// any extra normalisation step.
type wireNode struct {
	T int64     `json:"t"`
	I bool      `json:"i,omitempty"`
	L *wireNode `json:"l,omitempty"`
	R *wireNode `json:"r,omitempty"`
}

func toWire(n *node) *wireNode {
	w := &wireNode{T: n.tick, I: n.isLeaf() && n.id}
	if !n.isLeaf() {
		w.L = toWire(childOrZero(n, true))
		w.R = toWire(childOrZero(n, false))
	}
	return w
}

func fromWire(w *wireNode) (*node, int, error) {
	if w == nil {
		return nil, 0, BadClock("nil clock node")
	}
	n := &node{tick: w.T}
	idCount := 0
	if w.L == nil && w.R == nil {
		n.id = w.I
		if w.I {
			idCount = 1
		}
		return n, idCount, nil
	}
	if w.L == nil || w.R == nil {
		return nil, 0, BadClock("internal node missing a child")
	}
	left, lc, err := fromWire(w.L)
	if err != nil {
		return nil, 0, err
	}
	right, rc, err := fromWire(w.R)
	if err != nil {
		return nil, 0, err
	}
	n.left, n.right = left, right
	return n, lc + rc, nil
}

// ToJSON returns the canonical wire encoding of the clock.
func (c Clock) ToJSON() ([]byte, error) {
	return json.Marshal(toWire(c.root))
}

// FromJSON parses the canonical wire encoding produced by ToJSON. It is
// total over valid inputs and fails with a BadClock error otherwise.
func FromJSON(data []byte) (Clock, error) {
	var w wireNode
	if err := json.Unmarshal(data, &w); err != nil {
		return Clock{}, BadClock(err.Error())
	}
	root, idCount, err := fromWire(&w)
	if err != nil {
		return Clock{}, err
	}
	if idCount != 1 {
		return Clock{}, BadClock("clock must have exactly one id leaf")
	}
	return Clock{root: root}, nil
}
