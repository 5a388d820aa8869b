package clock

import "encoding/json"

// GWC (global wall clock) is a merged view of the latest known tick per
// process id, built by update-merging the time of every applied
// operation. It answers "have I already seen this time" and "what was
// the previous tick at this source" without needing to retain every
// individual clock value.
type GWC struct {
	root *node
}

// NewGWC returns an empty GWC, which dominates only clock values whose
// every component is zero, such as the genesis time.
func NewGWC() GWC {
	return GWC{root: &node{}}
}

// Merge folds c's components into the GWC, taking the component-wise
// maximum. The result never carries an id marker: a GWC belongs to no
// single process.
func (g GWC) Merge(c Clock) GWC {
	return GWC{root: merge(g.root, c.root).stripID()}
}

// Dominates reports whether every component of t is already reflected in
// the GWC, i.e. the GWC has already seen this time (or later).
func (g GWC) Dominates(t Clock) bool {
	return !clockAnyGt(t.root, g.root)
}

func clockAnyGt(a, b *node) bool {
	_, gt := compare(a, b)
	return gt
}

// TicksAt sums the tick counters along path, matching Clock.Ticks for an
// arbitrary path rather than the GWC's own (nonexistent) id: the last
// tick the GWC has seen from the source at that path.
func (g GWC) TicksAt(path []bool) int64 {
	return ticksAlong(g.root, path)
}

func ticksAlong(n *node, path []bool) int64 {
	var total int64
	for _, left := range path {
		total += n.tick
		if n.isLeaf() {
			return total
		}
		if left {
			n = n.left
		} else {
			n = n.right
		}
	}
	return total + n.tick
}

// ToJSON/FromJSON reuse the clock wire format; a GWC is persisted
// alongside journal state.
func (g GWC) ToJSON() ([]byte, error) {
	return json.Marshal(toWire(g.root))
}

// GWCFromJSON parses a persisted GWC.
func GWCFromJSON(data []byte) (GWC, error) {
	c, err := FromJSONLoose(data)
	if err != nil {
		return GWC{}, err
	}
	return GWC{root: c.root.stripID()}, nil
}

// FromJSONLoose parses a clock-shaped JSON value without requiring
// exactly one id leaf, used for GWC values which carry no identity.
func FromJSONLoose(data []byte) (Clock, error) {
	var w wireNode
	if err := json.Unmarshal(data, &w); err != nil {
		return Clock{}, BadClock(err.Error())
	}
	root, _, err := fromWire(&w)
	if err != nil {
		return Clock{}, err
	}
	return Clock{root: root}, nil
}
