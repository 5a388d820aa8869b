package model

import "github.com/jabolina/meldcore/internal/clock"

// ProtocolVersion is the version field of the operation wire tuple.
const ProtocolVersion = 2

// Operation is the tuple (version, from, time, deletes, inserts) that
// moves between clones, per the data model. Its TID is time.Hash(); from
// <= time.Ticks(), with from < time.Ticks() marking a fusion of
// contiguous single-tick operations.
type Operation struct {
	Version int
	From    int64
	Time    clock.Clock
	Deletes []ReifiedTriple
	Inserts []ReifiedTriple
}

// TID is the operation's transaction identifier.
func (o Operation) TID() clock.TID {
	return o.Time.Hash()
}

// IsFusion reports whether this operation covers more than one tick,
// i.e. is the causal fusion of several contiguous single-tick operations
// from the same source.
func (o Operation) IsFusion() bool {
	return o.From < o.Time.Ticks()
}

// IsEmpty reports whether the operation has no effect: no deletes and no
// inserts. An empty operation is a no-op: no journal entry, no
// emission.
func (o Operation) IsEmpty() bool {
	return len(o.Deletes) == 0 && len(o.Inserts) == 0
}

// TIDs returns every TID referenced by this operation's deletes and
// inserts, each once, in first-seen order.
func (o Operation) TIDs() []clock.TID {
	seen := make(map[clock.TID]struct{})
	var out []clock.TID
	add := func(t clock.TID) {
		if _, ok := seen[t]; !ok {
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	for _, d := range o.Deletes {
		for _, t := range d.TIDs {
			add(t)
		}
	}
	for _, i := range o.Inserts {
		for _, t := range i.TIDs {
			add(t)
		}
	}
	return out
}

// Patch is a user write: delete a matched pattern, insert a set of
// triples. Pattern resolution against the live graph happens in the
// dataset package; Patch itself only carries the already-resolved
// concrete triples for Delete (the caller is expected to have already
// matched against the graph) and the new triples for Insert.
type Patch struct {
	Delete []Triple
	Insert []Triple
}

func (p Patch) IsEmpty() bool {
	return len(p.Delete) == 0 && len(p.Insert) == 0
}
