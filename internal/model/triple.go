// Package model holds the plain value types operations, triples and
// journal entries are built from, independent of how they are encoded or
// stored.
package model

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/jabolina/meldcore/internal/clock"
)

// Triple is a subject/predicate/object fact, independent of the
// surrounding JSON-LD document it was compacted from.
type Triple struct {
	Subject   string
	Predicate string
	Object    string
}

func (t Triple) String() string {
	return fmt.Sprintf("%s %s %s", t.Subject, t.Predicate, t.Object)
}

// TripleKey is the storage index key for a triple's identity (not its
// TID set), used to look up or allocate its TID-set entry.
func TripleKey(t Triple) string {
	sum := sha1.Sum([]byte(t.String()))
	return hex.EncodeToString(sum[:])
}

// TIDSet is the set of TIDs currently asserting a triple. A triple is
// present iff its TID set is non-empty.
type TIDSet map[clock.TID]struct{}

// NewTIDSet builds a TIDSet from the given TIDs.
func NewTIDSet(tids ...clock.TID) TIDSet {
	s := make(TIDSet, len(tids))
	for _, t := range tids {
		s[t] = struct{}{}
	}
	return s
}

func (s TIDSet) Has(t clock.TID) bool {
	_, ok := s[t]
	return ok
}

func (s TIDSet) Add(t clock.TID) {
	s[t] = struct{}{}
}

func (s TIDSet) Remove(t clock.TID) {
	delete(s, t)
}

func (s TIDSet) Empty() bool {
	return len(s) == 0
}

func (s TIDSet) Clone() TIDSet {
	c := make(TIDSet, len(s))
	for t := range s {
		c[t] = struct{}{}
	}
	return c
}

// Sorted returns the TIDs in a deterministic order, for encoding.
func (s TIDSet) Sorted() []clock.TID {
	out := make([]clock.TID, 0, len(s))
	for t := range s {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ReifiedTriple is a triple plus the TIDs being asserted or withdrawn by
// an operation, the wire shape of a delete/insert entry.
type ReifiedTriple struct {
	TIDs   []clock.TID
	Triple Triple
}
