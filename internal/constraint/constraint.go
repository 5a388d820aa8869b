// Package constraint implements the dataset's pluggable constraint
// capability set: each configured constraint gets a chance to reject or
// extend the interim update of a local write before it commits, and a
// chance to emit an extra local operation once a remote operation has
// been applied.
package constraint

import (
	"fmt"

	"github.com/jabolina/meldcore/internal/model"
)

// State is the read-only view of the live graph a constraint checks
// against. The dataset package supplies the concrete implementation;
// constraint only depends on the interface, so dataset can depend on
// constraint without a cycle.
type State interface {
	// Properties returns the current property values of subject for
	// predicate, or nil if there are none.
	Properties(subject, predicate string) []model.Value
}

// Interim is the mutable update a write transaction is assembling.
// Constraints may append further deletes/inserts onto it (e.g.
// single-valued enforcement retracting a prior value) in addition to
// rejecting the update outright.
type Interim struct {
	Deletes []model.Triple
	Inserts []model.Triple
}

// AddInsert appends an additional triple to insert.
func (i *Interim) AddInsert(t model.Triple) {
	i.Inserts = append(i.Inserts, t)
}

// AddDelete appends an additional triple to delete.
func (i *Interim) AddDelete(t model.Triple) {
	i.Deletes = append(i.Deletes, t)
}

// Constraint is a capability set checked against every local write and
// given a chance to react once a remote operation has taken effect, per
// the dynamic-dispatch design note.
type Constraint interface {
	// Check inspects the interim update against state and returns a
	// non-nil error to reject the whole write transaction.
	Check(state State, interim *Interim) error

	// Apply runs after a remote operation has been accepted and merged
	// into state, and may return further triples to delete or insert as a
	// follow-up local operation (e.g. retracting the value a
	// single-valued property had before this write). A constraint with
	// nothing to add returns a zero-value Patch.
	Apply(state State, interim *Interim) (model.Patch, error)
}

// Descriptor names one configured constraint: the registered factory key
// plus whatever parameters it needs (e.g. the predicate a single-valued
// constraint governs).
type Descriptor struct {
	Name   string
	Params map[string]string
}

// Factory builds a Constraint from a descriptor's parameters.
type Factory func(params map[string]string) (Constraint, error)

// Registry resolves descriptors to constraints. Factories are
// pre-registered by name rather than discovered via reflection, per the
// design note's "avoid host-runtime reflection" rule.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry builds a registry pre-loaded with the built-in constraint
// kinds.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("single-valued", newSingleValued)
	return r
}

// Register adds or replaces the factory for name.
func (r *Registry) Register(name string, f Factory) {
	r.factories[name] = f
}

// Build resolves a descriptor into a live Constraint.
func (r *Registry) Build(d Descriptor) (Constraint, error) {
	f, ok := r.factories[d.Name]
	if !ok {
		return nil, fmt.Errorf("constraint: no factory registered for %q", d.Name)
	}
	return f(d.Params)
}

// BuildAll resolves every descriptor in order, stopping at the first
// error.
func (r *Registry) BuildAll(ds []Descriptor) ([]Constraint, error) {
	out := make([]Constraint, 0, len(ds))
	for _, d := range ds {
		c, err := r.Build(d)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
