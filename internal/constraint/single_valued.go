package constraint

import (
	"fmt"

	"github.com/jabolina/meldcore/internal/model"
)

// singleValued rejects nothing but, once a write sets predicate on a
// subject, retracts whatever other value that subject already held for
// predicate: the graph never holds more than one value per (subject,
// predicate) pair under this constraint, last writer wins.
type singleValued struct {
	predicate string
}

func newSingleValued(params map[string]string) (Constraint, error) {
	predicate, ok := params["predicate"]
	if !ok || predicate == "" {
		return nil, fmt.Errorf("constraint: single-valued requires a \"predicate\" parameter")
	}
	return &singleValued{predicate: predicate}, nil
}

func (s *singleValued) Check(state State, interim *Interim) error {
	return nil
}

func (s *singleValued) Apply(state State, interim *Interim) (model.Patch, error) {
	var patch model.Patch
	touched := make(map[string]bool)
	for _, t := range interim.Inserts {
		if t.Predicate != s.predicate || touched[t.Subject] {
			continue
		}
		touched[t.Subject] = true
		for _, v := range state.Properties(t.Subject, s.predicate) {
			existing := model.Triple{Subject: t.Subject, Predicate: s.predicate, Object: valueObject(v)}
			if existing == t {
				continue
			}
			patch.Delete = append(patch.Delete, existing)
		}
	}
	return patch, nil
}

func valueObject(v model.Value) string {
	if v.IsRef() {
		return "ref:" + v.Ref
	}
	return fmt.Sprintf("%v", v.Literal)
}
