// Package dataset implements the SU-Set (set-union) CRDT: the live
// triple index that applies and produces operations so the replicated
// graph converges.
package dataset

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jabolina/meldcore/internal/clock"
	"github.com/jabolina/meldcore/internal/constraint"
	"github.com/jabolina/meldcore/internal/encoding"
	"github.com/jabolina/meldcore/internal/journal"
	"github.com/jabolina/meldcore/internal/logging"
	"github.com/jabolina/meldcore/internal/merr"
	"github.com/jabolina/meldcore/internal/model"
	"github.com/jabolina/meldcore/internal/storage"
)

const triplePrefix = "triple:"

func tripleKey(t model.Triple) string {
	return triplePrefix + model.TripleKey(t)
}

func tidIndexPrefix(tid clock.TID) string {
	return fmt.Sprintf("tid:%s:", tid)
}

// Dataset is one clone's live SU-Set index, backed by the durable
// journal for history and a key/value store for the present-time graph.
type Dataset struct {
	mu sync.Mutex

	store            storage.Storage
	journal          *journal.Journal
	log              logging.Logger
	constraints      []constraint.Constraint
	maxOperationSize int

	clock clock.Clock
	gwc   clock.GWC
}

// Options configures a Dataset at Open time.
type Options struct {
	Constraints      []constraint.Constraint
	MaxOperationSize int
}

// Open loads a Dataset's live clock/gwc from jrnl's current state.
func Open(store storage.Storage, jrnl *journal.Journal, log logging.Logger, opts Options) *Dataset {
	state := jrnl.State()
	return &Dataset{
		store:            store,
		journal:          jrnl,
		log:              log,
		constraints:      opts.Constraints,
		maxOperationSize: opts.MaxOperationSize,
		clock:            state.Time,
		gwc:              state.GWC,
	}
}

// Time returns the dataset's current clock.
func (d *Dataset) Time() clock.Clock {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clock
}

// GWC returns the dataset's current global wall clock.
func (d *Dataset) GWC() clock.GWC {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gwc
}

type tripleEntry struct {
	Triple model.Triple  `json:"triple"`
	TIDs   model.TIDSet  `json:"tids"`
}

func (d *Dataset) getTripleEntry(s storage.Storage, t model.Triple) (tripleEntry, bool, error) {
	data, err := s.Get(tripleKey(t))
	if err == storage.ErrNotFound {
		return tripleEntry{}, false, nil
	}
	if err != nil {
		return tripleEntry{}, false, err
	}
	entry, err := decodeTripleEntry(data)
	return entry, true, err
}

// Properties implements constraint.State: the current values a subject
// holds for predicate.
func (d *Dataset) Properties(subject, predicate string) []model.Value {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.propertiesLocked(subject, predicate)
}

// lockedState is the constraint.State handed to constraints while d.mu
// is already held by the write or apply that invokes them.
type lockedState struct{ d *Dataset }

func (s lockedState) Properties(subject, predicate string) []model.Value {
	return s.d.propertiesLocked(subject, predicate)
}

func (d *Dataset) propertiesLocked(subject, predicate string) []model.Value {
	var out []model.Value
	prefix := triplePrefix
	_ = d.store.ScanPrefix(prefix, func(key string, data []byte) bool {
		entry, err := decodeTripleEntry(data)
		if err != nil || entry.TIDs.Empty() {
			return true
		}
		if entry.Triple.Subject == subject && entry.Triple.Predicate == predicate {
			out = append(out, valueFor(entry.Triple.Object))
		}
		return true
	})
	return out
}

func valueFor(object string) model.Value {
	if strings.HasPrefix(object, "ref:") {
		return model.Value{Ref: strings.TrimPrefix(object, "ref:")}
	}
	return model.Value{Literal: object}
}

// Write performs a local write transaction,
// committing the resulting operation to the journal and returning it for
// publication. An empty patch is a no-op.
func (d *Dataset) Write(patch model.Patch) (model.Operation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writeLocked(patch)
}

func (d *Dataset) writeLocked(patch model.Patch) (model.Operation, error) {
	if patch.IsEmpty() {
		return model.Operation{}, nil
	}

	t := d.clock.Ticked()
	tid := t.Hash()

	interim := &constraint.Interim{Deletes: patch.Delete, Inserts: patch.Insert}
	for _, c := range d.constraints {
		if err := c.Check(lockedState{d}, interim); err != nil {
			return model.Operation{}, err
		}
	}

	var deletes, inserts []model.ReifiedTriple
	for _, tr := range interim.Deletes {
		entry, ok, err := d.getTripleEntry(d.store, tr)
		if err != nil {
			return model.Operation{}, err
		}
		if !ok || entry.TIDs.Empty() {
			continue
		}
		deletes = append(deletes, model.ReifiedTriple{Triple: tr, TIDs: entry.TIDs.Sorted()})
	}
	for _, tr := range interim.Inserts {
		inserts = append(inserts, model.ReifiedTriple{Triple: tr, TIDs: []clock.TID{tid}})
	}

	op := model.Operation{Version: model.ProtocolVersion, From: t.Ticks(), Time: t, Deletes: deletes, Inserts: inserts}
	if d.maxOperationSize > 0 {
		size, err := encoding.Size(op)
		if err != nil {
			return model.Operation{}, err
		}
		if size > d.maxOperationSize {
			return model.Operation{}, fmt.Errorf("dataset: operation of %d bytes exceeds the configured limit of %d: %w", size, d.maxOperationSize, merr.ErrOperationSizeExceeded)
		}
	}

	if err := d.store.Batch(func(tx storage.Storage) error {
		for _, r := range deletes {
			if err := d.withdraw(tx, r); err != nil {
				return err
			}
		}
		for _, r := range inserts {
			if err := d.insert(tx, r); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return model.Operation{}, err
	}

	newGWC := d.gwc.Merge(t)
	if _, _, err := d.journal.CommitEntry(op, model.JournalState{Time: t, GWC: newGWC}); err != nil {
		return model.Operation{}, err
	}
	d.clock = t
	d.gwc = newGWC
	return op, nil
}

func (d *Dataset) withdraw(s storage.Storage, r model.ReifiedTriple) error {
	entry, ok, err := d.getTripleEntry(s, r.Triple)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	for _, tid := range r.TIDs {
		entry.TIDs.Remove(tid)
		if err := s.Delete(tidIndexPrefix(tid) + model.TripleKey(r.Triple)); err != nil {
			return err
		}
	}
	if entry.TIDs.Empty() {
		return s.Delete(tripleKey(r.Triple))
	}
	return putTripleEntry(s, entry)
}

func (d *Dataset) insert(s storage.Storage, r model.ReifiedTriple) error {
	entry, ok, err := d.getTripleEntry(s, r.Triple)
	if err != nil {
		return err
	}
	if !ok {
		entry = tripleEntry{Triple: r.Triple, TIDs: model.NewTIDSet()}
	}
	for _, tid := range r.TIDs {
		entry.TIDs.Add(tid)
		if err := s.Put(tidIndexPrefix(tid)+model.TripleKey(r.Triple), []byte(model.TripleKey(r.Triple))); err != nil {
			return err
		}
	}
	return putTripleEntry(s, entry)
}

// Apply processes a remote operation: whole-operation duplicate
// rejection against the GWC, stale-cut of already-applied fusion
// ranges, TID withdrawal/insertion, clock join, and constraint apply
// hooks. It returns any extra local operations the constraint apply
// hooks produced, for the caller to publish alongside the original.
func (d *Dataset) Apply(op model.Operation) ([]model.Operation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if op.IsEmpty() {
		return nil, nil
	}

	cut := d.staleCut(op)
	if cut.IsEmpty() {
		d.log.With("tid", string(op.TID())).Debugf("dropping fully duplicate operation")
		return nil, nil
	}

	if err := d.store.Batch(func(tx storage.Storage) error {
		for _, r := range cut.Deletes {
			if err := d.withdraw(tx, r); err != nil {
				return err
			}
		}
		for _, r := range cut.Inserts {
			if err := d.insert(tx, r); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}

	newClock := d.clock.Update(op.Time).Ticked()
	newGWC := d.gwc.Merge(newClock).Merge(op.Time)
	if _, _, err := d.journal.CommitEntry(op, model.JournalState{Time: newClock, GWC: newGWC}); err != nil {
		return nil, err
	}
	d.clock = newClock
	d.gwc = newGWC

	var extra []model.Operation
	interim := &constraint.Interim{Deletes: triplesOf(cut.Deletes), Inserts: triplesOf(cut.Inserts)}
	for _, c := range d.constraints {
		patch, err := c.Apply(lockedState{d}, interim)
		if err != nil {
			return extra, err
		}
		if patch.IsEmpty() {
			continue
		}
		extraOp, err := d.writeLocked(patch)
		if err != nil {
			return extra, err
		}
		if !extraOp.IsEmpty() {
			extra = append(extra, extraOp)
		}
	}
	return extra, nil
}

// staleCut rejects an operation already fully reflected in the GWC
// outright, fused or not, and otherwise withdraws from a fused
// operation's reified triples any TID already applied locally,
// retaining only the tail this clone has not yet seen (the stale-cut
// rule). A single-tick operation that isn't fully dominated passes
// through unchanged: there is no tail to cut.
func (d *Dataset) staleCut(op model.Operation) model.Operation {
	if d.gwc.Dominates(op.Time) {
		return model.Operation{Version: op.Version, From: op.From, Time: op.Time}
	}
	if !op.IsFusion() {
		return op
	}
	return model.Operation{
		Version: op.Version,
		From:    op.From,
		Time:    op.Time,
		Deletes: d.filterFresh(op.Deletes),
		Inserts: d.filterFresh(op.Inserts),
	}
}

func (d *Dataset) filterFresh(list []model.ReifiedTriple) []model.ReifiedTriple {
	var out []model.ReifiedTriple
	for _, r := range list {
		var fresh []clock.TID
		for _, tid := range r.TIDs {
			if !d.tidApplied(tid) {
				fresh = append(fresh, tid)
			}
		}
		if len(fresh) > 0 {
			out = append(out, model.ReifiedTriple{Triple: r.Triple, TIDs: fresh})
		}
	}
	return out
}

func (d *Dataset) tidApplied(tid clock.TID) bool {
	found := false
	_ = d.store.ScanPrefix(tidIndexPrefix(tid), func(key string, value []byte) bool {
		found = true
		return false
	})
	return found
}

func triplesOf(rs []model.ReifiedTriple) []model.Triple {
	out := make([]model.Triple, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.Triple)
	}
	return out
}

// Describe returns every live triple for subject, across all
// predicates.
func (d *Dataset) Describe(subject string) []model.Triple {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []model.Triple
	_ = d.store.ScanPrefix(triplePrefix, func(key string, data []byte) bool {
		entry, err := decodeTripleEntry(data)
		if err != nil || entry.TIDs.Empty() {
			return true
		}
		if entry.Triple.Subject == subject {
			out = append(out, entry.Triple)
		}
		return true
	})
	return out
}

// DescribeGraph resolves subject into its full subject graph, following
// every reference-valued property transitively and resolving cycles
// (including self-references) by IRI lookup against an Arena rather
// than by recursing into owning pointers. Returns nil if subject has
// no live triples. The returned slice lists subject first, then every
// subject it transitively references, each exactly once.
func (d *Dataset) DescribeGraph(subject string) []*model.Subject {
	d.mu.Lock()
	defer d.mu.Unlock()

	arena := model.NewArena()
	discovered := make(map[string]bool)
	var discover func(iri string)
	discover = func(iri string) {
		if discovered[iri] {
			return
		}
		discovered[iri] = true
		s := d.loadSubjectLocked(iri)
		if s == nil {
			return
		}
		arena.Put(s)
		for _, values := range s.Properties {
			for _, v := range values {
				if v.IsRef() {
					discover(v.Ref)
				}
			}
		}
	}
	discover(subject)

	if arena.Get(subject) == nil {
		return nil
	}
	var out []*model.Subject
	arena.Walk(subject, func(s *model.Subject) {
		out = append(out, s)
	})
	return out
}

// loadSubjectLocked gathers iri's live properties into a Subject, or
// nil if iri currently has no live triples. Caller holds d.mu.
func (d *Dataset) loadSubjectLocked(iri string) *model.Subject {
	s := &model.Subject{ID: iri, Properties: make(map[string][]model.Value)}
	found := false
	_ = d.store.ScanPrefix(triplePrefix, func(key string, data []byte) bool {
		entry, err := decodeTripleEntry(data)
		if err != nil || entry.TIDs.Empty() {
			return true
		}
		if entry.Triple.Subject != iri {
			return true
		}
		found = true
		s.Properties[entry.Triple.Predicate] = append(s.Properties[entry.Triple.Predicate], valueFor(entry.Triple.Object))
		return true
	})
	if !found {
		return nil
	}
	return s
}

// Fork splits the dataset's own clock, retaining the left half as its
// new identity and persisting it as the new baseline, and returning the
// right half for a newly joining peer's NewClock request.
func (d *Dataset) Fork() (clock.Clock, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	left, right := d.clock.Forked()
	if err := d.journal.Seed(left, d.gwc); err != nil {
		return clock.Clock{}, err
	}
	d.clock = left
	return right, nil
}

// Snapshot returns every live triple plus the clock and GWC at the
// moment the read began, for seeding a joining or recovering peer.
func (d *Dataset) Snapshot() (clock.Clock, clock.GWC, []model.ReifiedTriple) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []model.ReifiedTriple
	_ = d.store.ScanPrefix(triplePrefix, func(key string, data []byte) bool {
		entry, err := decodeTripleEntry(data)
		if err != nil || entry.TIDs.Empty() {
			return true
		}
		out = append(out, model.ReifiedTriple{Triple: entry.Triple, TIDs: entry.TIDs.Sorted()})
		return true
	})
	return d.clock, d.gwc, out
}

// ApplySnapshot seeds an empty dataset from a peer-provided snapshot,
// replacing the local clock/gwc baseline wholesale rather than joining
// it, since there is nothing local yet to preserve.
func (d *Dataset) ApplySnapshot(t clock.Clock, gwc clock.GWC, triples []model.ReifiedTriple) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.store.Batch(func(tx storage.Storage) error {
		for _, r := range triples {
			if err := d.insert(tx, r); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}
	if err := d.journal.Seed(t, gwc); err != nil {
		return err
	}
	d.clock = t
	d.gwc = gwc
	return nil
}

// GC scans the TID index for entries whose originating operation has
// become disposable and removes them from the journal, per the
// garbage collection rule.
func (d *Dataset) GC() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	candidates := make(map[clock.TID]clock.Clock)
	if err := d.store.ScanPrefix("tid:", func(key string, value []byte) bool {
		tid := tidFromIndexKey(key)
		if tid == "" {
			return true
		}
		if _, seen := candidates[tid]; seen {
			return true
		}
		op, err := d.journal.Operation(tid)
		if err != nil {
			if errors.Is(err, merr.ErrCorruption) {
				return true
			}
			return true
		}
		candidates[tid] = op.Time
		return true
	}); err != nil {
		return err
	}
	return d.journal.GC(candidates)
}

func tidFromIndexKey(key string) clock.TID {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 2 {
		return ""
	}
	return clock.TID(parts[1])
}

func decodeTripleEntry(data []byte) (tripleEntry, error) {
	var e tripleEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return tripleEntry{}, fmt.Errorf("dataset: %w: %v", merr.ErrCorruption, err)
	}
	if e.TIDs == nil {
		e.TIDs = model.NewTIDSet()
	}
	return e, nil
}

func putTripleEntry(s storage.Storage, e tripleEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.Put(tripleKey(e.Triple), data)
}
