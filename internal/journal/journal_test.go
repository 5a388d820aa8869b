package journal

import (
	"testing"

	"github.com/jabolina/meldcore/internal/clock"
	"github.com/jabolina/meldcore/internal/logging"
	"github.com/jabolina/meldcore/internal/model"
	"github.com/jabolina/meldcore/internal/storage"
)

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(storage.NewMemory(), logging.New("test", "test"))
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	return j
}

func op(t clock.Clock, from int64, inserts ...model.ReifiedTriple) model.Operation {
	return model.Operation{Version: model.ProtocolVersion, From: from, Time: t, Inserts: inserts}
}

func TestCommitEntry_SimpleAppend(t *testing.T) {
	j := newTestJournal(t)
	c := clock.Genesis().Ticked()
	o := op(c, c.Ticks(), model.ReifiedTriple{TIDs: []clock.TID{c.Hash()}, Triple: model.Triple{Subject: "fred", Predicate: "#name", Object: `"Fred"`}})

	gwc := clock.NewGWC().Merge(c)
	entry, committed, err := j.CommitEntry(o, model.JournalState{Time: c, GWC: gwc, TailTick: c.Ticks()})
	if err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if !committed {
		t.Fatalf("expected entry to be committed")
	}
	if entry.Prev.TID != model.GenesisTID {
		t.Fatalf("first entry for a source should point at genesis, found %v", entry.Prev)
	}

	fetched, err := j.Operation(o.TID())
	if err != nil {
		t.Fatalf("operation lookup failed: %v", err)
	}
	if fetched.TID() != o.TID() {
		t.Fatalf("fetched operation TID mismatch")
	}
}

func TestCommitEntry_EmptyOperationIsNoOp(t *testing.T) {
	j := newTestJournal(t)
	c := clock.Genesis().Ticked()
	entry, committed, err := j.CommitEntry(model.Operation{Version: model.ProtocolVersion, Time: c}, model.JournalState{Time: c, GWC: clock.NewGWC()})
	if err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if committed {
		t.Fatalf("empty operation must not produce an entry")
	}
	if entry.TID != "" {
		t.Fatalf("expected zero-value entry for a no-op commit")
	}
}

func TestCommitEntry_FusesContiguousOperations(t *testing.T) {
	j := newTestJournal(t)
	c1 := clock.Genesis().Ticked()
	o1 := op(c1, c1.Ticks(), model.ReifiedTriple{TIDs: []clock.TID{c1.Hash()}, Triple: model.Triple{Subject: "fred", Predicate: "#name", Object: `"Fred"`}})
	gwc1 := clock.NewGWC().Merge(c1)
	if _, _, err := j.CommitEntry(o1, model.JournalState{Time: c1, GWC: gwc1}); err != nil {
		t.Fatalf("first commit failed: %v", err)
	}

	c2 := c1.Ticked()
	o2 := op(c2, c2.Ticks(), model.ReifiedTriple{TIDs: []clock.TID{c2.Hash()}, Triple: model.Triple{Subject: "wilma", Predicate: "#name", Object: `"Wilma"`}})
	gwc2 := gwc1.Merge(c2)
	entry, committed, err := j.CommitEntry(o2, model.JournalState{Time: c2, GWC: gwc2})
	if err != nil {
		t.Fatalf("second commit failed: %v", err)
	}
	if !committed {
		t.Fatalf("expected fused entry to be committed")
	}

	fused, err := j.Operation(entry.TID)
	if err != nil {
		t.Fatalf("fused operation lookup failed: %v", err)
	}
	if fused.From != c1.Ticks() {
		t.Fatalf("fused operation should start at %d, found %d", c1.Ticks(), fused.From)
	}
	if len(fused.Inserts) != 2 {
		t.Fatalf("fused operation should carry both inserts, found %d", len(fused.Inserts))
	}
	if entry.Prev.TID != model.GenesisTID {
		t.Fatalf("fused entry should still point at genesis (the pre-fusion prev), found %v", entry.Prev)
	}

	if _, err := j.store.Get(model.TickKey(c1.Ticks())); err != storage.ErrNotFound {
		t.Fatalf("expected the pre-fusion tick entry to be removed")
	}
}

func TestEntryAfter(t *testing.T) {
	j := newTestJournal(t)
	c1 := clock.Genesis().Ticked()
	c2 := c1.Ticked().Ticked() // skip a tick to avoid fusion for this test
	o1 := op(c1, c1.Ticks())
	o1.Inserts = []model.ReifiedTriple{{TIDs: []clock.TID{c1.Hash()}, Triple: model.Triple{Subject: "a", Predicate: "p", Object: "o"}}}
	if _, _, err := j.CommitEntry(o1, model.JournalState{Time: c1, GWC: clock.NewGWC().Merge(c1)}); err != nil {
		t.Fatalf("commit 1 failed: %v", err)
	}

	o2 := model.Operation{Version: model.ProtocolVersion, From: c2.Ticks(), Time: c2, Inserts: []model.ReifiedTriple{{TIDs: []clock.TID{c2.Hash()}, Triple: model.Triple{Subject: "b", Predicate: "p", Object: "o"}}}}
	if _, _, err := j.CommitEntry(o2, model.JournalState{Time: c2, GWC: clock.NewGWC().Merge(c1).Merge(c2)}); err != nil {
		t.Fatalf("commit 2 failed: %v", err)
	}

	entry, ok, err := j.EntryAfter(0)
	if err != nil || !ok {
		t.Fatalf("expected an entry after tick 0, ok=%v err=%v", ok, err)
	}
	if entry.Tick != c1.Ticks() {
		t.Fatalf("expected first entry at tick %d, found %d", c1.Ticks(), entry.Tick)
	}

	next, ok, err := j.EntryAfter(entry.Tick)
	if err != nil || !ok {
		t.Fatalf("expected a second entry, ok=%v err=%v", ok, err)
	}
	if next.Tick != c2.Ticks() {
		t.Fatalf("expected second entry at tick %d, found %d", c2.Ticks(), next.Tick)
	}

	_, ok, err = j.EntryAfter(next.Tick)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected no entry after the tail")
	}
}
