package journal

import (
	"github.com/jabolina/meldcore/internal/clock"
	"github.com/jabolina/meldcore/internal/model"
	"github.com/jabolina/meldcore/internal/storage"
)

// CommitEntry appends op to the journal, fusing it into the preceding
// entry from the same source when they are contiguous, and advances the
// journal's cached (tailTick, time, gwc) state. newTime is the engine's
// joined (clock, gwc) state to commit alongside the entry.
//
// An empty operation produces no entry and is not persisted, per the
// no-op boundary behaviour.
func (j *Journal) CommitEntry(op model.Operation, newTime model.JournalState) (model.JournalEntry, bool, error) {
	if op.IsEmpty() {
		return model.JournalEntry{}, false, nil
	}

	j.body.Lock()
	defer j.body.Unlock()

	sourceKey := pathKey(op.Time.IDPath())
	tail, hasTail := j.state.Tails[sourceKey]

	finalOp := op
	prevPointer := model.EntryPrev{Tick: 0, TID: model.GenesisTID}
	var toDelete string

	if hasTail {
		prevPointer = model.EntryPrev{Tick: tail.Tick, TID: tail.TID}
		if canFuse(tail, op) {
			prevOp, err := getOperation(j.store, tail.TID)
			if err != nil {
				return model.JournalEntry{}, false, err
			}
			finalOp = fuse(tail.From, prevOp, op)
			prevPointer = tail.Prev
			toDelete = model.TickKey(tail.Tick)
		}
	}

	entry := model.JournalEntry{
		Key:  model.TickKey(finalOp.Time.Ticks()),
		Tick: finalOp.Time.Ticks(),
		Prev: prevPointer,
		TID:  finalOp.TID(),
	}

	if err := j.store.Batch(func(tx storage.Storage) error {
		if toDelete != "" && toDelete != entry.Key {
			if err := tx.Delete(toDelete); err != nil {
				return err
			}
		}
		if err := putOperation(tx, finalOp); err != nil {
			return err
		}
		return putEntry(tx, entry)
	}); err != nil {
		return model.JournalEntry{}, false, err
	}

	j.state.Tails[sourceKey] = sourceTail{
		Tick: finalOp.Time.Ticks(),
		TID:  finalOp.TID(),
		From: finalOp.From,
		Prev: prevPointer,
	}
	j.state.TailTick = finalOp.Time.Ticks()
	j.state.Time = newTime.Time
	j.state.GWC = newTime.GWC
	if err := j.persistState(); err != nil {
		return model.JournalEntry{}, false, err
	}

	return entry, true, nil
}

// canFuse reports whether op is the causal successor, from the same
// source, of the entry described by tail: contiguous ticks, no
// intervening fork (guaranteed by matching sourceKey, since a fork
// changes the id path).
func canFuse(tail sourceTail, op model.Operation) bool {
	return op.From == tail.Tick+1
}

// fuse combines prevOp (covering [prevFrom..tail.Tick]) and op (covering
// a contiguous range starting at tail.Tick+1) into one operation
// covering their union, preserving every constituent TID on the combined
// deletes/inserts.
func fuse(prevFrom int64, prevOp, op model.Operation) model.Operation {
	return model.Operation{
		Version: model.ProtocolVersion,
		From:    prevFrom,
		Time:    op.Time,
		Deletes: mergeReified(prevOp.Deletes, op.Deletes),
		Inserts: mergeReified(prevOp.Inserts, op.Inserts),
	}
}

// mergeReified unions two reified-triple lists, consolidating TIDs onto
// a single entry per distinct triple so fusion preserves the full
// multiset of (triple, tid) assertions it covers.
func mergeReified(a, b []model.ReifiedTriple) []model.ReifiedTriple {
	index := make(map[model.Triple]int)
	var out []model.ReifiedTriple
	add := func(r model.ReifiedTriple) {
		if i, ok := index[r.Triple]; ok {
			out[i].TIDs = append(out[i].TIDs, r.TIDs...)
			return
		}
		index[r.Triple] = len(out)
		copied := append([]clock.TID(nil), r.TIDs...)
		out = append(out, model.ReifiedTriple{Triple: r.Triple, TIDs: copied})
	}
	for _, r := range a {
		add(r)
	}
	for _, r := range b {
		add(r)
	}
	return out
}
