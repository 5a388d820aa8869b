package journal

import (
	"encoding/json"
	"fmt"

	"github.com/jabolina/meldcore/internal/clock"
	"github.com/jabolina/meldcore/internal/merr"
	"github.com/jabolina/meldcore/internal/model"
	"github.com/jabolina/meldcore/internal/storage"
)

// Operation fetches the operation stored under tid.
func (j *Journal) Operation(tid clock.TID) (model.Operation, error) {
	return getOperation(j.store, tid)
}

// EntryAfter returns the next journal entry strictly after the given
// tick, the iteration primitive rev-up walks forward with. ok is false
// once there is no further entry.
func (j *Journal) EntryAfter(tick int64) (entry model.JournalEntry, ok bool, err error) {
	after := model.TickKey(tick)
	found := false
	err = j.store.ScanPrefix("tick:", func(key string, value []byte) bool {
		if key <= after {
			return true
		}
		if !found {
			e, perr := decodeEntryValue(key, value)
			if perr != nil {
				err = perr
				return false
			}
			entry = e
			found = true
		}
		return false
	})
	return entry, found, err
}

func decodeEntryValue(key string, data []byte) (model.JournalEntry, error) {
	var w wireEntry
	if err := json.Unmarshal(data, &w); err != nil {
		return model.JournalEntry{}, fmt.Errorf("journal: %w: %v", merr.ErrCorruption, err)
	}
	return model.JournalEntry{
		Key:  key,
		Tick: w.Tick,
		Prev: model.EntryPrev{Tick: w.PrevTick, TID: w.PrevTID},
		TID:  w.TID,
	}, nil
}

// EntryPrev returns the (prevTick, prevTid) recorded on the entry for
// tid.
func (j *Journal) EntryPrev(tid clock.TID) (model.EntryPrev, error) {
	op, err := getOperation(j.store, tid)
	if err != nil {
		return model.EntryPrev{}, err
	}
	entry, err := getEntry(j.store, model.TickKey(op.Time.Ticks()))
	if err != nil {
		return model.EntryPrev{}, err
	}
	return entry.Prev, nil
}

// CausalReduce walks backward along prev links while contiguous with op,
// stopping when the tick drops below minFrom or a fork boundary is
// crossed (different source), folding the walked operations forward into
// one fused result. It holds the journal-body lock for the walk. No
// caller in this module uses it: rev-up streams journal entries one by
// one.
func (j *Journal) CausalReduce(op model.Operation, minFrom int64) (model.Operation, error) {
	j.body.Lock()
	defer j.body.Unlock()
	sourceKey := pathKey(op.Time.IDPath())
	result := op
	entry, err := getEntry(j.store, model.TickKey(op.Time.Ticks()))
	if err != nil {
		return model.Operation{}, err
	}

	for entry.Prev.TID != model.GenesisTID && result.From > minFrom {
		prevOp, err := getOperation(j.store, entry.Prev.TID)
		if err != nil {
			return model.Operation{}, err
		}
		if pathKey(prevOp.Time.IDPath()) != sourceKey {
			break
		}
		if prevOp.Time.Ticks() != entry.Prev.Tick {
			break
		}
		if prevOp.Time.Ticks()+1 != result.From {
			break
		}
		result = fuse(prevOp.From, prevOp, result)
		entry, err = getEntry(j.store, model.TickKey(prevOp.Time.Ticks()))
		if err != nil {
			return model.Operation{}, err
		}
	}
	return result, nil
}

// Disposable reports whether the operation tid has no journal entry and
// is not present in the current GWC, making it safe to garbage collect.
func (j *Journal) Disposable(tid clock.TID, t clock.Clock) bool {
	if _, err := j.store.Get(model.OperationKey(tid)); err == storage.ErrNotFound {
		return false
	}
	if _, err := getEntry(j.store, model.TickKey(t.Ticks())); err == nil {
		return false
	}
	return !j.state.GWC.Dominates(t)
}

// GC removes any operation that has become disposable per Disposable.
// Callers supply the candidate TID/time pairs (typically gathered while
// walking dataset TID indexes); GC itself holds the journal-body lock for
// the duration of the sweep.
func (j *Journal) GC(candidates map[clock.TID]clock.Clock) error {
	j.body.Lock()
	defer j.body.Unlock()
	for tid, t := range candidates {
		if j.Disposable(tid, t) {
			if err := j.store.Delete(model.OperationKey(tid)); err != nil {
				return err
			}
		}
	}
	return nil
}
