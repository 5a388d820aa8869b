// Package journal implements the durable, append-mostly operation log:
// commit, causal fusion of contiguous single-source operations, lookup
// by tick/TID, causal reduction for rev-up, and garbage collection.
package journal

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/jabolina/meldcore/internal/clock"
	"github.com/jabolina/meldcore/internal/encoding"
	"github.com/jabolina/meldcore/internal/logging"
	"github.com/jabolina/meldcore/internal/merr"
	"github.com/jabolina/meldcore/internal/model"
	"github.com/jabolina/meldcore/internal/storage"
)

const stateKey = "journal"

// Journal is the durable operation log for one clone.
type Journal struct {
	// body serialises every history-spanning operation: splice
	// (fusion), causal reduce, and dispose-if-unreferenced GC. Tail
	// appends that don't fuse only need the storage batch's own
	// atomicity, but taking the lock unconditionally keeps the
	// implementation simple and is cheap relative to the storage round
	// trip it wraps.
	body sync.Mutex

	store storage.Storage
	log   logging.Logger

	state JournalState
}

// JournalState mirrors model.JournalState plus the per-source tail
// bookkeeping fusion needs, which isn't part of the spec's public
// (tailTick, time, gwc) triple but must still be durable.
type JournalState struct {
	TailTick int64
	Time     clock.Clock
	GWC      clock.GWC
	// Tails maps a source's id-path (as a string key) to the metadata of
	// its most recently committed entry, for contiguity checks and prev
	// chaining.
	Tails map[string]sourceTail
}

type sourceTail struct {
	Tick int64        `json:"tick"`
	TID  clock.TID    `json:"tid"`
	From int64        `json:"from"`
	Prev model.EntryPrev `json:"prev"`
}

type persistedState struct {
	TailTick int64                 `json:"tailTick"`
	Time     json.RawMessage       `json:"time"`
	GWC      json.RawMessage       `json:"gwc"`
	Tails    map[string]sourceTail `json:"tails"`
}

// Open loads journal state from store, or initialises a fresh genesis
// state if none is present.
func Open(store storage.Storage, log logging.Logger) (*Journal, error) {
	j := &Journal{store: store, log: log}
	raw, err := store.Get(stateKey)
	if err == storage.ErrNotFound {
		j.state = JournalState{
			TailTick: 0,
			Time:     clock.Genesis(),
			GWC:      clock.NewGWC(),
			Tails:    map[string]sourceTail{},
		}
		return j, j.persistState()
	}
	if err != nil {
		return nil, err
	}
	var p persistedState
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("journal: %w: %v", merr.ErrCorruption, err)
	}
	t, err := clock.FromJSON(p.Time)
	if err != nil {
		return nil, err
	}
	gwc, err := clock.GWCFromJSON(p.GWC)
	if err != nil {
		return nil, err
	}
	if p.Tails == nil {
		p.Tails = map[string]sourceTail{}
	}
	j.state = JournalState{TailTick: p.TailTick, Time: t, GWC: gwc, Tails: p.Tails}
	return j, nil
}

func (j *Journal) persistState() error {
	timeJSON, err := j.state.Time.ToJSON()
	if err != nil {
		return err
	}
	gwcJSON, err := j.state.GWC.ToJSON()
	if err != nil {
		return err
	}
	p := persistedState{
		TailTick: j.state.TailTick,
		Time:     timeJSON,
		GWC:      gwcJSON,
		Tails:    j.state.Tails,
	}
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return j.store.Put(stateKey, data)
}

// State returns a snapshot of the public (tailTick, time, gwc) triple.
func (j *Journal) State() model.JournalState {
	j.body.Lock()
	defer j.body.Unlock()
	return model.JournalState{TailTick: j.state.TailTick, Time: j.state.Time, GWC: j.state.GWC}
}

// Seed overwrites the journal's (time, gwc) baseline wholesale without
// committing an entry. Used when a clone adopts a peer's snapshot
// instead of building its own history via CommitEntry, and when a fork
// replaces the clone's clock with the half it retains.
func (j *Journal) Seed(t clock.Clock, gwc clock.GWC) error {
	j.body.Lock()
	defer j.body.Unlock()
	j.state.Time = t
	j.state.GWC = gwc
	return j.persistState()
}

func pathKey(path []bool) string {
	var b strings.Builder
	for _, left := range path {
		if left {
			b.WriteByte('0')
		} else {
			b.WriteByte('1')
		}
	}
	return b.String()
}

func putOperation(s storage.Storage, op model.Operation) error {
	data, err := encoding.EncodeOperation(op)
	if err != nil {
		return err
	}
	return s.Put(model.OperationKey(op.TID()), data)
}

func getOperation(s storage.Storage, tid clock.TID) (model.Operation, error) {
	data, err := s.Get(model.OperationKey(tid))
	if err == storage.ErrNotFound {
		return model.Operation{}, fmt.Errorf("journal: operation %s: %w", tid, merr.ErrCorruption)
	}
	if err != nil {
		return model.Operation{}, err
	}
	return encoding.DecodeOperation(data)
}

func putEntry(s storage.Storage, e model.JournalEntry) error {
	data, err := json.Marshal(wireEntry{Tick: e.Tick, PrevTick: e.Prev.Tick, PrevTID: e.Prev.TID, TID: e.TID})
	if err != nil {
		return err
	}
	return s.Put(e.Key, data)
}

func getEntry(s storage.Storage, key string) (model.JournalEntry, error) {
	data, err := s.Get(key)
	if err != nil {
		return model.JournalEntry{}, err
	}
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

type wireEntry struct {
	Tick     int64     `json:"tick"`
	PrevTick int64     `json:"prevTick"`
	PrevTID  clock.TID `json:"prevTid"`
	TID      clock.TID `json:"tid"`
}
