package model

import (
	"fmt"

	"github.com/jabolina/meldcore/internal/clock"
)

// TickKey renders a tick as a lexically-sortable base-36 key padded to 8
// digits.
func TickKey(tick int64) string {
	digits := toBase36(tick)
	for len(digits) < 8 {
		digits = "0" + digits
	}
	return fmt.Sprintf("tick:%s", digits)
}

const base36Digits = "0123456789abcdefghijklmnopqrstuvwxyz"

func toBase36(n int64) string {
	if n == 0 {
		return "0"
	}
	var buf []byte
	for n > 0 {
		buf = append([]byte{base36Digits[n%36]}, buf...)
		n /= 36
	}
	return string(buf)
}

// OperationKey renders the storage key for an operation by TID.
func OperationKey(tid clock.TID) string {
	return "op:" + string(tid)
}

// TIDIndexKey renders the storage key for the TID-index entry of one
// triple.
func TIDIndexKey(tid clock.TID, tripleHash string) string {
	return fmt.Sprintf("tid:%s:%s", tid, tripleHash)
}

// EntryPrev points to the entry preceding this one in the owning
// process's history.
type EntryPrev struct {
	Tick int64
	TID  clock.TID
}

// JournalEntry is (key, prev, tid): key = TickKey(time.Ticks()), prev
// points at the preceding entry for the same source, tid references the
// stored operation.
type JournalEntry struct {
	Key  string
	Tick int64
	Prev EntryPrev
	TID  clock.TID
}

// JournalState is (tailTick, time, gwc): the greatest tick with an
// entry, the engine's current clock, and the current GWC.
type JournalState struct {
	TailTick int64
	Time     clock.Clock
	GWC      clock.GWC
}

// GenesisTID is the sentinel prev-tid for the very first journal entry
// of a domain (e.prev is either this or an existing
// entry's tid).
const GenesisTID clock.TID = "genesis"
