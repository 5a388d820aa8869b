package clock

import (
	"crypto/sha1"
	"encoding/hex"
)

// TID is a transaction identifier: the hash of a tree clock value at the
// moment of a transaction. The algorithm is pinned to SHA-1, so no
// third-party hash implementation is pulled in for this.
type TID string

// TIDLength is the number of hex characters retained from the SHA-1
// digest. 16 hex chars (8 bytes) is ample collision resistance for a
// domain's operation history while keeping TIDs compact on the wire.
const TIDLength = 16

// Hash returns the TID for this clock value: a content-hash of its
// canonical JSON form, so hash is purely a function of value, never of
// identity beyond what's encoded in the tree itself.
func (c Clock) Hash() TID {
	data, err := c.ToJSON()
	if err != nil {
		// ToJSON only fails on malformed trees, which Clock's own API
		// cannot construct.
		panic("clock: unable to canonicalise for hashing: " + err.Error())
	}
	sum := sha1.Sum(data)
	return TID(hex.EncodeToString(sum[:])[:TIDLength])
}
