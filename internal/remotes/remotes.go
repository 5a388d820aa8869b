// Package remotes defines the abstract pub/sub contract the clone
// engine consumes: presence, publish, and request/reply against the
// domain's other clones, plus the PubsubRemotes base that concrete
// transports (mqtt, inmem) plug into.
package remotes

import (
	"context"

	"github.com/jabolina/meldcore/internal/clock"
	"github.com/jabolina/meldcore/internal/model"
)

// LiveState is the tri-state presence signal remotes report: unknown
// (e.g. disconnected), live, or known not-live.
type LiveState int

const (
	LiveUnknown LiveState = iota
	Live
	NotLive
)

// OperationMessage is one operation published on the domain's updates
// channel, tagged with the publishing clone's identity.
type OperationMessage struct {
	From string
	Op   model.Operation
}

// SnapshotBatch is one chunk of a snapshot's data stream: either a batch
// of reified triples or the tail operations needed to seed a revving-up
// peer's operation index.
type SnapshotBatch struct {
	Triples []model.ReifiedTriple
	LastOps []model.Operation
}

// Snapshot is the response to a snapshot request: the producer's clock
// and GWC at the moment the read transaction opened, plus a channel of
// batches terminated by close.
type Snapshot struct {
	Time    clock.Clock
	GWC     clock.GWC
	Batches <-chan SnapshotBatch
}

// Recovery is the response to a successful revupFrom request: a channel
// of journal operations the requester is missing, terminated by close,
// with any stream error delivered on Err before it closes.
type Recovery struct {
	Entries <-chan model.Operation
	Err     <-chan error
}

// Publisher is the minimal surface remotes needs from the local clone to
// attach/detach for outbound publication and to answer peer requests.
// The engine package's Clone satisfies this.
type Publisher interface {
	// ID is the local clone's identity, attached to every operation this
	// clone publishes.
	ID() string

	// IsGenesis reports whether this clone bootstrapped its domain,
	// published alongside presence so peers can enforce the non-genesis
	// protection rule.
	IsGenesis() bool

	// NewClock services a newClock request from a peer with a forked
	// clock value.
	NewClock() clock.Clock

	// TakeSnapshot services a snapshot request from a peer.
	TakeSnapshot() Snapshot

	// RevupFrom services a revupFrom request from a peer, or reports
	// incapability with ok=false (the peer must fall back to snapshot).
	RevupFrom(t clock.Clock) (Recovery, bool)
}

// Remotes is the contract the clone engine consumes to participate in
// a domain shared with other clones.
type Remotes interface {
	// Updates is the hot stream of operations from every other clone on
	// the domain.
	Updates() <-chan OperationMessage

	// LiveState is the current aggregate presence of the domain's other
	// clones.
	LiveState() LiveState

	// LiveChanges streams LiveState transitions.
	LiveChanges() <-chan LiveState

	// LivePeers reports every peer currently known to be live, mapped to
	// whether it identifies itself as a genesis clone.
	LivePeers() map[string]bool

	// SetLocal attaches the local clone for outbound publication and
	// request servicing. Passing nil detaches it.
	SetLocal(p Publisher)

	// Publish emits op to the domain's updates channel, tagged with the
	// attached local clone's identity.
	Publish(ctx context.Context, op model.Operation) error

	// NewClock requests a forked clock from any live peer.
	NewClock(ctx context.Context) (clock.Clock, error)

	// TakeSnapshot requests a snapshot from any live peer.
	TakeSnapshot(ctx context.Context) (Snapshot, error)

	// RevupFrom asks a peer whether it can recover the caller from t to
	// now. ok is false if no live peer can.
	RevupFrom(ctx context.Context, t clock.Clock) (Recovery, bool, error)

	// Close releases the underlying transport.
	Close() error
}
