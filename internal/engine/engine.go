// Package engine drives one clone's lifecycle: uninitialised through
// initialising, an optional revving-up catch-up against a live peer,
// steady-state live operation, and closing. It wires the journal,
// dataset, causal message service and remotes binding together behind
// a single Clone type that also answers peer requests as a
// remotes.Publisher.
package engine

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/jabolina/meldcore/internal/clock"
	"github.com/jabolina/meldcore/internal/config"
	"github.com/jabolina/meldcore/internal/constraint"
	"github.com/jabolina/meldcore/internal/dataset"
	"github.com/jabolina/meldcore/internal/journal"
	"github.com/jabolina/meldcore/internal/logging"
	"github.com/jabolina/meldcore/internal/merr"
	"github.com/jabolina/meldcore/internal/message"
	"github.com/jabolina/meldcore/internal/model"
	"github.com/jabolina/meldcore/internal/remotes"
	"github.com/jabolina/meldcore/internal/storage"
)

const genesisMarkerKey = "engine:genesis"

const ownerMarkerKey = "engine:owner"

const maxRevupAttempts = 3

// State is one phase of a clone's lifecycle.
type State int

const (
	Uninitialised State = iota
	Initialising
	RevvingUp
	Live
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Uninitialised:
		return "uninitialised"
	case Initialising:
		return "initialising"
	case RevvingUp:
		return "revving-up"
	case Live:
		return "live"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Status is the clone's externally observable health.
type Status struct {
	// Online is true once the clone has completed initialisation.
	Online bool
	// Outdated is true while the clone's graph may be missing
	// operations a live peer already has (set during revving-up, and
	// left set if rev-up gave up and the clone went live anyway).
	Outdated bool
	// Silo is true while no peer is live, so outbound writes are
	// buffered locally instead of being published.
	Silo bool
	// Ticks is this clone's own clock's tick count.
	Ticks int64
}

// Clone is one participant in a domain: the durable journal and live
// dataset it owns, the causal message service ordering inbound
// operations, and the remotes binding connecting it to its peers.
type Clone struct {
	cfg     config.Clone
	store   storage.Storage
	journal *journal.Journal
	dataset *dataset.Dataset
	msgSvc  *message.Service
	buffer  *message.Buffer
	remotes remotes.Remotes
	log     logging.Logger

	owner string

	mu     sync.Mutex
	state  State
	status Status
	outbox []model.Operation

	cancel context.CancelFunc
	done   chan struct{}
}

// Open loads a clone's durable state and wires its dataset and message
// service, but does not yet initialise or start it; call Start for
// that.
func Open(cfg config.Clone, store storage.Storage, rs remotes.Remotes, constraints []constraint.Constraint, log logging.Logger) (*Clone, error) {
	cfg, err := cfg.Validate()
	if err != nil {
		return nil, err
	}
	jrnl, err := journal.Open(store, log)
	if err != nil {
		return nil, err
	}
	ds := dataset.Open(store, jrnl, log, dataset.Options{
		Constraints:      constraints,
		MaxOperationSize: cfg.MaxOperationSize,
	})
	return &Clone{
		cfg:     cfg,
		store:   store,
		journal: jrnl,
		dataset: ds,
		msgSvc:  message.New(jrnl.State().Time, log),
		buffer:  message.NewBuffer(),
		remotes: rs,
		log:     log,
		state:   Uninitialised,
		owner:   uuid.NewString(),
	}, nil
}

// ID implements remotes.Publisher.
func (c *Clone) ID() string { return c.cfg.ID }

// IsGenesis implements remotes.Publisher.
func (c *Clone) IsGenesis() bool { return c.cfg.Genesis }

// NewClock implements remotes.Publisher: it forks this clone's own
// clock, keeps the left half as its own new identity, and hands the
// right half to the joining peer.
func (c *Clone) NewClock() clock.Clock {
	right, err := c.dataset.Fork()
	if err != nil {
		c.log.Errorf("engine: forking clock for a joining peer: %v", err)
		return clock.Clock{}
	}
	c.msgSvc.Seed(c.dataset.Time())
	return right
}

// TakeSnapshot implements remotes.Publisher.
func (c *Clone) TakeSnapshot() remotes.Snapshot {
	t, gwc, triples := c.dataset.Snapshot()
	const chunkSize = 256
	batches := make(chan remotes.SnapshotBatch, 1)
	go func() {
		defer close(batches)
		for i := 0; i < len(triples); i += chunkSize {
			end := i + chunkSize
			if end > len(triples) {
				end = len(triples)
			}
			batches <- remotes.SnapshotBatch{Triples: triples[i:end]}
		}
	}()
	return remotes.Snapshot{Time: t, GWC: gwc, Batches: batches}
}

// RevupFrom implements remotes.Publisher: it streams every journal
// entry that contributes information the requester's clock t does not
// already reflect.
func (c *Clone) RevupFrom(t clock.Clock) (remotes.Recovery, bool) {
	if c.journal.State().TailTick == 0 {
		return remotes.Recovery{}, false
	}

	entries := make(chan model.Operation, 8)
	errs := make(chan error, 1)
	go func() {
		defer close(entries)
		var tick int64
		for {
			entry, ok, err := c.journal.EntryAfter(tick)
			if err != nil {
				select {
				case errs <- err:
				default:
				}
				return
			}
			if !ok {
				return
			}
			tick = entry.Tick

			op, err := c.journal.Operation(entry.TID)
			if err != nil {
				select {
				case errs <- err:
				default:
				}
				return
			}
			if t.Update(op.Time).Equal(t) {
				continue
			}
			entries <- op
		}
	}()
	return remotes.Recovery{Entries: entries, Err: errs}, true
}

// Start initialises the clone (bootstrapping, joining or revving-up as
// appropriate) and, once live, begins servicing inbound updates and
// presence changes in the background. It returns once initialisation
// completes or fails.
func (c *Clone) Start(ctx context.Context) error {
	if err := c.acquireOwnership(); err != nil {
		return err
	}
	if err := c.checkGenesisMarker(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	if err := c.initialise(runCtx); err != nil {
		cancel()
		return err
	}

	c.remotes.SetLocal(c)
	go c.run(runCtx)
	return nil
}

// acquireOwnership asserts exclusive ownership of the store via a
// stored marker, rejecting with ErrDatasetInUse if another clone
// already holds it. The marker is released in Close, so it only
// guards against two engines running concurrently over the same
// store, not a crash that skipped Close.
func (c *Clone) acquireOwnership() error {
	data, err := c.store.Get(ownerMarkerKey)
	if err != nil && err != storage.ErrNotFound {
		return err
	}
	if err == nil && string(data) != c.owner {
		return fmt.Errorf("engine: dataset already owned by another clone: %w", merr.ErrDatasetInUse)
	}
	return c.store.Put(ownerMarkerKey, []byte(c.owner))
}

func (c *Clone) releaseOwnership() {
	data, err := c.store.Get(ownerMarkerKey)
	if err != nil {
		return
	}
	if string(data) == c.owner {
		_ = c.store.Delete(ownerMarkerKey)
	}
}

func (c *Clone) checkGenesisMarker() error {
	data, err := c.store.Get(genesisMarkerKey)
	if err == storage.ErrNotFound {
		return c.store.Put(genesisMarkerKey, []byte(strconv.FormatBool(c.cfg.Genesis)))
	}
	if err != nil {
		return err
	}
	was := string(data) == "true"
	if was && !c.cfg.Genesis {
		return fmt.Errorf("engine: domain was bootstrapped by a genesis clone: %w", merr.ErrIsGenesis)
	}
	if !was && c.cfg.Genesis {
		return fmt.Errorf("engine: domain already exists without a genesis clone: %w", merr.ErrNotGenesis)
	}
	return nil
}

func (c *Clone) initialise(ctx context.Context) error {
	c.setState(Initialising)

	state := c.journal.State()
	empty := state.Time.Equal(clock.Genesis()) && state.TailTick == 0

	if empty {
		if c.cfg.Genesis {
			return c.bootstrapGenesis()
		}
		return c.joinDomain(ctx)
	}
	return c.resumeDomain(ctx)
}

func (c *Clone) bootstrapGenesis() error {
	for id, genesis := range c.remotes.LivePeers() {
		if genesis {
			return fmt.Errorf("engine: peer %s already bootstrapped this domain: %w", id, merr.ErrIsGenesis)
		}
	}
	c.mu.Lock()
	c.state = Live
	c.status = Status{Online: true, Silo: true}
	c.mu.Unlock()
	c.log.Info("engine: bootstrapped as the genesis clone")
	return nil
}

func (c *Clone) joinDomain(ctx context.Context) error {
	if err := c.waitLive(ctx); err != nil {
		return err
	}

	newClock, err := c.remotes.NewClock(ctx)
	if err != nil {
		return err
	}
	snap, err := c.remotes.TakeSnapshot(ctx)
	if err != nil {
		return err
	}

	var triples []model.ReifiedTriple
	for batch := range snap.Batches {
		triples = append(triples, batch.Triples...)
	}

	joined := newClock.Update(snap.Time)
	if err := c.dataset.ApplySnapshot(joined, snap.GWC, triples); err != nil {
		return err
	}
	c.msgSvc.Seed(joined)

	c.mu.Lock()
	c.state = Live
	c.status = Status{Online: true}
	c.mu.Unlock()
	c.log.Info("engine: joined domain from a peer's snapshot")
	return nil
}

func (c *Clone) resumeDomain(ctx context.Context) error {
	c.setState(RevvingUp)
	c.mu.Lock()
	c.status.Outdated = true
	c.mu.Unlock()

	if err := c.waitLive(ctx); err != nil {
		return c.goLiveOutdated()
	}

	var lastErr error
	for attempt := 0; attempt < maxRevupAttempts; attempt++ {
		recovery, ok, err := c.remotes.RevupFrom(ctx, c.dataset.Time())
		if err != nil {
			lastErr = err
			continue
		}
		if !ok {
			lastErr = merr.ErrNoPeer
			continue
		}
		if err := c.drainRecovery(recovery); err != nil {
			lastErr = err
			continue
		}
		c.mu.Lock()
		c.state = Live
		c.status = Status{Online: true}
		c.mu.Unlock()
		c.log.Info("engine: caught up via rev-up")
		return nil
	}

	c.log.Warnf("engine: rev-up did not complete after %d attempts, going live outdated: %v", maxRevupAttempts, lastErr)
	return c.goLiveOutdated()
}

func (c *Clone) goLiveOutdated() error {
	c.mu.Lock()
	c.state = Live
	c.status = Status{Online: true, Silo: true, Outdated: true}
	c.mu.Unlock()
	return nil
}

func (c *Clone) drainRecovery(recovery remotes.Recovery) error {
	for op := range recovery.Entries {
		if _, err := c.dataset.Apply(op); err != nil {
			return err
		}
	}
	select {
	case err := <-recovery.Err:
		if err != nil {
			return err
		}
	default:
	}
	c.msgSvc.Seed(c.dataset.Time())
	return nil
}

func (c *Clone) waitLive(ctx context.Context) error {
	if c.remotes.LiveState() == remotes.Live {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case state := <-c.remotes.LiveChanges():
			if state == remotes.Live {
				return nil
			}
		}
	}
}

func (c *Clone) run(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.remotes.Updates():
			if !ok {
				return
			}
			c.onRemoteOperation(ctx, msg.Op)
		case state, ok := <-c.remotes.LiveChanges():
			if !ok {
				return
			}
			c.onLiveChange(state)
		}
	}
}

func (c *Clone) onRemoteOperation(ctx context.Context, op model.Operation) {
	c.msgSvc.Receive(op, c.buffer, func(ready model.Operation) {
		extra, err := c.dataset.Apply(ready)
		if err != nil {
			c.log.Errorf("engine: applying remote operation: %v", err)
			return
		}
		c.msgSvc.Seed(c.dataset.Time())
		for _, e := range extra {
			c.publish(ctx, e)
		}
	})
}

func (c *Clone) onLiveChange(state remotes.LiveState) {
	c.mu.Lock()
	wasSilo := c.status.Silo
	c.status.Silo = state != remotes.Live
	var pending []model.Operation
	if wasSilo && state == remotes.Live && len(c.outbox) > 0 {
		pending, c.outbox = c.outbox, nil
	}
	c.mu.Unlock()
	for _, op := range pending {
		c.publish(context.Background(), op)
	}
}

func (c *Clone) publish(ctx context.Context, op model.Operation) {
	if op.IsEmpty() {
		return
	}
	c.mu.Lock()
	silo := c.status.Silo
	c.mu.Unlock()
	if silo {
		c.mu.Lock()
		c.outbox = append(c.outbox, op)
		c.mu.Unlock()
		return
	}
	if err := c.remotes.Publish(ctx, op); err != nil {
		c.log.Warnf("engine: publish failed, buffering for later: %v", err)
		c.mu.Lock()
		c.outbox = append(c.outbox, op)
		c.mu.Unlock()
	}
}

// Write performs a local write transaction and publishes the resulting
// operation to the domain, or buffers it if currently silo.
func (c *Clone) Write(ctx context.Context, patch model.Patch) (model.Operation, error) {
	if !c.isUsable() {
		return model.Operation{}, merr.ErrClosed
	}
	op, err := c.dataset.Write(patch)
	if err != nil {
		return model.Operation{}, err
	}
	if !op.IsEmpty() {
		c.msgSvc.Seed(c.dataset.Time())
		c.publish(ctx, op)
	}
	return op, nil
}

// Describe returns every live triple for subject.
func (c *Clone) Describe(subject string) ([]model.Triple, error) {
	if !c.isUsable() {
		return nil, merr.ErrClosed
	}
	return c.dataset.Describe(subject), nil
}

// DescribeGraph resolves subject into its full cyclic-safe subject
// graph, following reference-valued properties transitively.
func (c *Clone) DescribeGraph(subject string) ([]*model.Subject, error) {
	if !c.isUsable() {
		return nil, merr.ErrClosed
	}
	return c.dataset.DescribeGraph(subject), nil
}

// State reports the clone's current lifecycle phase.
func (c *Clone) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status reports the clone's current health. Ticks always reflects the
// dataset's current clock, independent of when the rest of the status
// fields were last set.
func (c *Clone) Status() Status {
	c.mu.Lock()
	status := c.status
	c.mu.Unlock()
	status.Ticks = c.dataset.Time().Ticks()
	return status
}

func (c *Clone) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Clone) isUsable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state != Closed && c.state != Closing && c.state != Uninitialised
}

// Close stops the background loop, detaches from remotes, and closes
// the underlying transport.
func (c *Clone) Close() error {
	c.mu.Lock()
	if c.state == Closed || c.state == Closing {
		c.mu.Unlock()
		return nil
	}
	c.state = Closing
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	c.remotes.SetLocal(nil)
	err := c.remotes.Close()
	c.releaseOwnership()

	c.mu.Lock()
	c.state = Closed
	c.status = Status{}
	c.mu.Unlock()
	return err
}
