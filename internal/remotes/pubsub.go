package remotes

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jabolina/meldcore/internal/clock"
	"github.com/jabolina/meldcore/internal/encoding"
	"github.com/jabolina/meldcore/internal/logging"
	"github.com/jabolina/meldcore/internal/merr"
	"github.com/jabolina/meldcore/internal/model"
)

// presencePayload is published whenever a clone attaches or detaches
// from the domain, carrying enough identity to let peers enforce the
// non-genesis protection rule.
type presencePayload struct {
	ID      string `json:"id"`
	Genesis bool   `json:"genesis"`
	Leaving bool   `json:"leaving,omitempty"`
}

// Transport is the message-framing primitive a concrete backend (mqtt,
// inmem) supplies. PubsubRemotes builds presence aggregation,
// request/reply correlation and timeouts on top of it, so a new backend
// only has to implement this.
type Transport interface {
	Publish(topic string, payload []byte) error
	// PublishRetained publishes payload and keeps it as topic's retained
	// value, delivered to any subscriber that subscribes later. Used for
	// presence, so a clone joining after others announced still learns
	// who is live.
	PublishRetained(topic string, payload []byte) error
	Subscribe(topic string, handler func(payload []byte)) error
	Close() error
}

// controlMessage is the envelope for every request/reply exchanged on
// the domain's control topic.
type controlMessage struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Reason      string          `json:"reason,omitempty"`
	Time        json.RawMessage `json:"time,omitempty"`
	GWC         json.RawMessage `json:"gwc,omitempty"`
	StreamTopic string          `json:"streamTopic,omitempty"`
}

// streamFrame is one frame of a snapshot or revup data stream: either a
// payload or, on the final frame, the end marker.
type streamFrame struct {
	End     bool            `json:"end"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type wireUpdate struct {
	From string `json:"from"`
	Op   []byte `json:"op"`
}

type wireSnapshotBatch struct {
	Triples [][]byte `json:"triples"`
	LastOps [][]byte `json:"lastOps"`
}

// PubsubRemotes implements Remotes over an abstract Transport: presence
// aggregation, request/reply correlation, timeouts, message framing. A
// concrete backend only needs to supply a Transport.
type PubsubRemotes struct {
	transport      Transport
	domain         string
	log            logging.Logger
	networkTimeout time.Duration

	mu    sync.Mutex
	local Publisher

	updates     chan OperationMessage
	live        LiveState
	liveChanges chan LiveState

	peersMu sync.Mutex
	peers   map[string]bool // id -> genesis

	pendingMu sync.Mutex
	pending   map[string]chan controlMessage
}

// Open wires a PubsubRemotes on top of transport for the given domain.
func Open(transport Transport, domain string, log logging.Logger, networkTimeout time.Duration) (*PubsubRemotes, error) {
	r := &PubsubRemotes{
		transport:      transport,
		domain:         domain,
		log:            log,
		networkTimeout: networkTimeout,
		updates:        make(chan OperationMessage, 64),
		liveChanges:    make(chan LiveState, 8),
		peers:          make(map[string]bool),
		pending:        make(map[string]chan controlMessage),
	}
	if err := transport.Subscribe(r.presenceTopic("+"), r.onPresence); err != nil {
		return nil, err
	}
	if err := transport.Subscribe(r.updatesTopic(), r.onUpdate); err != nil {
		return nil, err
	}
	if err := transport.Subscribe(r.controlTopic(), r.onControl); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *PubsubRemotes) presenceTopic(id string) string { return r.domain + "/presence/" + id }
func (r *PubsubRemotes) updatesTopic() string            { return r.domain + "/updates" }
func (r *PubsubRemotes) controlTopic() string            { return r.domain + "/control" }
func (r *PubsubRemotes) streamTopic(id string) string {
	return fmt.Sprintf("%s/stream/%s", r.domain, id)
}

func (r *PubsubRemotes) Updates() <-chan OperationMessage { return r.updates }

func (r *PubsubRemotes) LiveState() LiveState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live
}

func (r *PubsubRemotes) LiveChanges() <-chan LiveState { return r.liveChanges }

func (r *PubsubRemotes) SetLocal(p Publisher) {
	r.mu.Lock()
	prior := r.local
	r.local = p
	r.mu.Unlock()

	if p != nil {
		r.announce(presencePayload{ID: p.ID(), Genesis: p.IsGenesis()})
		return
	}
	if prior != nil {
		r.announce(presencePayload{ID: prior.ID(), Genesis: prior.IsGenesis(), Leaving: true})
	}
}

func (r *PubsubRemotes) announce(p presencePayload) {
	data, err := json.Marshal(p)
	if err != nil {
		r.log.Warnf("remotes: failed marshalling presence: %v", err)
		return
	}
	_ = r.transport.PublishRetained(r.presenceTopic(p.ID), data)
}

// LivePeers returns a snapshot of every peer currently known to be
// live, mapped to whether that peer is a genesis clone. The engine
// uses this to detect a second genesis clone claiming the same domain.
func (r *PubsubRemotes) LivePeers() map[string]bool {
	r.peersMu.Lock()
	defer r.peersMu.Unlock()
	out := make(map[string]bool, len(r.peers))
	for id, genesis := range r.peers {
		out[id] = genesis
	}
	return out
}

func (r *PubsubRemotes) Close() error {
	r.SetLocal(nil)
	return r.transport.Close()
}

func (r *PubsubRemotes) onPresence(payload []byte) {
	var p presencePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		r.log.Warnf("remotes: malformed presence payload: %v", err)
		return
	}

	r.mu.Lock()
	local := r.local
	r.mu.Unlock()
	if local != nil && local.ID() == p.ID {
		return
	}

	r.peersMu.Lock()
	if p.Leaving {
		delete(r.peers, p.ID)
	} else {
		r.peers[p.ID] = p.Genesis
	}
	count := len(r.peers)
	r.peersMu.Unlock()

	next := NotLive
	if count > 0 {
		next = Live
	}
	r.mu.Lock()
	changed := r.live != next
	r.live = next
	r.mu.Unlock()
	if changed {
		select {
		case r.liveChanges <- next:
		default:
		}
	}
}

func (r *PubsubRemotes) onUpdate(payload []byte) {
	var w wireUpdate
	if err := json.Unmarshal(payload, &w); err != nil {
		r.log.Warnf("remotes: malformed update payload: %v", err)
		return
	}
	op, err := encoding.DecodeOperation(w.Op)
	if err != nil {
		r.log.Warnf("remotes: failed decoding update operation: %v", err)
		return
	}

	r.mu.Lock()
	local := r.local
	r.mu.Unlock()
	if local != nil && local.ID() == w.From {
		return
	}

	select {
	case r.updates <- OperationMessage{From: w.From, Op: op}:
	default:
		r.log.Warnf("remotes: updates channel full, dropping operation from %s", w.From)
	}
}

// Publish implements the outbound half of Remotes for the local clone.
func (r *PubsubRemotes) Publish(ctx context.Context, op model.Operation) error {
	r.mu.Lock()
	local := r.local
	r.mu.Unlock()
	from := ""
	if local != nil {
		from = local.ID()
	}

	data, err := encoding.EncodeOperation(op)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(wireUpdate{From: from, Op: data})
	if err != nil {
		return err
	}
	return r.transport.Publish(r.updatesTopic(), payload)
}

func (r *PubsubRemotes) onControl(payload []byte) {
	var msg controlMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		r.log.Warnf("remotes: malformed control payload: %v", err)
		return
	}

	r.pendingMu.Lock()
	waiter, isReply := r.pending[msg.ID]
	r.pendingMu.Unlock()
	if isReply {
		switch msg.Type {
		case "new-clock", "snapshot", "revup":
			// Our own pending request, echoed back by the transport.
			return
		}
		select {
		case waiter <- msg:
		default:
		}
		return
	}

	r.mu.Lock()
	local := r.local
	r.mu.Unlock()
	if local == nil {
		return
	}

	switch msg.Type {
	case "new-clock":
		r.serviceNewClock(local, msg)
	case "snapshot":
		r.serviceSnapshot(local, msg)
	case "revup":
		r.serviceRevup(local, msg)
	}
}

func (r *PubsubRemotes) serviceNewClock(local Publisher, msg controlMessage) {
	forked := local.NewClock()
	timeJSON, err := forked.ToJSON()
	if err != nil {
		r.reply(msg.ID, controlMessage{ID: msg.ID, Type: "rejected", Reason: err.Error()})
		return
	}
	r.reply(msg.ID, controlMessage{ID: msg.ID, Type: "clock", Time: timeJSON})
}

func (r *PubsubRemotes) serviceSnapshot(local Publisher, msg controlMessage) {
	snap := local.TakeSnapshot()
	timeJSON, err := snap.Time.ToJSON()
	if err != nil {
		r.reply(msg.ID, controlMessage{ID: msg.ID, Type: "rejected", Reason: err.Error()})
		return
	}
	gwcJSON, err := snap.GWC.ToJSON()
	if err != nil {
		r.reply(msg.ID, controlMessage{ID: msg.ID, Type: "rejected", Reason: err.Error()})
		return
	}
	topic := r.streamTopic(msg.ID)
	r.reply(msg.ID, controlMessage{ID: msg.ID, Type: "snapshot-started", Time: timeJSON, GWC: gwcJSON, StreamTopic: topic})
	go r.streamSnapshot(topic, snap)
}

func (r *PubsubRemotes) streamSnapshot(topic string, snap Snapshot) {
	for batch := range snap.Batches {
		wb := wireSnapshotBatch{}
		for _, t := range batch.Triples {
			data, err := json.Marshal(t)
			if err != nil {
				continue
			}
			wb.Triples = append(wb.Triples, data)
		}
		for _, op := range batch.LastOps {
			data, err := encoding.EncodeOperation(op)
			if err != nil {
				continue
			}
			wb.LastOps = append(wb.LastOps, data)
		}
		payload, err := json.Marshal(wb)
		if err != nil {
			continue
		}
		r.publishFrame(topic, streamFrame{Payload: payload})
	}
	r.publishFrame(topic, streamFrame{End: true})
}

func (r *PubsubRemotes) serviceRevup(local Publisher, msg controlMessage) {
	t, err := clock.FromJSON(msg.Time)
	if err != nil {
		r.reply(msg.ID, controlMessage{ID: msg.ID, Type: "rejected", Reason: "bad clock"})
		return
	}
	recovery, ok := local.RevupFrom(t)
	if !ok {
		r.reply(msg.ID, controlMessage{ID: msg.ID, Type: "rejected", Reason: "incapable"})
		return
	}
	topic := r.streamTopic(msg.ID)
	r.reply(msg.ID, controlMessage{ID: msg.ID, Type: "revup-started", StreamTopic: topic})
	go r.streamRecovery(topic, recovery)
}

func (r *PubsubRemotes) streamRecovery(topic string, recovery Recovery) {
	for op := range recovery.Entries {
		data, err := encoding.EncodeOperation(op)
		if err != nil {
			continue
		}
		r.publishFrame(topic, streamFrame{Payload: data})
	}
	select {
	case err := <-recovery.Err:
		if err != nil {
			r.log.Warnf("remotes: revup stream ended with error: %v", err)
		}
	default:
	}
	r.publishFrame(topic, streamFrame{End: true})
}

func (r *PubsubRemotes) publishFrame(topic string, frame streamFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	if err := r.transport.Publish(topic, data); err != nil {
		r.log.Warnf("remotes: failed publishing stream frame on %s: %v", topic, err)
	}
}

func (r *PubsubRemotes) reply(id string, msg controlMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		r.log.Warnf("remotes: failed marshalling control reply: %v", err)
		return
	}
	if err := r.transport.Publish(r.controlTopic(), data); err != nil {
		r.log.Warnf("remotes: failed publishing control reply: %v", err)
	}
}

func (r *PubsubRemotes) request(ctx context.Context, req controlMessage) (controlMessage, error) {
	if r.LiveState() != Live {
		return controlMessage{}, merr.ErrNoPeer
	}

	waiter := make(chan controlMessage, 1)
	r.pendingMu.Lock()
	r.pending[req.ID] = waiter
	r.pendingMu.Unlock()
	defer func() {
		r.pendingMu.Lock()
		delete(r.pending, req.ID)
		r.pendingMu.Unlock()
	}()

	data, err := json.Marshal(req)
	if err != nil {
		return controlMessage{}, err
	}
	if err := r.transport.Publish(r.controlTopic(), data); err != nil {
		return controlMessage{}, err
	}

	timeout := r.networkTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return controlMessage{}, ctx.Err()
	case <-timer.C:
		return controlMessage{}, merr.ErrTimeout
	case reply := <-waiter:
		return reply, nil
	}
}

func (r *PubsubRemotes) NewClock(ctx context.Context) (clock.Clock, error) {
	reply, err := r.request(ctx, controlMessage{ID: uuid.NewString(), Type: "new-clock"})
	if err != nil {
		return clock.Clock{}, err
	}
	if reply.Type == "rejected" {
		return clock.Clock{}, fmt.Errorf("remotes: new-clock rejected: %s: %w", reply.Reason, merr.ErrNoPeer)
	}
	return clock.FromJSON(reply.Time)
}

func (r *PubsubRemotes) TakeSnapshot(ctx context.Context) (Snapshot, error) {
	reply, err := r.request(ctx, controlMessage{ID: uuid.NewString(), Type: "snapshot"})
	if err != nil {
		return Snapshot{}, err
	}
	if reply.Type == "rejected" {
		return Snapshot{}, fmt.Errorf("remotes: snapshot rejected: %s: %w", reply.Reason, merr.ErrNoPeer)
	}
	t, err := clock.FromJSON(reply.Time)
	if err != nil {
		return Snapshot{}, err
	}
	gwc, err := clock.GWCFromJSON(reply.GWC)
	if err != nil {
		return Snapshot{}, err
	}
	batches := make(chan SnapshotBatch, 8)
	_ = r.transport.Subscribe(reply.StreamTopic, func(payload []byte) {
		var frame streamFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			return
		}
		if frame.End {
			close(batches)
			return
		}
		var wb wireSnapshotBatch
		if err := json.Unmarshal(frame.Payload, &wb); err != nil {
			return
		}
		batch := SnapshotBatch{}
		for _, data := range wb.Triples {
			var triple model.ReifiedTriple
			if err := json.Unmarshal(data, &triple); err == nil {
				batch.Triples = append(batch.Triples, triple)
			}
		}
		for _, data := range wb.LastOps {
			if op, err := encoding.DecodeOperation(data); err == nil {
				batch.LastOps = append(batch.LastOps, op)
			}
		}
		batches <- batch
	})
	return Snapshot{Time: t, GWC: gwc, Batches: batches}, nil
}

func (r *PubsubRemotes) RevupFrom(ctx context.Context, t clock.Clock) (Recovery, bool, error) {
	timeJSON, err := t.ToJSON()
	if err != nil {
		return Recovery{}, false, err
	}
	reply, err := r.request(ctx, controlMessage{ID: uuid.NewString(), Type: "revup", Time: timeJSON})
	if err != nil {
		return Recovery{}, false, err
	}
	if reply.Type == "rejected" {
		return Recovery{}, false, nil
	}
	entries := make(chan model.Operation, 8)
	errs := make(chan error, 1)
	_ = r.transport.Subscribe(reply.StreamTopic, func(payload []byte) {
		var frame streamFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			return
		}
		if frame.End {
			close(entries)
			return
		}
		op, err := encoding.DecodeOperation(frame.Payload)
		if err != nil {
			select {
			case errs <- err:
			default:
			}
			return
		}
		entries <- op
	})
	return Recovery{Entries: entries, Err: errs}, true, nil
}
