package remotes

import (
	"context"
	"testing"
	"time"

	"github.com/jabolina/meldcore/internal/clock"
	"github.com/jabolina/meldcore/internal/logging"
	"github.com/jabolina/meldcore/internal/model"
	"github.com/jabolina/meldcore/internal/remotes/inmem"
)

type fakeClone struct {
	id       string
	genesis  bool
	newClock clock.Clock
	snapshot Snapshot
	recovery Recovery
	canRevup bool
}

func (f *fakeClone) ID() string                               { return f.id }
func (f *fakeClone) IsGenesis() bool                           { return f.genesis }
func (f *fakeClone) NewClock() clock.Clock                     { return f.newClock }
func (f *fakeClone) TakeSnapshot() Snapshot                    { return f.snapshot }
func (f *fakeClone) RevupFrom(t clock.Clock) (Recovery, bool) { return f.recovery, f.canRevup }

func openPair(t *testing.T) (*PubsubRemotes, *PubsubRemotes) {
	t.Helper()
	broker := inmem.NewBroker()
	a, err := Open(inmem.NewTransport(broker), "bedrock", logging.New("a", "bedrock"), time.Second)
	if err != nil {
		t.Fatalf("open a failed: %v", err)
	}
	b, err := Open(inmem.NewTransport(broker), "bedrock", logging.New("b", "bedrock"), time.Second)
	if err != nil {
		t.Fatalf("open b failed: %v", err)
	}
	return a, b
}

func TestPresence_AggregatesLiveAndLeave(t *testing.T) {
	a, b := openPair(t)
	if a.LiveState() != LiveUnknown {
		t.Fatalf("expected unknown presence before anyone announces")
	}
	b.SetLocal(&fakeClone{id: "b"})
	if got := a.LiveState(); got != Live {
		t.Fatalf("expected a to observe b as live, got %v", got)
	}
	b.SetLocal(nil)
	if got := a.LiveState(); got != NotLive {
		t.Fatalf("expected a to observe b leaving, got %v", got)
	}
}

func TestNewClock_RequestsFromLivePeer(t *testing.T) {
	a, b := openPair(t)
	forked := clock.Genesis().Ticked()
	b.SetLocal(&fakeClone{id: "b", newClock: forked})

	got, err := a.NewClock(context.Background())
	if err != nil {
		t.Fatalf("new clock failed: %v", err)
	}
	if !got.Equal(forked) {
		t.Fatalf("expected the forked clock from the peer, got %v", got)
	}
}

func TestNewClock_NoPeerFails(t *testing.T) {
	a, _ := openPair(t)
	if _, err := a.NewClock(context.Background()); err == nil {
		t.Fatalf("expected an error when no peer is live")
	}
}

func TestPublish_DeliversToOtherClonesOnly(t *testing.T) {
	a, b := openPair(t)
	a.SetLocal(&fakeClone{id: "a"})
	b.SetLocal(&fakeClone{id: "b"})

	op := model.Operation{Version: model.ProtocolVersion, Time: clock.Genesis().Ticked(), From: 1,
		Inserts: []model.ReifiedTriple{{TIDs: []clock.TID{clock.Genesis().Ticked().Hash()}, Triple: model.Triple{Subject: "fred", Predicate: "#name", Object: "Fred"}}}}
	if err := a.Publish(context.Background(), op); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case msg := <-b.Updates():
		if msg.From != "a" {
			t.Fatalf("expected the update to be tagged with the sender, got %q", msg.From)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected b to receive a's published operation")
	}

	select {
	case <-a.Updates():
		t.Fatalf("expected a not to receive its own publish back")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRevupFrom_RejectedWhenPeerIncapable(t *testing.T) {
	a, b := openPair(t)
	b.SetLocal(&fakeClone{id: "b", canRevup: false})

	_, ok, err := a.RevupFrom(context.Background(), clock.Genesis())
	if err != nil {
		t.Fatalf("revup failed: %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false when the peer reports incapability")
	}
}
