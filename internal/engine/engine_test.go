package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jabolina/meldcore/internal/config"
	"github.com/jabolina/meldcore/internal/logging"
	"github.com/jabolina/meldcore/internal/merr"
	"github.com/jabolina/meldcore/internal/model"
	"github.com/jabolina/meldcore/internal/remotes"
	"github.com/jabolina/meldcore/internal/remotes/inmem"
	"github.com/jabolina/meldcore/internal/storage"
)

func newClone(t *testing.T, broker *inmem.Broker, id string, genesis bool) *Clone {
	t.Helper()
	rs, err := remotes.Open(inmem.NewTransport(broker), "bedrock", logging.New(id, "bedrock"), time.Second)
	if err != nil {
		t.Fatalf("opening remotes for %s failed: %v", id, err)
	}
	cfg := config.Clone{ID: id, Domain: "bedrock", Genesis: genesis}
	c, err := Open(cfg, storage.NewMemory(), rs, nil, logging.New(id, "bedrock"))
	if err != nil {
		t.Fatalf("opening clone %s failed: %v", id, err)
	}
	return c
}

func TestBootstrapGenesis_GoesLiveImmediately(t *testing.T) {
	broker := inmem.NewBroker()
	a := newClone(t, broker, "a", true)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer a.Close()

	if a.State() != Live {
		t.Fatalf("expected the genesis clone to be live immediately, got %v", a.State())
	}
	if !a.Status().Silo {
		t.Fatalf("expected a lone genesis clone to be silo")
	}
}

func TestBootstrapGenesis_WriteTicksStatusFromZeroToOne(t *testing.T) {
	broker := inmem.NewBroker()
	a := newClone(t, broker, "a", true)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer a.Close()

	if got := a.Status().Ticks; got != 0 {
		t.Fatalf("expected a freshly bootstrapped genesis clone to have ticks=0, got %d", got)
	}

	if _, err := a.Write(ctx, model.Patch{Insert: []model.Triple{
		{Subject: "fred", Predicate: "#name", Object: "Fred"},
	}}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	if got := a.Status().Ticks; got != 1 {
		t.Fatalf("expected status ticks to transition 0 -> 1 after one write, got %d", got)
	}
}

func TestJoinDomain_SyncsExistingGraph(t *testing.T) {
	broker := inmem.NewBroker()
	a := newClone(t, broker, "a", true)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("starting genesis clone failed: %v", err)
	}
	defer a.Close()

	if _, err := a.Write(ctx, model.Patch{Insert: []model.Triple{
		{Subject: "fred", Predicate: "#name", Object: "Fred"},
	}}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	b := newClone(t, broker, "b", false)
	if err := b.Start(ctx); err != nil {
		t.Fatalf("joining clone failed: %v", err)
	}
	defer b.Close()

	if b.State() != Live {
		t.Fatalf("expected the joining clone to be live, got %v", b.State())
	}
	triples, err := b.Describe("fred")
	if err != nil {
		t.Fatalf("describe failed: %v", err)
	}
	if len(triples) != 1 || triples[0].Object != "Fred" {
		t.Fatalf("expected the joining clone to have synced fred's name, got %v", triples)
	}
}

func TestWrite_PropagatesToLivePeer(t *testing.T) {
	broker := inmem.NewBroker()
	a := newClone(t, broker, "a", true)
	b := newClone(t, broker, "b", false)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("starting a failed: %v", err)
	}
	defer a.Close()
	if err := b.Start(ctx); err != nil {
		t.Fatalf("starting b failed: %v", err)
	}
	defer b.Close()

	if _, err := a.Write(ctx, model.Patch{Insert: []model.Triple{
		{Subject: "wilma", Predicate: "#name", Object: "Wilma"},
	}}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		triples, err := b.Describe("wilma")
		if err != nil {
			t.Fatalf("describe failed: %v", err)
		}
		if len(triples) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected b to eventually observe a's write")
}

func TestStart_RejectsGenesisMismatch(t *testing.T) {
	broker := inmem.NewBroker()
	store := storage.NewMemory()
	rs, err := remotes.Open(inmem.NewTransport(broker), "bedrock", logging.New("a", "bedrock"), time.Second)
	if err != nil {
		t.Fatalf("opening remotes failed: %v", err)
	}
	a, err := Open(config.Clone{ID: "a", Domain: "bedrock", Genesis: true}, store, rs, nil, logging.New("a", "bedrock"))
	if err != nil {
		t.Fatalf("opening clone failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	// Close a so it releases its storage ownership, the way a real
	// restart would, so the reopened clone below is
	// rejected for the genesis mismatch this test targets rather than
	// for the unrelated ownership marker still being held.
	if err := a.Close(); err != nil {
		t.Fatalf("closing clone failed: %v", err)
	}

	rs2, err := remotes.Open(inmem.NewTransport(broker), "bedrock", logging.New("a2", "bedrock"), time.Second)
	if err != nil {
		t.Fatalf("opening second remotes failed: %v", err)
	}
	reopened, err := Open(config.Clone{ID: "a", Domain: "bedrock", Genesis: false}, store, rs2, nil, logging.New("a2", "bedrock"))
	if err != nil {
		t.Fatalf("opening clone failed: %v", err)
	}
	if err := reopened.Start(ctx); err == nil {
		t.Fatalf("expected a genesis mismatch to be rejected")
	} else if !errors.Is(err, merr.ErrIsGenesis) {
		t.Fatalf("expected ErrIsGenesis, got %v", err)
	}
}

func TestStart_RejectsConcurrentOwner(t *testing.T) {
	broker := inmem.NewBroker()
	store := storage.NewMemory()
	rs, err := remotes.Open(inmem.NewTransport(broker), "bedrock", logging.New("a", "bedrock"), time.Second)
	if err != nil {
		t.Fatalf("opening remotes failed: %v", err)
	}
	a, err := Open(config.Clone{ID: "a", Domain: "bedrock", Genesis: true}, store, rs, nil, logging.New("a", "bedrock"))
	if err != nil {
		t.Fatalf("opening clone failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer a.Close()

	rs2, err := remotes.Open(inmem.NewTransport(broker), "bedrock", logging.New("a2", "bedrock"), time.Second)
	if err != nil {
		t.Fatalf("opening second remotes failed: %v", err)
	}
	second, err := Open(config.Clone{ID: "a", Domain: "bedrock", Genesis: true}, store, rs2, nil, logging.New("a2", "bedrock"))
	if err != nil {
		t.Fatalf("opening clone failed: %v", err)
	}
	if err := second.Start(ctx); err == nil {
		t.Fatalf("expected a concurrent engine over the same store to be rejected")
	} else if !errors.Is(err, merr.ErrDatasetInUse) {
		t.Fatalf("expected ErrDatasetInUse, got %v", err)
	}
}
