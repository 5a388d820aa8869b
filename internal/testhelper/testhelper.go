// Package testhelper provides fixture builders for tests that exercise
// several clones against a shared in-memory remotes broker, the way a
// cluster of peers would in production.
package testhelper

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jabolina/meldcore/internal/config"
	"github.com/jabolina/meldcore/internal/constraint"
	"github.com/jabolina/meldcore/internal/engine"
	"github.com/jabolina/meldcore/internal/logging"
	"github.com/jabolina/meldcore/internal/remotes"
	"github.com/jabolina/meldcore/internal/remotes/inmem"
	"github.com/jabolina/meldcore/internal/storage"
)

// Domain is the fixed domain name every helper-built clone joins.
const Domain = "testhelper"

// Cluster is a group of clones sharing one in-memory broker, built for
// tests that need several clones converging on the same domain.
type Cluster struct {
	T       *testing.T
	Broker  *inmem.Broker
	Clones  []*engine.Clone
	mu      sync.Mutex
	index   int
}

// NewClone opens and starts a single clone named id against broker,
// failing the test immediately on any setup error. The first clone
// created for a given broker should pass genesis true; every other
// clone joining the same domain passes false.
func NewClone(t *testing.T, ctx context.Context, broker *inmem.Broker, id string, genesis bool, constraints ...constraint.Constraint) *engine.Clone {
	t.Helper()
	log := logging.New(id, Domain)
	rs, err := remotes.Open(inmem.NewTransport(broker), Domain, log, time.Second)
	if err != nil {
		t.Fatalf("testhelper: opening remotes for %s: %v", id, err)
	}
	cfg := config.Clone{ID: id, Domain: Domain, Genesis: genesis}
	c, err := engine.Open(cfg, storage.NewMemory(), rs, constraints, log)
	if err != nil {
		t.Fatalf("testhelper: opening clone %s: %v", id, err)
	}
	if err := c.Start(ctx); err != nil {
		t.Fatalf("testhelper: starting clone %s: %v", id, err)
	}
	return c
}

// NewCluster bootstraps a genesis clone named prefix-0, then joins
// size-1 further clones to it, returning once every clone reports
// itself live. size must be at least 1.
func NewCluster(t *testing.T, ctx context.Context, prefix string, size int) *Cluster {
	t.Helper()
	broker := inmem.NewBroker()
	cluster := &Cluster{T: t, Broker: broker}

	genesisID := fmt.Sprintf("%s-0", prefix)
	cluster.Clones = append(cluster.Clones, NewClone(t, ctx, broker, genesisID, true))

	for i := 1; i < size; i++ {
		id := fmt.Sprintf("%s-%d", prefix, i)
		cluster.Clones = append(cluster.Clones, NewClone(t, ctx, broker, id, false))
	}
	return cluster
}

// Next round-robins through the cluster's clones, the way a client
// spreading load across replicas would.
func (c *Cluster) Next() *engine.Clone {
	c.mu.Lock()
	defer func() {
		c.index++
		c.mu.Unlock()
	}()
	if c.index >= len(c.Clones) {
		c.index = 0
	}
	return c.Clones[c.index]
}

// Close shuts every clone in the cluster down concurrently and waits
// for all of them to finish.
func (c *Cluster) Close() {
	var wg sync.WaitGroup
	for _, clone := range c.Clones {
		wg.Add(1)
		go func(cl *engine.Clone) {
			defer wg.Done()
			if err := cl.Close(); err != nil {
				c.T.Logf("testhelper: closing clone failed: %v", err)
			}
		}(clone)
	}
	wg.Wait()
}

// EventuallyEqual polls check every 10ms until it returns true or
// timeout elapses, failing the test in the latter case. Used to wait
// on asynchronous convergence across clones without a fixed sleep.
func EventuallyEqual(t *testing.T, timeout time.Duration, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !check() {
		t.Fatalf("testhelper: condition did not converge within %s", timeout)
	}
}
