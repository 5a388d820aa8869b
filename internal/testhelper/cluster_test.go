package testhelper

import (
	"context"
	"testing"
	"time"

	"github.com/jabolina/meldcore/internal/model"
)

func TestCluster_ConvergesAcrossAllClones(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	cluster := NewCluster(t, ctx, "rock", 3)
	defer cluster.Close()

	writer := cluster.Next()
	if _, err := writer.Write(ctx, model.Patch{Insert: []model.Triple{
		{Subject: "barney", Predicate: "#name", Object: "Barney"},
	}}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	for _, clone := range cluster.Clones {
		clone := clone
		EventuallyEqual(t, 2*time.Second, func() bool {
			triples, err := clone.Describe("barney")
			if err != nil {
				return false
			}
			return len(triples) == 1 && triples[0].Object == "Barney"
		})
	}
}
