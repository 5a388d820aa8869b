package clock

import "testing"

func TestGenesis_IsZeroID(t *testing.T) {
	g := Genesis()
	if !g.IsZeroID() {
		t.Fatalf("expected genesis clock to be zero id")
	}
	if g.Ticks() != 0 {
		t.Fatalf("expected genesis ticks 0, found %d", g.Ticks())
	}
}

func TestTicked_IncrementsOwnerOnly(t *testing.T) {
	g := Genesis()
	t1 := g.Ticked()
	if t1.Ticks() != 1 {
		t.Fatalf("expected ticks 1, found %d", t1.Ticks())
	}
	if g.Ticks() != 0 {
		t.Fatalf("ticking must not mutate the original clock, found ticks %d", g.Ticks())
	}
	t2 := t1.Ticked()
	if t2.Ticks() != 2 {
		t.Fatalf("expected ticks 2, found %d", t2.Ticks())
	}
}

func TestForked_DisjointIdsEqualNonIdComponents(t *testing.T) {
	base := Genesis().Ticked().Ticked() // ticks = 2
	left, right := base.Forked()

	if left.Ticks() != 2 || right.Ticks() != 2 {
		t.Fatalf("fork must preserve ticks on both halves, found %d and %d", left.Ticks(), right.Ticks())
	}
	if !left.IsZeroID() || !right.IsZeroID() {
		t.Fatalf("freshly forked halves must be zero id")
	}

	leftPath := left.IDPath()
	rightPath := right.IDPath()
	if len(leftPath) == 0 || len(rightPath) == 0 {
		t.Fatalf("forked clocks must have a non-empty id path")
	}
	if leftPath[len(leftPath)-1] == rightPath[len(rightPath)-1] {
		t.Fatalf("forked halves must diverge at the final step: %v vs %v", leftPath, rightPath)
	}

	leftAfterTick := left.Ticked()
	if leftAfterTick.Ticks() != 3 {
		t.Fatalf("left half should tick independently, found %d", leftAfterTick.Ticks())
	}
}

func TestUpdate_ComponentWiseMax(t *testing.T) {
	base := Genesis()
	left, right := base.Forked()

	leftTicked := left.Ticked().Ticked() // left ticks = 2
	joined := right.Update(leftTicked)

	if joined.Ticks() != 0 {
		t.Fatalf("update must not change the caller's own id ticks, found %d", joined.Ticks())
	}
	if joined.AnyLt(leftTicked) {
		t.Fatalf("after joining, the merged clock should not be behind leftTicked")
	}
}

func TestAnyLtAnyGt(t *testing.T) {
	base := Genesis()
	left, right := base.Forked()
	leftTicked := left.Ticked()

	if !right.AnyLt(leftTicked) {
		t.Fatalf("right should be behind left's ticked component")
	}
	if !leftTicked.AnyGt(right) {
		t.Fatalf("left should be ahead of right's component")
	}

	joined := right.Update(leftTicked)
	if joined.AnyLt(leftTicked) {
		t.Fatalf("after joining, right should no longer be behind left")
	}
}

func TestEqual_StructuralIdentity(t *testing.T) {
	a := Genesis().Ticked()
	b := Genesis().Ticked()
	if !a.Equal(b) {
		t.Fatalf("two independently-built identical clocks should be equal")
	}
	c := a.Ticked()
	if a.Equal(c) {
		t.Fatalf("clocks with different tick counts must not be equal")
	}
}

func TestHash_FunctionOfValueOnly(t *testing.T) {
	a := Genesis().Ticked()
	b := Genesis().Ticked()
	if a.Hash() != b.Hash() {
		t.Fatalf("equal clock values must hash identically")
	}
	c := a.Ticked()
	if a.Hash() == c.Hash() {
		t.Fatalf("distinct clock values must not collide in this small test")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	left, right := Genesis().Ticked().Forked()
	for _, c := range []Clock{Genesis(), left, right.Ticked()} {
		data, err := c.ToJSON()
		if err != nil {
			t.Fatalf("ToJSON failed: %v", err)
		}
		back, err := FromJSON(data)
		if err != nil {
			t.Fatalf("FromJSON failed: %v", err)
		}
		if back.Hash() != c.Hash() {
			t.Fatalf("hash(fromJson(toJson(c))) != hash(c)")
		}
		if !back.Equal(c) {
			t.Fatalf("round-tripped clock not structurally equal to original")
		}
	}
}

func TestFromJSON_RejectsBadInput(t *testing.T) {
	if _, err := FromJSON([]byte(`not json`)); err == nil {
		t.Fatalf("expected BadClock error for malformed JSON")
	}
	if _, err := FromJSON([]byte(`{"t":0,"l":{"t":0,"i":true}}`)); err == nil {
		t.Fatalf("expected BadClock error for internal node missing a child")
	}
	if _, err := FromJSON([]byte(`{"t":0}`)); err == nil {
		t.Fatalf("expected BadClock error for a clock with zero id leaves")
	}
}
