package message

import (
	"testing"

	"github.com/jabolina/meldcore/internal/clock"
	"github.com/jabolina/meldcore/internal/logging"
	"github.com/jabolina/meldcore/internal/model"
)

func opAt(c clock.Clock) model.Operation {
	return model.Operation{Version: model.ProtocolVersion, From: c.Ticks(), Time: c}
}

func TestReceive_ImmediateContiguousDelivery(t *testing.T) {
	left, remote := clock.Genesis().Forked()
	svc := New(left, logging.New("test", "test"))
	buf := NewBuffer()

	var delivered []model.Operation
	op := opAt(remote.Ticked())
	svc.Receive(op, buf, func(o model.Operation) { delivered = append(delivered, o) })

	if len(delivered) != 1 || delivered[0].TID() != op.TID() {
		t.Fatalf("expected the contiguous operation to be delivered immediately, got %+v", delivered)
	}
	if buf.Len() != 0 {
		t.Fatalf("expected nothing left buffered")
	}
}

func TestReceive_OutOfOrderBuffersThenDrains(t *testing.T) {
	left, remote := clock.Genesis().Forked()
	svc := New(left, logging.New("test", "test"))
	buf := NewBuffer()

	r1 := remote.Ticked()
	r2 := r1.Ticked()

	var delivered []model.Operation
	accept := func(o model.Operation) { delivered = append(delivered, o) }

	svc.Receive(opAt(r2), buf, accept)
	if len(delivered) != 0 {
		t.Fatalf("expected the second tick to be buffered, not delivered yet")
	}
	if buf.Len() != 1 {
		t.Fatalf("expected one buffered operation, got %d", buf.Len())
	}

	svc.Receive(opAt(r1), buf, accept)
	if len(delivered) != 2 {
		t.Fatalf("expected both operations delivered once the gap closes, got %d", len(delivered))
	}
	if delivered[0].TID() != opAt(r1).TID() || delivered[1].TID() != opAt(r2).TID() {
		t.Fatalf("expected delivery in causal order")
	}
	if buf.Len() != 0 {
		t.Fatalf("expected the buffer to be drained")
	}
}

func TestDeliver_ForcesDeliveryRegardlessOfReadiness(t *testing.T) {
	left, remote := clock.Genesis().Forked()
	svc := New(left, logging.New("test", "test"))
	buf := NewBuffer()

	farAhead := remote.Ticked().Ticked().Ticked()
	var delivered []model.Operation
	svc.Deliver(opAt(farAhead), buf, func(o model.Operation) { delivered = append(delivered, o) })

	if len(delivered) != 1 {
		t.Fatalf("expected forced delivery to accept immediately")
	}
	if svc.Peek().TicksAt(farAhead.IDPath()) != farAhead.Ticks() {
		t.Fatalf("expected the clock to have joined the delivered time")
	}
}

func TestSendAndFork(t *testing.T) {
	svc := New(clock.Genesis(), logging.New("test", "test"))
	before := svc.Peek().Ticks()
	after := svc.Send()
	if after.Ticks() != before+1 {
		t.Fatalf("expected send to tick the clock by one")
	}

	forkedAway := svc.Fork()
	if forkedAway.Equal(svc.Peek()) {
		t.Fatalf("expected fork to produce a distinct identity from what's retained")
	}
}
