package encoding

import (
	"bytes"
	"strconv"
	"testing"

	"github.com/jabolina/meldcore/internal/clock"
	"github.com/jabolina/meldcore/internal/model"
)

func sampleOperation() model.Operation {
	t := clock.Genesis().Ticked()
	return model.Operation{
		Version: model.ProtocolVersion,
		From:    t.Ticks(),
		Time:    t,
		Deletes: nil,
		Inserts: []model.ReifiedTriple{
			{
				TIDs:   []clock.TID{t.Hash()},
				Triple: model.Triple{Subject: "fred", Predicate: "#name", Object: `"Fred"`},
			},
		},
	}
}

func TestRoundTrip_SmallOperation(t *testing.T) {
	op := sampleOperation()
	buf, err := EncodeOperation(op)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	decoded, err := DecodeOperation(buf)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	reencoded, err := EncodeOperation(decoded)
	if err != nil {
		t.Fatalf("re-encode failed: %v", err)
	}
	if !bytes.Equal(buf, reencoded) {
		t.Fatalf("encode(decode(b)) != b")
	}
	if decoded.TID() != op.TID() {
		t.Fatalf("TID mismatch after round trip")
	}
}

func TestRoundTrip_LargeOperationUsesGzipMsgpack(t *testing.T) {
	op := sampleOperation()
	for i := 0; i < 200; i++ {
		op.Inserts = append(op.Inserts, model.ReifiedTriple{
			TIDs:   []clock.TID{op.Time.Hash()},
			Triple: model.Triple{Subject: "s" + strconv.Itoa(i), Predicate: "#p", Object: "\"padding-value-to-exceed-threshold\""},
		})
	}
	buf, err := EncodeOperation(op)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	decoded, err := DecodeOperation(buf)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(decoded.Inserts) != len(op.Inserts) {
		t.Fatalf("expected %d inserts, found %d", len(op.Inserts), len(decoded.Inserts))
	}
	reencoded, err := EncodeOperation(decoded)
	if err != nil {
		t.Fatalf("re-encode failed: %v", err)
	}
	if !bytes.Equal(buf, reencoded) {
		t.Fatalf("encode(decode(b)) != b for large operation")
	}
}

func TestEmptyOperationIsNoOp(t *testing.T) {
	op := model.Operation{Version: model.ProtocolVersion, Time: clock.Genesis()}
	if !op.IsEmpty() {
		t.Fatalf("expected empty operation to report IsEmpty")
	}
}
