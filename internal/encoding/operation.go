// Package encoding implements the canonical wire encoding of operations
// a 5-tuple [version, from, time, deletes, inserts]
// where the delete/insert payloads are either small UTF-8 JSON or, past
// a size threshold, gzip-compressed msgpack, with the choice recorded in
// a companion encoding vector so decoders know which chain to reverse.
package encoding

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/jabolina/meldcore/internal/clock"
	"github.com/jabolina/meldcore/internal/merr"
	"github.com/jabolina/meldcore/internal/model"
)

// GzipThreshold is the payload size, in bytes, past which a delete or
// insert field switches from raw JSON to gzip+msgpack.
const GzipThreshold = 1024

// fieldEncoding names which chain a field was encoded with.
type fieldEncoding string

const (
	encodingJSON        fieldEncoding = "json"
	encodingGzipMsgpack fieldEncoding = "gzip-msgpack"
)

// wireTriple is the {tid, s, p, o} reified shape. Fused
// operations carry arrays of these; single-TID triples carry one TID.
type wireTriple struct {
	TIDs []string `msgpack:"tids" json:"tids"`
	S    string   `msgpack:"s" json:"s"`
	P    string   `msgpack:"p" json:"p"`
	O    string   `msgpack:"o" json:"o"`
}

// envelope is the msgpack/json-serialisable form of Operation.
type envelope struct {
	Version  int             `msgpack:"version" json:"version"`
	From     int64           `msgpack:"from" json:"from"`
	Time     json.RawMessage `msgpack:"time" json:"time"`
	Deletes  []byte          `msgpack:"deletes" json:"deletes"`
	Inserts  []byte          `msgpack:"inserts" json:"inserts"`
	Encoding [2]string       `msgpack:"encoding" json:"encoding"`
}

func toWireTriples(rs []model.ReifiedTriple) []wireTriple {
	out := make([]wireTriple, 0, len(rs))
	for _, r := range rs {
		tids := make([]string, len(r.TIDs))
		for i, t := range r.TIDs {
			tids[i] = string(t)
		}
		out = append(out, wireTriple{
			TIDs: tids,
			S:    r.Triple.Subject,
			P:    r.Triple.Predicate,
			O:    r.Triple.Object,
		})
	}
	return out
}

func fromWireTriples(ws []wireTriple) []model.ReifiedTriple {
	out := make([]model.ReifiedTriple, 0, len(ws))
	for _, w := range ws {
		tids := make([]clock.TID, len(w.TIDs))
		for i, t := range w.TIDs {
			tids[i] = clock.TID(t)
		}
		out = append(out, model.ReifiedTriple{
			TIDs:   tids,
			Triple: model.Triple{Subject: w.S, Predicate: w.P, Object: w.O},
		})
	}
	return out
}

func encodeField(triples []wireTriple) ([]byte, fieldEncoding, error) {
	raw, err := json.Marshal(triples)
	if err != nil {
		return nil, "", err
	}
	if len(raw) <= GzipThreshold {
		return raw, encodingJSON, nil
	}
	packed, err := msgpack.Marshal(triples)
	if err != nil {
		return nil, "", err
	}
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(packed); err != nil {
		return nil, "", err
	}
	if err := gz.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), encodingGzipMsgpack, nil
}

func decodeField(data []byte, enc fieldEncoding) ([]wireTriple, error) {
	switch enc {
	case encodingJSON, "":
		var triples []wireTriple
		if err := json.Unmarshal(data, &triples); err != nil {
			return nil, err
		}
		return triples, nil
	case encodingGzipMsgpack:
		gz, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		packed, err := io.ReadAll(gz)
		if err != nil {
			return nil, err
		}
		var triples []wireTriple
		if err := msgpack.Unmarshal(packed, &triples); err != nil {
			return nil, err
		}
		return triples, nil
	default:
		return nil, fmt.Errorf("encoding: unknown field encoding %q", enc)
	}
}

// EncodeOperation renders op as the canonical wire buffer (msgpack of the
// envelope, itself carrying the raw delete/insert chains).
func EncodeOperation(op model.Operation) ([]byte, error) {
	timeJSON, err := op.Time.ToJSON()
	if err != nil {
		return nil, err
	}
	deletes, delEnc, err := encodeField(toWireTriples(op.Deletes))
	if err != nil {
		return nil, err
	}
	inserts, insEnc, err := encodeField(toWireTriples(op.Inserts))
	if err != nil {
		return nil, err
	}
	env := envelope{
		Version:  model.ProtocolVersion,
		From:     op.From,
		Time:     timeJSON,
		Deletes:  deletes,
		Inserts:  inserts,
		Encoding: [2]string{string(delEnc), string(insEnc)},
	}
	return msgpack.Marshal(env)
}

// DecodeOperation parses a buffer produced by EncodeOperation.
func DecodeOperation(data []byte) (model.Operation, error) {
	var env envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return model.Operation{}, fmt.Errorf("decode operation: %w", err)
	}
	if env.Version > model.ProtocolVersion {
		return model.Operation{}, fmt.Errorf("encoding: unsupported protocol version %d: %w", env.Version, merr.ErrBadUpdate)
	}
	t, err := clock.FromJSON(env.Time)
	if err != nil {
		return model.Operation{}, err
	}
	deletes, err := decodeField(env.Deletes, fieldEncoding(env.Encoding[0]))
	if err != nil {
		return model.Operation{}, fmt.Errorf("decode deletes: %w", err)
	}
	inserts, err := decodeField(env.Inserts, fieldEncoding(env.Encoding[1]))
	if err != nil {
		return model.Operation{}, fmt.Errorf("decode inserts: %w", err)
	}
	return model.Operation{
		Version: env.Version,
		From:    env.From,
		Time:    t,
		Deletes: fromWireTriples(deletes),
		Inserts: fromWireTriples(inserts),
	}, nil
}

// Size returns the encoded byte size of op, used to enforce
// maxOperationSize without retaining the buffer.
func Size(op model.Operation) (int, error) {
	data, err := EncodeOperation(op)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}
