// Package merr defines the sentinel error kinds the replication engine
// can return to callers, per the error handling design.
package merr

import "errors"

// Kind classifies a sentinel error so callers can branch on it with
// errors.Is without string matching.
type Kind string

const (
	KindBadUpdate            Kind = "BadUpdate"
	KindBadClock             Kind = "BadClock"
	KindUnauthorised         Kind = "Unauthorised"
	KindOperationSizeExceed  Kind = "OperationSizeExceeded"
	KindDatasetInUse         Kind = "DatasetInUse"
	KindNotGenesis           Kind = "NotGenesis"
	KindIsGenesis            Kind = "IsGenesis"
	KindNoPeer               Kind = "NoPeer"
	KindTimeout              Kind = "Timeout"
	KindClosed               Kind = "Closed"
	KindCorruption           Kind = "Corruption"
)

var (
	// ErrBadUpdate is returned for a malformed patch or unsupported update feature.
	ErrBadUpdate = errors.New("bad update")

	// ErrBadClock is returned when a time value cannot be parsed.
	ErrBadClock = errors.New("bad clock")

	// ErrUnauthorised is returned when a statutory change is missing a valid principal.
	ErrUnauthorised = errors.New("unauthorised")

	// ErrOperationSizeExceeded is returned when an encoded operation exceeds the configured cap.
	ErrOperationSizeExceeded = errors.New("operation size exceeded")

	// ErrDatasetInUse is returned when two engines try to open the same dataset.
	ErrDatasetInUse = errors.New("dataset in use")

	// ErrNotGenesis is returned when a genesis clone finds an existing non-genesis domain.
	ErrNotGenesis = errors.New("not a genesis domain")

	// ErrIsGenesis is returned when a non-genesis clone finds the domain already bootstrapped as genesis.
	ErrIsGenesis = errors.New("domain already has a genesis clone")

	// ErrNoPeer is returned when remotes are required but not live.
	ErrNoPeer = errors.New("no live peer")

	// ErrTimeout is returned when a request/reply exceeds the network timeout.
	ErrTimeout = errors.New("timeout")

	// ErrClosed is returned for any operation issued against a closed engine.
	ErrClosed = errors.New("engine closed")

	// ErrCorruption is returned when a referenced journal entry or operation is missing.
	ErrCorruption = errors.New("corruption")
)

// kindFor maps a sentinel to its Kind. Used by Of for reporting/logging.
var kindFor = map[error]Kind{
	ErrBadUpdate:             KindBadUpdate,
	ErrBadClock:              KindBadClock,
	ErrUnauthorised:          KindUnauthorised,
	ErrOperationSizeExceeded: KindOperationSizeExceed,
	ErrDatasetInUse:          KindDatasetInUse,
	ErrNotGenesis:            KindNotGenesis,
	ErrIsGenesis:             KindIsGenesis,
	ErrNoPeer:                KindNoPeer,
	ErrTimeout:               KindTimeout,
	ErrClosed:                KindClosed,
	ErrCorruption:            KindCorruption,
}

// Of returns the Kind of err, walking the unwrap chain, or "" if err does
// not wrap one of the known sentinels.
func Of(err error) Kind {
	for sentinel, kind := range kindFor {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return ""
}
