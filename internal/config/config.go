// Package config holds the clone's configuration surface: plain
// exported-field structs validated once at open time, with no
// environment or flag parsing inside the core itself.
package config

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jabolina/meldcore/internal/merr"
)

// defaultNetworkTimeout is the upper bound on request/reply waits when
// the caller does not override it.
const defaultNetworkTimeout = 5 * time.Second

// Context carries the JSON-LD context defaults a clone applies when
// compacting subject graphs for the wire.
type Context struct {
	Base  string
	Vocab string
}

// Clone is the configuration for one clone's engine, journal, dataset
// and remotes binding.
type Clone struct {
	// ID is the local clone identity, unique per domain and stable
	// across restarts for a persistent clone.
	ID string

	// Domain is the domain name; must equal the stored domain if the
	// dataset is non-empty.
	Domain string

	// Context holds @base/@vocab defaults, derived from Domain if zero.
	Context Context

	// Genesis is true iff this clone bootstraps a new domain.
	Genesis bool

	// NetworkTimeout bounds request/reply waits against remotes. Zero
	// means defaultNetworkTimeout.
	NetworkTimeout time.Duration

	// MaxOperationSize caps the encoded size of a single operation, in
	// bytes. Zero means unbounded.
	MaxOperationSize int

	// LogLevel is the logrus level name clones start at ("info",
	// "debug", "warn", "error").
	LogLevel string
}

// Validate checks the required fields and fills in defaults, returning
// the normalised configuration.
func (c Clone) Validate() (Clone, error) {
	if c.ID == "" {
		return Clone{}, fmt.Errorf("config: @id is required: %w", merr.ErrBadUpdate)
	}
	if c.Domain == "" {
		return Clone{}, fmt.Errorf("config: @domain is required: %w", merr.ErrBadUpdate)
	}
	if c.Context.Base == "" {
		c.Context.Base = c.Domain
	}
	if c.Context.Vocab == "" {
		c.Context.Vocab = c.Domain
	}
	if c.NetworkTimeout <= 0 {
		c.NetworkTimeout = defaultNetworkTimeout
	}
	if c.LogLevel == "" {
		c.LogLevel = logrus.InfoLevel.String()
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return Clone{}, fmt.Errorf("config: logLevel %q: %v: %w", c.LogLevel, err, merr.ErrBadUpdate)
	}
	return c, nil
}
