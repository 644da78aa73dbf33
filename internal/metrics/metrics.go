// Package metrics wraps the counters the engine tracks over the host's
// stats hostcalls (proxy_define_metric/proxy_increment_metric).
package metrics

import (
	"fmt"

	"github.com/kuadrant/wasm-policy-shim/internal/host"
)

const (
	nameConfigs = "configs"
	nameHits    = "hits"
	nameMisses  = "misses"
	nameAllowed = "allowed"
	nameDenied  = "denied"
	nameErrors  = "errors"
)

var allCounters = []string{nameConfigs, nameHits, nameMisses, nameAllowed, nameDenied, nameErrors}

// Counters is the live counter set for one VM lifetime (defined once at
// on_configure, incremented from many per-request executors).
type Counters struct {
	h   host.Host
	ids map[string]uint32
}

// New defines all six counters against h.
func New(h host.Host) (*Counters, error) {
	c := &Counters{h: h, ids: make(map[string]uint32, len(allCounters))}
	for _, name := range allCounters {
		id, err := h.DefineCounterMetric(name)
		if err != nil {
			return nil, fmt.Errorf("metrics: define %q: %w", name, err)
		}
		c.ids[name] = id
	}
	return c, nil
}

func (c *Counters) inc(name string) {
	id, ok := c.ids[name]
	if !ok {
		return
	}
	_ = c.h.IncrementMetric(id, 1)
}

// IncConfigs counts a successful plugin configuration load.
func (c *Counters) IncConfigs() { c.inc(nameConfigs) }

// IncHits counts a request that matched at least one action set.
func (c *Counters) IncHits() { c.inc(nameHits) }

// IncMisses counts a request that matched none.
func (c *Counters) IncMisses() { c.inc(nameMisses) }

// IncAllowed counts a request concluded with Continue.
func (c *Counters) IncAllowed() { c.inc(nameAllowed) }

// IncDenied counts a request concluded with DirectResponse.
func (c *Counters) IncDenied() { c.inc(nameDenied) }

// IncErrors counts a HandleFailure invocation, regardless of failure_mode outcome.
func (c *Counters) IncErrors() { c.inc(nameErrors) }
