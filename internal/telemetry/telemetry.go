// Package telemetry keeps the process-wide relay connection counters.
package telemetry

import (
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// Counters tracks relay connections since process start. Counters are not
// persisted; a restart resets them.
type Counters struct {
	total   atomic.Int64
	active  atomic.Int64
	started time.Time
	now     func() time.Time
}

// Snapshot is the JSON body served by the status endpoint.
type Snapshot struct {
	Active      int64  `json:"active"`
	Total       int64  `json:"total"`
	Uptime      int64  `json:"uptime"`
	UptimeHuman string `json:"uptime_human"`
}

// New returns counters whose uptime starts now.
func New() *Counters {
	return &Counters{started: time.Now(), now: time.Now}
}

// Begin records an accepted relay request and returns the function that ends
// it. The returned function decrements the active count on its first call
// only; later calls are no-ops.
func (c *Counters) Begin() (end func()) {
	c.total.Add(1)
	c.active.Add(1)

	var done atomic.Bool
	return func() {
		if !done.CompareAndSwap(false, true) {
			return
		}
		for {
			n := c.active.Load()
			if n <= 0 {
				return
			}
			if c.active.CompareAndSwap(n, n-1) {
				return
			}
		}
	}
}

// Active returns the number of relay requests in progress.
func (c *Counters) Active() int64 { return c.active.Load() }

// Total returns the number of relay requests accepted since start.
func (c *Counters) Total() int64 { return c.total.Load() }

// Snapshot reads the counters. Active is read before total so that a
// concurrent Begin can never make active exceed total in the result.
func (c *Counters) Snapshot() Snapshot {
	active := c.active.Load()
	total := c.total.Load()
	return Snapshot{
		Active:      active,
		Total:       total,
		Uptime:      int64(c.now().Sub(c.started) / time.Second),
		UptimeHuman: humanize.RelTime(c.started, c.now(), "ago", "from now"),
	}
}
