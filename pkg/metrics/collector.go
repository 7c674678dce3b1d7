package metrics

import (
	"time"

	"github.com/cuemby/txproc/pkg/nucleus"
)

// Collector periodically samples every queue's pool.Status into the
// package's gauges, the same poll-on-a-ticker shape as the rest of the
// ambient stack's periodic work.
type Collector struct {
	n      *nucleus.Nucleus
	stopCh chan struct{}
}

// NewCollector creates a metrics collector bound to n.
func NewCollector(n *nucleus.Nucleus) *Collector {
	return &Collector{
		n:      n,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics on a 15-second cadence.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	for name, p := range c.n.Pools() {
		s := p.Status()
		QueueDepth.WithLabelValues(name).Set(float64(s.QueueCount))
		WorkerCount.WithLabelValues(name, "idle").Set(float64(s.IdleCount))
		WorkerCount.WithLabelValues(name, "busy").Set(float64(s.WorkerCount - s.IdleCount))
	}
}
