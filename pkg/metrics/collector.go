package metrics

import (
	"time"

	"github.com/cuemby/converge/pkg/storage"
	"github.com/cuemby/converge/pkg/types"
)

// Collector periodically samples graph sizes from the store
type Collector struct {
	store    storage.Store
	reg      *types.Registry
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(store storage.Store, reg *types.Registry) *Collector {
	return &Collector{
		store:    store,
		reg:      reg,
		interval: 15 * time.Second,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.Collect()

		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect samples the store once
func (c *Collector) Collect() {
	c.collectResourceMetrics()
	c.collectLinkMetrics()
}

func (c *Collector) collectResourceMetrics() {
	for _, t := range c.reg.Types() {
		resources, err := c.store.List(t)
		if err != nil {
			continue
		}
		ResourcesTotal.WithLabelValues(t).Set(float64(len(resources)))
	}
}

func (c *Collector) collectLinkMetrics() {
	links, err := c.store.Links("", "", "")
	if err != nil {
		return
	}

	counts := make(map[string]int)
	for _, l := range links {
		counts[l.Type]++
	}

	LinksTotal.Reset()
	for linkType, count := range counts {
		LinksTotal.WithLabelValues(linkType).Set(float64(count))
	}
}
