package qstats

import (
	"maps"
	"slices"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports the counters of registered sources as prometheus
// counters named <namespace>_<counter> with a "source" label. Sources may
// be added while the collector is registered.
type Collector struct {
	namespace string

	mu      sync.Mutex
	sources Sources
	descs   map[string]*prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

func NewCollector(namespace string) *Collector {
	return &Collector{
		namespace: namespace,
		sources:   make(Sources),
		descs:     make(map[string]*prometheus.Desc),
	}
}

// Add registers src under name, replacing any previous source of that name.
func (c *Collector) Add(name string, src Source) {
	c.mu.Lock()
	c.sources[name] = src
	c.mu.Unlock()
}

func (c *Collector) Remove(name string) {
	c.mu.Lock()
	delete(c.sources, name)
	c.mu.Unlock()
}

// Describe sends nothing, making the collector unchecked: the counter set
// depends on the sources added.
func (c *Collector) Describe(chan<- *prometheus.Desc) {}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, name := range slices.Sorted(maps.Keys(c.sources)) {
		for k, v := range c.sources[name].Counters() {
			ch <- prometheus.MustNewConstMetric(c.desc(k), prometheus.CounterValue, float64(v), name)
		}
	}
}

// desc must hold mu.
func (c *Collector) desc(counter string) *prometheus.Desc {
	d, ok := c.descs[counter]
	if !ok {
		d = prometheus.NewDesc(
			prometheus.BuildFQName(c.namespace, "", counter),
			"Data path counter "+counter+".",
			[]string{"source"}, nil,
		)
		c.descs[counter] = d
	}
	return d
}
