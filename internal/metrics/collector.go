// Package metrics renders gateway counters in the Prometheus text
// exposition format. Collectors are plain values passed to whoever needs
// them; there is no process-wide registry.
package metrics

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type Collector struct {
	prefix     string
	counters   sync.Map // key -> *Counter
	gauges     sync.Map // key -> *Gauge
	histograms sync.Map // key -> *Histogram
	startTime  time.Time
}

// NewCollector creates a collector whose metric names start with prefix.
func NewCollector(prefix string) *Collector {
	return &Collector{prefix: prefix, startTime: time.Now()}
}

func (c *Collector) Uptime() time.Duration { return time.Since(c.startTime) }

type Counter struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

func (c *Counter) Inc()         { c.value.Add(1) }
func (c *Counter) Value() int64 { return c.value.Load() }

type Gauge struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

func (g *Gauge) Set(v int64)  { g.value.Store(v) }
func (g *Gauge) Inc()         { g.value.Add(1) }
func (g *Gauge) Dec()         { g.value.Add(-1) }
func (g *Gauge) Value() int64 { return g.value.Load() }

type Histogram struct {
	name    string
	help    string
	labels  string
	mu      sync.Mutex
	count   int64
	sum     float64
	buckets []histBucket
}

type histBucket struct {
	le    float64
	count int64
}

func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i := range h.buckets {
		if v <= h.buckets[i].le {
			h.buckets[i].count++
		}
	}
}

// Labels renders key/value pairs as a Prometheus label set, sorted by key.
func Labels(kv ...string) string {
	if len(kv)%2 != 0 {
		kv = append(kv, "")
	}
	pairs := make([]string, 0, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		v := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`).Replace(kv[i+1])
		pairs = append(pairs, fmt.Sprintf(`%s="%s"`, kv[i], v))
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ",")
}

func (c *Collector) Counter(name, help, labels string) *Counter {
	name = c.prefix + name
	key := name + "{" + labels + "}"
	if v, ok := c.counters.Load(key); ok {
		return v.(*Counter)
	}
	actual, _ := c.counters.LoadOrStore(key, &Counter{name: name, help: help, labels: labels})
	return actual.(*Counter)
}

func (c *Collector) Gauge(name, help, labels string) *Gauge {
	name = c.prefix + name
	key := name + "{" + labels + "}"
	if v, ok := c.gauges.Load(key); ok {
		return v.(*Gauge)
	}
	actual, _ := c.gauges.LoadOrStore(key, &Gauge{name: name, help: help, labels: labels})
	return actual.(*Gauge)
}

func (c *Collector) Histogram(name, help, labels string, buckets []float64) *Histogram {
	name = c.prefix + name
	key := name + "{" + labels + "}"
	if v, ok := c.histograms.Load(key); ok {
		return v.(*Histogram)
	}
	sorted := append([]float64(nil), buckets...)
	sort.Float64s(sorted)
	hb := make([]histBucket, len(sorted))
	for i, b := range sorted {
		hb[i] = histBucket{le: b}
	}
	actual, _ := c.histograms.LoadOrStore(key, &Histogram{name: name, help: help, labels: labels, buckets: hb})
	return actual.(*Histogram)
}

type sample struct {
	name, help, labels, kind string
	render                   func(sb *strings.Builder)
}

// Render writes every metric, grouped by name in a stable order.
func (c *Collector) Render() string {
	var samples []sample
	c.counters.Range(func(_, value any) bool {
		ctr := value.(*Counter)
		samples = append(samples, sample{ctr.name, ctr.help, ctr.labels, "counter", func(sb *strings.Builder) {
			writeValue(sb, ctr.name, ctr.labels, fmt.Sprint(ctr.Value()))
		}})
		return true
	})
	c.gauges.Range(func(_, value any) bool {
		g := value.(*Gauge)
		samples = append(samples, sample{g.name, g.help, g.labels, "gauge", func(sb *strings.Builder) {
			writeValue(sb, g.name, g.labels, fmt.Sprint(g.Value()))
		}})
		return true
	})
	c.histograms.Range(func(_, value any) bool {
		h := value.(*Histogram)
		samples = append(samples, sample{h.name, h.help, h.labels, "histogram", h.render})
		return true
	})
	sort.Slice(samples, func(i, j int) bool {
		if samples[i].name != samples[j].name {
			return samples[i].name < samples[j].name
		}
		return samples[i].labels < samples[j].labels
	})

	var sb strings.Builder
	uptime := c.prefix + "uptime_seconds"
	fmt.Fprintf(&sb, "# HELP %s Time since start in seconds\n# TYPE %s gauge\n%s %d\n", uptime, uptime, uptime, int64(c.Uptime().Seconds()))

	last := ""
	for _, s := range samples {
		if s.name != last {
			fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s %s\n", s.name, s.help, s.name, s.kind)
			last = s.name
		}
		s.render(&sb)
	}
	return sb.String()
}

func writeValue(sb *strings.Builder, name, labels, value string) {
	if labels != "" {
		fmt.Fprintf(sb, "%s{%s} %s\n", name, labels, value)
		return
	}
	fmt.Fprintf(sb, "%s %s\n", name, value)
}

func (h *Histogram) render(sb *strings.Builder) {
	h.mu.Lock()
	defer h.mu.Unlock()
	prefix := h.name + "_bucket{"
	if h.labels != "" {
		prefix += h.labels + ","
	}
	for _, b := range h.buckets {
		le := fmt.Sprintf("%g", b.le)
		if math.IsInf(b.le, 1) {
			le = "+Inf"
		}
		fmt.Fprintf(sb, "%sle=\"%s\"} %d\n", prefix, le, b.count)
	}
	if !hasInf(h.buckets) {
		fmt.Fprintf(sb, "%sle=\"+Inf\"} %d\n", prefix, h.count)
	}
	writeValue(sb, h.name+"_count", h.labels, fmt.Sprint(h.count))
	writeValue(sb, h.name+"_sum", h.labels, fmt.Sprintf("%f", h.sum))
}

func hasInf(b []histBucket) bool {
	return len(b) > 0 && math.IsInf(b[len(b)-1].le, 1)
}

// Handler serves Render as text/plain.
func (c *Collector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		fmt.Fprint(w, c.Render())
	}
}
