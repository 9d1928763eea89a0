package metrics

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/prometheus/common/model"

	apperrors "github.com/metricsd/metricsd/pkg/errors"
)

// Registry owns every counter, gauge, and histogram instrument and
// serializes them into the Prometheus text exposition format. Instruments
// are registered once and live for the process lifetime; series are created
// lazily on first use of a label tuple.
type Registry struct {
	mu          sync.RWMutex
	instruments map[string]instrument
}

// instrument is the common interface of Counter, Gauge and Histogram.
type instrument interface {
	metricName() string
	writeExposition(w io.Writer) error
}

// NewRegistry creates an empty metric registry.
func NewRegistry() *Registry {
	return &Registry{
		instruments: make(map[string]instrument),
	}
}

// register adds an instrument after validating its name and labels.
func (r *Registry) register(name, help string, labelNames []string, build func() instrument) (instrument, error) {
	if !model.IsValidMetricName(model.LabelValue(name)) {
		return nil, apperrors.Newf(apperrors.ErrCodeInvalidMetricName, "invalid metric name %q", name)
	}
	for _, ln := range labelNames {
		if !model.LabelName(ln).IsValid() {
			return nil, apperrors.Newf(apperrors.ErrCodeInvalidMetricName, "metric %s: invalid label name %q", name, ln)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.instruments[name]; exists {
		return nil, apperrors.Newf(apperrors.ErrCodeInvalidMetricName, "metric %s already registered", name)
	}

	inst := build()
	r.instruments[name] = inst
	return inst, nil
}

// NewCounter registers a monotonically increasing counter.
func (r *Registry) NewCounter(name, help string, labelNames ...string) (*Counter, error) {
	inst, err := r.register(name, help, labelNames, func() instrument {
		return &Counter{
			name:       name,
			help:       help,
			labelNames: labelNames,
			series:     make(map[string]*counterSeries),
		}
	})
	if err != nil {
		return nil, err
	}
	return inst.(*Counter), nil
}

// NewGauge registers a gauge that can be set to arbitrary values.
func (r *Registry) NewGauge(name, help string, labelNames ...string) (*Gauge, error) {
	inst, err := r.register(name, help, labelNames, func() instrument {
		return &Gauge{
			name:       name,
			help:       help,
			labelNames: labelNames,
			series:     make(map[string]*gaugeSeries),
		}
	})
	if err != nil {
		return nil, err
	}
	return inst.(*Gauge), nil
}

// NewHistogram registers a histogram with the given bucket upper bounds.
// Buckets must be strictly ascending; a trailing +Inf bucket is implicit
// and must not be passed in.
func (r *Registry) NewHistogram(name, help string, buckets []float64, labelNames ...string) (*Histogram, error) {
	if len(buckets) == 0 {
		return nil, apperrors.Newf(apperrors.ErrCodeInvalidBuckets, "metric %s: no buckets", name)
	}
	for i := 1; i < len(buckets); i++ {
		if buckets[i] <= buckets[i-1] {
			return nil, apperrors.Newf(apperrors.ErrCodeInvalidBuckets,
				"metric %s: buckets must be strictly ascending (%v <= %v)", name, buckets[i], buckets[i-1])
		}
	}
	if math.IsInf(buckets[len(buckets)-1], +1) {
		buckets = buckets[:len(buckets)-1]
	}

	bounds := make([]float64, len(buckets))
	copy(bounds, buckets)

	inst, err := r.register(name, help, labelNames, func() instrument {
		return &Histogram{
			name:       name,
			help:       help,
			labelNames: labelNames,
			bounds:     bounds,
			series:     make(map[string]*histogramSeries),
		}
	})
	if err != nil {
		return nil, err
	}
	return inst.(*Histogram), nil
}

// InstrumentNames returns the sorted names of all registered instruments.
func (r *Registry) InstrumentNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.instruments))
	for name := range r.instruments {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Write serializes every instrument into the Prometheus text exposition
// format. Output order is deterministic: instruments sorted by name, series
// sorted by label tuple. Write may run concurrently with metric updates;
// each series value read is atomic but no cross-series snapshot is taken.
func (r *Registry) Write(w io.Writer) error {
	r.mu.RLock()
	names := make([]string, 0, len(r.instruments))
	for name := range r.instruments {
		names = append(names, name)
	}
	insts := make([]instrument, 0, len(names))
	sort.Strings(names)
	for _, name := range names {
		insts = append(insts, r.instruments[name])
	}
	r.mu.RUnlock()

	for _, inst := range insts {
		if err := inst.writeExposition(w); err != nil {
			return err
		}
	}
	return nil
}

// Render returns the exposition text as a string.
func (r *Registry) Render() (string, error) {
	var sb strings.Builder
	if err := r.Write(&sb); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// Counter is a monotonically non-decreasing accumulator per label tuple.
type Counter struct {
	name       string
	help       string
	labelNames []string

	mu     sync.RWMutex
	series map[string]*counterSeries
}

type counterSeries struct {
	labelValues []string
	bits        uint64 // float64 value accessed atomically
}

// Inc increments the counter for the given label tuple by one.
func (c *Counter) Inc(labelValues ...string) error {
	return c.Add(1, labelValues...)
}

// Add increments the counter for the given label tuple by delta.
// Negative deltas are rejected; counters only go up.
func (c *Counter) Add(delta float64, labelValues ...string) error {
	if delta < 0 {
		return apperrors.Newf(apperrors.ErrCodeValidationFailed, "counter %s: negative delta %v", c.name, delta)
	}
	s, err := c.getOrCreate(labelValues)
	if err != nil {
		return err
	}
	atomicAddFloat(&s.bits, delta)
	return nil
}

// Value returns the current value for a label tuple, zero if the series
// does not exist yet.
func (c *Counter) Value(labelValues ...string) float64 {
	c.mu.RLock()
	s := c.series[seriesKey(labelValues)]
	c.mu.RUnlock()
	if s == nil {
		return 0
	}
	return math.Float64frombits(atomic.LoadUint64(&s.bits))
}

func (c *Counter) getOrCreate(labelValues []string) (*counterSeries, error) {
	if len(labelValues) != len(c.labelNames) {
		return nil, invalidLabelCount(c.name, len(labelValues), len(c.labelNames))
	}
	key := seriesKey(labelValues)

	c.mu.RLock()
	s, ok := c.series[key]
	c.mu.RUnlock()
	if ok {
		return s, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok = c.series[key]; ok {
		return s, nil
	}
	s = &counterSeries{labelValues: copyValues(labelValues)}
	c.series[key] = s
	return s, nil
}

func (c *Counter) metricName() string { return c.name }

func (c *Counter) writeExposition(w io.Writer) error {
	c.mu.RLock()
	keys := sortedKeys(c.series)
	lines := make([]string, 0, len(keys))
	for _, key := range keys {
		s := c.series[key]
		v := math.Float64frombits(atomic.LoadUint64(&s.bits))
		lines = append(lines, sampleLine(c.name, c.labelNames, s.labelValues, "", "", v))
	}
	c.mu.RUnlock()

	return writeFamily(w, c.name, c.help, "counter", lines)
}

// Gauge is an arbitrarily settable value per label tuple.
type Gauge struct {
	name       string
	help       string
	labelNames []string

	mu     sync.RWMutex
	series map[string]*gaugeSeries
}

type gaugeSeries struct {
	labelValues []string
	bits        uint64 // float64 value accessed atomically
}

// Set sets the gauge for the given label tuple to value.
func (g *Gauge) Set(value float64, labelValues ...string) error {
	s, err := g.getOrCreate(labelValues)
	if err != nil {
		return err
	}
	atomic.StoreUint64(&s.bits, math.Float64bits(value))
	return nil
}

// Inc increments the gauge for the given label tuple by one.
func (g *Gauge) Inc(labelValues ...string) error {
	return g.Add(1, labelValues...)
}

// Dec decrements the gauge for the given label tuple by one.
func (g *Gauge) Dec(labelValues ...string) error {
	return g.Add(-1, labelValues...)
}

// Add adds delta to the gauge for the given label tuple.
func (g *Gauge) Add(delta float64, labelValues ...string) error {
	s, err := g.getOrCreate(labelValues)
	if err != nil {
		return err
	}
	atomicAddFloat(&s.bits, delta)
	return nil
}

// Value returns the current value for a label tuple, zero if the series
// does not exist yet.
func (g *Gauge) Value(labelValues ...string) float64 {
	g.mu.RLock()
	s := g.series[seriesKey(labelValues)]
	g.mu.RUnlock()
	if s == nil {
		return 0
	}
	return math.Float64frombits(atomic.LoadUint64(&s.bits))
}

func (g *Gauge) getOrCreate(labelValues []string) (*gaugeSeries, error) {
	if len(labelValues) != len(g.labelNames) {
		return nil, invalidLabelCount(g.name, len(labelValues), len(g.labelNames))
	}
	key := seriesKey(labelValues)

	g.mu.RLock()
	s, ok := g.series[key]
	g.mu.RUnlock()
	if ok {
		return s, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok = g.series[key]; ok {
		return s, nil
	}
	s = &gaugeSeries{labelValues: copyValues(labelValues)}
	g.series[key] = s
	return s, nil
}

func (g *Gauge) metricName() string { return g.name }

func (g *Gauge) writeExposition(w io.Writer) error {
	g.mu.RLock()
	keys := sortedKeys(g.series)
	lines := make([]string, 0, len(keys))
	for _, key := range keys {
		s := g.series[key]
		v := math.Float64frombits(atomic.LoadUint64(&s.bits))
		lines = append(lines, sampleLine(g.name, g.labelNames, s.labelValues, "", "", v))
	}
	g.mu.RUnlock()

	return writeFamily(w, g.name, g.help, "gauge", lines)
}

// Histogram accumulates observations into fixed buckets per label tuple.
// Bucket counts use cumulative semantics: an observation increments every
// bucket whose upper bound is >= the observed value, plus the implicit
// +Inf bucket (the total count).
type Histogram struct {
	name       string
	help       string
	labelNames []string
	bounds     []float64

	mu     sync.RWMutex
	series map[string]*histogramSeries
}

type histogramSeries struct {
	labelValues []string

	// mu keeps counts, sum and count consistent as a unit.
	mu     sync.Mutex
	counts []uint64
	sum    float64
	count  uint64
}

// Observe records a single observation for the given label tuple.
func (h *Histogram) Observe(value float64, labelValues ...string) error {
	s, err := h.getOrCreate(labelValues)
	if err != nil {
		return err
	}

	s.mu.Lock()
	for i, bound := range h.bounds {
		if value <= bound {
			s.counts[i]++
		}
	}
	s.count++
	s.sum += value
	s.mu.Unlock()
	return nil
}

// Snapshot returns the cumulative bucket counts, sum and total count for a
// label tuple. The returned bucket slice has one entry per configured bound;
// the +Inf count equals the total count. Returns false if the series does
// not exist yet.
func (h *Histogram) Snapshot(labelValues ...string) (buckets []uint64, sum float64, count uint64, ok bool) {
	h.mu.RLock()
	s := h.series[seriesKey(labelValues)]
	h.mu.RUnlock()
	if s == nil {
		return nil, 0, 0, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	buckets = make([]uint64, len(s.counts))
	copy(buckets, s.counts)
	return buckets, s.sum, s.count, true
}

func (h *Histogram) getOrCreate(labelValues []string) (*histogramSeries, error) {
	if len(labelValues) != len(h.labelNames) {
		return nil, invalidLabelCount(h.name, len(labelValues), len(h.labelNames))
	}
	key := seriesKey(labelValues)

	h.mu.RLock()
	s, ok := h.series[key]
	h.mu.RUnlock()
	if ok {
		return s, nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok = h.series[key]; ok {
		return s, nil
	}
	s = &histogramSeries{
		labelValues: copyValues(labelValues),
		counts:      make([]uint64, len(h.bounds)),
	}
	h.series[key] = s
	return s, nil
}

func (h *Histogram) metricName() string { return h.name }

func (h *Histogram) writeExposition(w io.Writer) error {
	h.mu.RLock()
	keys := sortedKeys(h.series)
	lines := make([]string, 0, len(keys)*(len(h.bounds)+3))
	for _, key := range keys {
		s := h.series[key]

		s.mu.Lock()
		counts := make([]uint64, len(s.counts))
		copy(counts, s.counts)
		sum, count := s.sum, s.count
		s.mu.Unlock()

		for i, bound := range h.bounds {
			le := strconv.FormatFloat(bound, 'g', -1, 64)
			lines = append(lines, sampleLine(h.name+"_bucket", h.labelNames, s.labelValues, "le", le, float64(counts[i])))
		}
		lines = append(lines, sampleLine(h.name+"_bucket", h.labelNames, s.labelValues, "le", "+Inf", float64(count)))
		lines = append(lines, sampleLine(h.name+"_sum", h.labelNames, s.labelValues, "", "", sum))
		lines = append(lines, sampleLine(h.name+"_count", h.labelNames, s.labelValues, "", "", float64(count)))
	}
	h.mu.RUnlock()

	return writeFamily(w, h.name, h.help, "histogram", lines)
}

// Helpers

func invalidLabelCount(metric string, got, want int) error {
	return apperrors.Newf(apperrors.ErrCodeInvalidLabelCount,
		"metric %s: got %d label values, want %d", metric, got, want)
}

// atomicAddFloat adds delta to a float64 stored as uint64 bits using a CAS
// loop, so independent series never contend on a shared lock.
func atomicAddFloat(bits *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(bits)
		updated := math.Float64bits(math.Float64frombits(old) + delta)
		if atomic.CompareAndSwapUint64(bits, old, updated) {
			return
		}
	}
}

// seriesKey builds a map key from a label tuple. The separator cannot
// appear in valid UTF-8 label values.
func seriesKey(labelValues []string) string {
	return strings.Join(labelValues, "\xff")
}

func copyValues(values []string) []string {
	out := make([]string, len(values))
	copy(out, values)
	return out
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// sampleLine renders one exposition sample. extraName/extraValue carry the
// "le" label for histogram buckets.
func sampleLine(name string, labelNames, labelValues []string, extraName, extraValue string, value float64) string {
	var sb strings.Builder
	sb.WriteString(name)

	if len(labelNames) > 0 || extraName != "" {
		sb.WriteString("{")
		for i, ln := range labelNames {
			if i > 0 {
				sb.WriteString(",")
			}
			sb.WriteString(ln)
			sb.WriteString(`="`)
			sb.WriteString(escapeLabelValue(labelValues[i]))
			sb.WriteString(`"`)
		}
		if extraName != "" {
			if len(labelNames) > 0 {
				sb.WriteString(",")
			}
			sb.WriteString(extraName)
			sb.WriteString(`="`)
			sb.WriteString(escapeLabelValue(extraValue))
			sb.WriteString(`"`)
		}
		sb.WriteString("}")
	}

	sb.WriteString(" ")
	sb.WriteString(formatValue(value))
	return sb.String()
}

func writeFamily(w io.Writer, name, help, kind string, lines []string) error {
	if _, err := fmt.Fprintf(w, "# HELP %s %s\n", name, escapeHelp(help)); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "# TYPE %s %s\n", name, kind); err != nil {
		return err
	}
	for _, line := range lines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

func formatValue(v float64) string {
	if math.IsInf(v, +1) {
		return "+Inf"
	}
	if math.IsInf(v, -1) {
		return "-Inf"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

func escapeLabelValue(v string) string {
	return labelEscaper.Replace(v)
}

var helpEscaper = strings.NewReplacer(`\`, `\\`, "\n", `\n`)

func escapeHelp(h string) string {
	return helpEscaper.Replace(h)
}
