// Package latency keeps a bounded window of per-model latency samples and
// derives percentile statistics from it.
package latency

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Options configures the tracker.
type Options struct {
	Enabled bool `yaml:"enabled"`

	// Samples kept per model; older samples are overwritten.
	WindowSize int `yaml:"buffer_size"`

	// Samples above this are treated as outliers and dropped.
	OutlierThresholdMs float64 `yaml:"outlier_threshold_ms"`
}

const (
	DefaultWindowSize         = 100
	MaxWindowSize             = 100
	DefaultOutlierThresholdMs = 60000
)

// Measurement is a single observed request latency.
type Measurement struct {
	LatencyMs    float64
	OutputTokens int
	RecordedAt   time.Time
}

// Stats summarizes the current window for one model.
type Stats struct {
	P50             float64 `json:"p50"`
	P95             float64 `json:"p95"`
	Avg             float64 `json:"avg"`
	Min             float64 `json:"min"`
	Max             float64 `json:"max"`
	Count           int     `json:"count"`
	TokensPerSecond float64 `json:"tokens_per_second"`
}

// Tracker records per-model latencies into fixed-size circular windows.
type Tracker struct {
	opts   Options
	logger *zap.SugaredLogger
	clock  clock.Clock

	mu      sync.RWMutex
	windows map[string]*window
}

type window struct {
	samples []Measurement
	next    int
	full    bool
}

func NewTracker(opts Options, logger *zap.SugaredLogger) *Tracker {
	return newTrackerWithClock(opts, logger, clock.New())
}

func newTrackerWithClock(opts Options, logger *zap.SugaredLogger, clk clock.Clock) *Tracker {
	if opts.WindowSize <= 0 {
		opts.WindowSize = DefaultWindowSize
	}
	if opts.WindowSize > MaxWindowSize {
		logger.Warnw("Capping latency buffer size", "configured", opts.WindowSize, "max", MaxWindowSize)
		opts.WindowSize = MaxWindowSize
	}
	if opts.OutlierThresholdMs <= 0 {
		opts.OutlierThresholdMs = DefaultOutlierThresholdMs
	}
	return &Tracker{
		opts:    opts,
		logger:  logger,
		clock:   clk,
		windows: make(map[string]*window),
	}
}

// RecordLatency adds one sample for the model. Non-finite, negative, and
// outlier values are dropped.
func (t *Tracker) RecordLatency(model string, latencyMs float64, outputTokens int) {
	if !t.opts.Enabled {
		return
	}
	if math.IsNaN(latencyMs) || math.IsInf(latencyMs, 0) || latencyMs < 0 {
		return
	}
	if latencyMs > t.opts.OutlierThresholdMs {
		t.logger.Debugw("Dropping latency outlier", "model", model, "latency_ms", latencyMs)
		return
	}

	sample := Measurement{LatencyMs: latencyMs, OutputTokens: outputTokens, RecordedAt: t.clock.Now()}

	t.mu.Lock()
	defer t.mu.Unlock()

	win, ok := t.windows[model]
	if !ok {
		win = &window{samples: make([]Measurement, t.opts.WindowSize)}
		t.windows[model] = win
	}
	win.samples[win.next] = sample
	win.next++
	if win.next == len(win.samples) {
		win.next = 0
		win.full = true
	}
}

// GetLatencyStats summarizes the model's window. The second return value is
// false when no samples have been recorded.
func (t *Tracker) GetLatencyStats(model string) (Stats, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	win, ok := t.windows[model]
	if !ok {
		return Stats{}, false
	}

	samples := win.samples[:win.next]
	if win.full {
		samples = win.samples
	}
	if len(samples) == 0 {
		return Stats{}, false
	}

	latencies := make([]float64, len(samples))
	sum := 0.0
	for i, sample := range samples {
		latencies[i] = sample.LatencyMs
		sum += sample.LatencyMs
	}
	sort.Float64s(latencies)

	stats := Stats{
		P50:             percentile(latencies, 50),
		P95:             percentile(latencies, 95),
		Avg:             sum / float64(len(latencies)),
		Min:             latencies[0],
		Max:             latencies[len(latencies)-1],
		Count:           len(latencies),
		TokensPerSecond: tokensPerSecond(samples),
	}
	return stats, true
}

// Models lists the models with at least one recorded sample.
func (t *Tracker) Models() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	models := make([]string, 0, len(t.windows))
	for model := range t.windows {
		models = append(models, model)
	}
	sort.Strings(models)
	return models
}

// percentile uses the nearest-rank method on an ascending-sorted slice:
// sorted[ceil(p/100*n) - 1]. For one sample every percentile is that sample;
// for five samples p50 is the median and p95 the max; for ten samples p50 is
// the 5th value and p95 the 10th.
func percentile(sorted []float64, p float64) float64 {
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}

// tokensPerSecond averages the per-sample throughput over samples that carry
// output tokens. A zero-latency sample with tokens yields +Inf.
func tokensPerSecond(samples []Measurement) float64 {
	sum := 0.0
	counted := 0
	for _, sample := range samples {
		if sample.OutputTokens <= 0 {
			continue
		}
		sum += float64(sample.OutputTokens) / (sample.LatencyMs / 1000)
		counted++
	}
	if counted == 0 {
		return 0
	}
	return sum / float64(counted)
}
