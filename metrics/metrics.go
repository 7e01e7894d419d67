// Package metrics collects per-request optimizer records into a ring buffer
// for live queries and a pending buffer flushed to date-partitioned JSONL.
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	slimclaw "github.com/slimclaw/slimclaw"
)

// OptimizerMetrics is the flat per-request record. It is also the on-disk
// JSONL line format, so field names are part of the contract. Post-response
// numerics are pointers: unknown values serialize as explicit null.
type OptimizerMetrics struct {
	RequestId  string        `json:"requestId"`
	Timestamp  time.Time     `json:"timestamp"`
	SessionKey string        `json:"sessionKey,omitempty"`
	AgentId    string        `json:"agentId,omitempty"`
	Mode       slimclaw.Mode `json:"mode"`

	OriginalMessageCount  int  `json:"originalMessageCount"`
	WindowedMessageCount  int  `json:"windowedMessageCount"`
	TrimmedMessageCount   int  `json:"trimmedMessageCount"`
	OriginalTokenEstimate int  `json:"originalTokenEstimate"`
	WindowedTokenEstimate int  `json:"windowedTokenEstimate"`
	WindowingApplied      bool `json:"windowingApplied"`

	ClassifiedTier           slimclaw.Tier `json:"classifiedTier,omitempty"`
	ClassificationConfidence *float64      `json:"classificationConfidence"`

	OriginalModel  string `json:"originalModel,omitempty"`
	TargetModel    string `json:"targetModel,omitempty"`
	RoutingReason  string `json:"routingReason,omitempty"`
	RoutingApplied bool   `json:"routingApplied"`

	CacheBreakpointsInjected int `json:"cacheBreakpointsInjected"`

	ActualInputTokens  *int     `json:"actualInputTokens"`
	ActualOutputTokens *int     `json:"actualOutputTokens"`
	CacheReadTokens    *int     `json:"cacheReadTokens"`
	CacheWriteTokens   *int     `json:"cacheWriteTokens"`
	LatencyMs          *float64 `json:"latencyMs"`

	TokensSaved        int     `json:"tokensSaved"`
	EstimatedCostSaved float64 `json:"estimatedCostSaved"`
}

// Sink receives drained batches; the JSONL reporter is the production
// implementation.
type Sink interface {
	WriteMetrics(batch []OptimizerMetrics) error
}

// CollectorOptions configures the collector.
type CollectorOptions struct {
	Enabled bool `yaml:"enabled"`

	// Live-query ring capacity.
	RingSize int `yaml:"ring_buffer_size"`

	// Pending records that trigger a flush.
	FlushThreshold int `yaml:"flush_threshold"`

	// Period of the background safety flush for low-traffic periods.
	FlushInterval time.Duration `yaml:"flush_interval"`
}

const (
	DefaultRingSize       = 1000
	DefaultFlushThreshold = 10
	DefaultFlushInterval  = 10 * time.Second
)

// Stats is the live aggregate over the ring contents.
type Stats struct {
	TotalRequests            int                    `json:"total_requests"`
	TotalTokensSaved         int                    `json:"total_tokens_saved"`
	AvgTokensSavedPerRequest float64                `json:"avg_tokens_saved_per_request"`
	WindowingUsagePercent    float64                `json:"windowing_usage_percent"`
	CachingUsagePercent      float64                `json:"caching_usage_percent"`
	RoutingUsagePercent      float64                `json:"routing_usage_percent"`
	TierDistribution         map[slimclaw.Tier]int  `json:"tier_distribution"`
	RoutingReasons           map[string]int         `json:"routing_reasons"`
	AvgLatencyMs             float64                `json:"avg_latency_ms"`
	TotalCostSaved           float64                `json:"total_cost_saved"`
}

type Collector struct {
	opts   CollectorOptions
	logger *zap.SugaredLogger
	clock  clock.Clock
	sink   Sink

	mu      sync.Mutex
	ring    []OptimizerMetrics
	next    int
	full    bool
	pending []OptimizerMetrics
}

func NewCollector(opts CollectorOptions, sink Sink, logger *zap.SugaredLogger) *Collector {
	return newCollectorWithClock(opts, sink, logger, clock.New())
}

func newCollectorWithClock(opts CollectorOptions, sink Sink, logger *zap.SugaredLogger, clk clock.Clock) *Collector {
	if opts.RingSize <= 0 {
		opts.RingSize = DefaultRingSize
	}
	if opts.FlushThreshold <= 0 {
		opts.FlushThreshold = DefaultFlushThreshold
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	return &Collector{
		opts:   opts,
		logger: logger,
		clock:  clk,
		sink:   sink,
		ring:   make([]OptimizerMetrics, opts.RingSize),
	}
}

// Record appends the metrics to the ring and the pending buffer. Crossing
// the flush threshold triggers an asynchronous flush.
func (c *Collector) Record(m OptimizerMetrics) {
	if !c.opts.Enabled {
		return
	}

	c.mu.Lock()
	c.ring[c.next] = m
	c.next++
	if c.next == len(c.ring) {
		c.next = 0
		c.full = true
	}
	c.pending = append(c.pending, m)
	shouldFlush := len(c.pending) >= c.opts.FlushThreshold
	c.mu.Unlock()

	if shouldFlush {
		go c.Flush()
	}
}

// Flush drains the pending buffer into the sink. On sink failure the most
// recent entries, up to one threshold's worth, are re-queued for retry.
func (c *Collector) Flush() {
	c.mu.Lock()
	batch := c.pending
	c.pending = nil
	c.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	if err := c.sink.WriteMetrics(batch); err != nil {
		c.logger.Errorw("Metrics flush failed, re-queueing recent entries", "error", err, "batch_size", len(batch))
		if len(batch) > c.opts.FlushThreshold {
			batch = batch[len(batch)-c.opts.FlushThreshold:]
		}
		c.mu.Lock()
		c.pending = append(batch, c.pending...)
		c.mu.Unlock()
	}
}

// Start runs the periodic safety flush until the context is cancelled, then
// flushes one final time.
func (c *Collector) Start(ctx context.Context) {
	go func() {
		ticker := c.clock.Ticker(c.opts.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				c.Flush()
				return
			case <-ticker.C:
				c.Flush()
			}
		}
	}()
}

// GetAll returns the ring contents, oldest first. After wraparound these are
// exactly the most recent RingSize records in insertion order.
func (c *Collector) GetAll() []OptimizerMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.full {
		return append([]OptimizerMetrics(nil), c.ring[:c.next]...)
	}
	entries := make([]OptimizerMetrics, 0, len(c.ring))
	entries = append(entries, c.ring[c.next:]...)
	return append(entries, c.ring[:c.next]...)
}

// GetStats aggregates over the current ring contents.
func (c *Collector) GetStats() Stats {
	entries := c.GetAll()

	stats := Stats{
		TierDistribution: make(map[slimclaw.Tier]int),
		RoutingReasons:   make(map[string]int),
	}
	if len(entries) == 0 {
		return stats
	}

	windowed, cached, routed := 0, 0, 0
	latencySum, latencyCount := 0.0, 0
	for _, entry := range entries {
		stats.TotalRequests++
		stats.TotalTokensSaved += entry.TokensSaved
		stats.TotalCostSaved += entry.EstimatedCostSaved
		if entry.WindowingApplied {
			windowed++
		}
		if entry.CacheBreakpointsInjected > 0 {
			cached++
		}
		if entry.RoutingApplied {
			routed++
		}
		if entry.ClassifiedTier != "" {
			stats.TierDistribution[entry.ClassifiedTier]++
		}
		if entry.RoutingReason != "" {
			stats.RoutingReasons[entry.RoutingReason]++
		}
		if entry.LatencyMs != nil {
			latencySum += *entry.LatencyMs
			latencyCount++
		}
	}

	total := float64(stats.TotalRequests)
	stats.AvgTokensSavedPerRequest = float64(stats.TotalTokensSaved) / total
	stats.WindowingUsagePercent = float64(windowed) / total * 100
	stats.CachingUsagePercent = float64(cached) / total * 100
	stats.RoutingUsagePercent = float64(routed) / total * 100
	if latencyCount > 0 {
		stats.AvgLatencyMs = latencySum / float64(latencyCount)
	}
	return stats
}
