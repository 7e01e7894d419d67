package pricing

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// Options configures the dynamic pricing cache.
type Options struct {
	Enabled bool

	// Models endpoint; defaults to the OpenRouter catalog.
	ApiUrl string

	// Entries older than this trigger a background refresh.
	Ttl time.Duration

	// Timeout for a single refresh fetch.
	Timeout time.Duration

	// When true, models without a dynamic entry fall back to the hardcoded
	// table instead of DefaultPricing.
	FallbackToHardcoded bool

	// Only models whose id prefix (before the first "/") is in this set are
	// accepted from the remote catalog.
	RelevantProviders []string
}

const DefaultApiUrl = "https://openrouter.ai/api/v1/models"

var defaultRelevantProviders = []string{
	"anthropic", "openai", "google", "meta-llama", "deepseek", "qwen", "mistralai",
}

// Cache is the process-wide model → pricing table. GetPricing never blocks on
// the network and never fails: it serves fresh data, then stale data, then
// the hardcoded fallback, in that order.
type Cache struct {
	opts   Options
	logger *zap.SugaredLogger
	clock  clock.Clock
	client *http.Client

	mu        sync.RWMutex
	prices    map[string]ModelPricing
	lastFetch time.Time
	fetching  bool
	lastError error
}

func NewCache(opts Options, logger *zap.SugaredLogger) *Cache {
	return newCacheWithClock(opts, logger, clock.New())
}

func newCacheWithClock(opts Options, logger *zap.SugaredLogger, clk clock.Clock) *Cache {
	if opts.ApiUrl == "" {
		opts.ApiUrl = DefaultApiUrl
	}
	if opts.Ttl <= 0 {
		opts.Ttl = 6 * time.Hour
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if len(opts.RelevantProviders) == 0 {
		opts.RelevantProviders = defaultRelevantProviders
	}
	return &Cache{
		opts:   opts,
		logger: logger,
		clock:  clk,
		client: &http.Client{Timeout: opts.Timeout},
		prices: make(map[string]ModelPricing),
	}
}

// GetPricing returns the best available pricing for the model. A stale cache
// entry triggers at most one background refresh; the caller is served the
// stale entry meanwhile.
func (c *Cache) GetPricing(model string) ModelPricing {
	if !c.opts.Enabled {
		return c.fallback(model)
	}

	now := c.clock.Now()

	c.mu.RLock()
	entry, cached := c.prices[model]
	fresh := cached && now.Sub(entry.FetchedAt) <= c.opts.Ttl
	stale := c.lastFetch.IsZero() || now.Sub(c.lastFetch) > c.opts.Ttl
	c.mu.RUnlock()

	if fresh {
		return entry
	}

	if stale {
		c.triggerRefresh()
	}

	if cached {
		return entry
	}
	return c.fallback(model)
}

// LastError reports the most recent refresh failure, for diagnostics only.
func (c *Cache) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastError
}

func (c *Cache) fallback(model string) ModelPricing {
	if c.opts.FallbackToHardcoded || !c.opts.Enabled {
		return HardcodedPricing(model)
	}
	return DefaultPricing
}

// triggerRefresh starts a background refresh unless one is already running.
func (c *Cache) triggerRefresh() {
	c.mu.Lock()
	if c.fetching {
		c.mu.Unlock()
		return
	}
	c.fetching = true
	c.mu.Unlock()

	go c.refresh()
}

// catalogResponse is the OpenRouter models payload. Prices arrive as decimal
// strings per token.
type catalogResponse struct {
	Data []catalogModel `json:"data"`
}

type catalogModel struct {
	Id      string         `json:"id"`
	Pricing catalogPricing `json:"pricing"`
}

type catalogPricing struct {
	Prompt     string `json:"prompt"`
	Completion string `json:"completion"`
}

// refresh fetches the remote catalog and merges accepted entries. It records
// failures instead of surfacing them; the cache keeps its prior state.
func (c *Cache) refresh() {
	err := c.doRefresh()

	c.mu.Lock()
	c.fetching = false
	c.lastError = err
	c.mu.Unlock()

	if err != nil {
		c.logger.Warnw("Pricing refresh failed, keeping cached prices", "error", err)
	}
}

func (c *Cache) doRefresh() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.Timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.ApiUrl, nil)
	if err != nil {
		return fmt.Errorf("failed to build pricing request: %v", err)
	}

	response, err := c.client.Do(request)
	if err != nil {
		return fmt.Errorf("failed to fetch pricing: %v", err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return fmt.Errorf("pricing endpoint returned HTTP %d", response.StatusCode)
	}

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return fmt.Errorf("failed to read pricing response: %v", err)
	}

	var catalog catalogResponse
	if err := json.Unmarshal(body, &catalog); err != nil {
		return fmt.Errorf("failed to parse pricing response: %v", err)
	}

	now := c.clock.Now()
	accepted := 0

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, model := range catalog.Data {
		if !c.relevant(model.Id) {
			continue
		}
		input, err := strconv.ParseFloat(model.Pricing.Prompt, 64)
		if err != nil {
			continue
		}
		output, err := strconv.ParseFloat(model.Pricing.Completion, 64)
		if err != nil {
			continue
		}
		// Remote prices are per token; the table stores per 1k.
		input *= 1000
		output *= 1000
		if input <= 0 || output <= 0 {
			continue
		}
		c.prices[model.Id] = ModelPricing{InputPer1K: input, OutputPer1K: output, FetchedAt: now}
		accepted++
	}

	c.lastFetch = now
	c.logger.Infow("Refreshed model pricing", "accepted", accepted, "catalog_size", len(catalog.Data))
	return nil
}

func (c *Cache) relevant(modelId string) bool {
	prefix, _, found := strings.Cut(modelId, "/")
	if !found {
		return false
	}
	for _, provider := range c.opts.RelevantProviders {
		if prefix == provider {
			return true
		}
	}
	return false
}
