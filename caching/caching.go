// Package caching injects provider cache-reuse hints into long prefix
// content. A message carrying cache_control={type: ephemeral} tells the
// provider that the prefix up to and including that message is cacheable.
package caching

import (
	"go.uber.org/zap"

	"github.com/slimclaw/slimclaw/openai"
)

// Providers accept at most this many breakpoints per request.
const MaxBreakpointsPerRequest = 4

// Options controls breakpoint placement.
type Options struct {
	// Minimum flattened text length for a message to receive a breakpoint.
	MinContentLength int
}

// Stats reports what an injection pass did.
type Stats struct {
	EligibleMessages    int
	BreakpointsInjected int
}

type Injector struct {
	logger *zap.SugaredLogger
}

func NewInjector(logger *zap.SugaredLogger) *Injector {
	return &Injector{logger: logger}
}

// Inject returns a new message sequence with breakpoints added to eligible
// messages, capped at MaxBreakpointsPerRequest. The input is not mutated.
// Injection is idempotent: running it on its own output changes nothing.
func (in *Injector) Inject(messages []openai.Message, opts Options) ([]openai.Message, Stats) {
	result := make([]openai.Message, len(messages))
	stats := Stats{}

	// The provider limit applies to breakpoints present in the request, so
	// markers carried in from a previous pass count against the cap. That is
	// what makes injection idempotent.
	total := 0
	for i := range messages {
		if messages[i].CacheControl != nil {
			total++
		}
	}

	for i := range messages {
		result[i] = messages[i].Clone()
		if !eligible(&messages[i], opts.MinContentLength) {
			continue
		}
		stats.EligibleMessages++
		if total >= MaxBreakpointsPerRequest {
			continue
		}
		result[i].CacheControl = &openai.CacheControl{Type: openai.CacheControlEphemeral}
		stats.BreakpointsInjected++
		total++
	}

	if stats.BreakpointsInjected > 0 {
		in.logger.Debugw("Injected cache breakpoints",
			"eligible", stats.EligibleMessages,
			"injected", stats.BreakpointsInjected)
	}
	return result, stats
}

func eligible(message *openai.Message, minContentLength int) bool {
	if message.Role == "tool" {
		return false
	}
	if message.CacheControl != nil {
		return false
	}
	return len(message.TextContent()) >= minContentLength
}
