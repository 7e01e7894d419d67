// Package proxy is the OpenAI-compatible sidecar. It optimizes inbound chat
// completion requests, forwards them to the resolved provider, streams the
// response back verbatim, and records the outcome.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	slimclaw "github.com/slimclaw/slimclaw"
	"github.com/slimclaw/slimclaw/config"
	"github.com/slimclaw/slimclaw/monitoring"
	"github.com/slimclaw/slimclaw/openai"
	"github.com/slimclaw/slimclaw/pipeline"
	"github.com/slimclaw/slimclaw/routing"
	"github.com/slimclaw/slimclaw/utils"
	"github.com/slimclaw/slimclaw/utils/env"
)

type (
	BadRequestError      struct{ error }
	BudgetExceededError  struct{ error }
	UnknownProviderError struct{ error }
	UpstreamError        struct{ error }
	UpstreamTimeoutError struct{ error }
)

// Request headers the proxy recognizes.
const (
	BypassHeader     = "X-SlimClaw-Bypass"
	RunIdHeader      = "X-SlimClaw-Run-Id"
	AgentIdHeader    = "X-SlimClaw-Agent-Id"
	SessionKeyHeader = "X-SlimClaw-Session-Key"
)

// Response debug headers.
const (
	HeaderRequestId      = "X-SlimClaw-Request-Id"
	HeaderEnabled        = "X-SlimClaw-Enabled"
	HeaderMode           = "X-SlimClaw-Mode"
	HeaderOriginalTokens = "X-SlimClaw-Original-Tokens"
	HeaderOptimized      = "X-SlimClaw-Optimized-Tokens"
	HeaderTokensSaved    = "X-SlimClaw-Tokens-Saved"
	HeaderSavingsPercent = "X-SlimClaw-Savings-Percent"
	HeaderWindowing      = "X-SlimClaw-Windowing"
	HeaderCaching        = "X-SlimClaw-Caching"
	HeaderClassification = "X-SlimClaw-Classification"
	HeaderRouting        = "X-SlimClaw-Routing"
	HeaderTrimmed        = "X-SlimClaw-Trimmed-Messages"
	HeaderBreakpoints    = "X-SlimClaw-Cache-Breakpoints"
	HeaderLatencyMs      = "X-SlimClaw-Latency-Ms"
	HeaderAgentId        = "X-SlimClaw-Agent-Id"
	HeaderSessionKey     = "X-SlimClaw-Session-Key"
)

const defaultRequestTimeout = 120 * time.Second

type Proxy struct {
	config   *config.Config
	pipeline *pipeline.Pipeline
	monitor  *monitoring.Monitor
	logger   *zap.SugaredLogger
	client   *http.Client
	clock    clock.Clock

	// Set once shutdown begins; new requests are rejected after that.
	closed atomic.Bool
}

func NewProxy(cfg *config.Config, pipe *pipeline.Pipeline, monitor *monitoring.Monitor, logger *zap.SugaredLogger) *Proxy {
	return newProxyWithClock(cfg, pipe, monitor, logger, clock.New())
}

func newProxyWithClock(cfg *config.Config, pipe *pipeline.Pipeline, monitor *monitoring.Monitor, logger *zap.SugaredLogger, clk clock.Clock) *Proxy {
	timeout := defaultRequestTimeout
	if cfg.Proxy.RequestTimeoutMs > 0 {
		timeout = time.Duration(cfg.Proxy.RequestTimeoutMs) * time.Millisecond
	}
	return &Proxy{
		config:   cfg,
		pipeline: pipe,
		monitor:  monitor,
		logger:   logger,
		client:   &http.Client{Timeout: timeout},
		clock:    clk,
	}
}

// Handler builds the route table. The metrics endpoint is present only when
// monitoring is enabled.
func (p *Proxy) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/v1/chat/completions", p.HandleChatCompletions).Methods(http.MethodPost)
	router.HandleFunc("/health", p.HandleHealth)
	if p.monitor != nil {
		router.Handle("/metrics", p.monitor.Handler())
	}
	return router
}

// Shutdown rejects new requests and flushes buffered metrics.
func (p *Proxy) Shutdown() {
	p.closed.Store(true)
	p.pipeline.Shutdown()
}

func (p *Proxy) HandleHealth(httpResponse http.ResponseWriter, httpRequest *http.Request) {
	if httpRequest.Method != http.MethodGet {
		http.Error(httpResponse, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	httpResponse.WriteHeader(http.StatusOK)
	httpResponse.Write([]byte("OK"))
}

func (p *Proxy) HandleChatCompletions(httpResponse http.ResponseWriter, httpRequest *http.Request) {
	defer httpRequest.Body.Close()

	if p.closed.Load() {
		http.Error(httpResponse, "Shutting down", http.StatusServiceUnavailable)
		return
	}

	bodyBytes, err := io.ReadAll(httpRequest.Body)
	if err != nil {
		p.logger.Warnw("Failed to read request body", "error", err)
		handleError(httpResponse, BadRequestError{fmt.Errorf("invalid request body")})
		return
	}

	var chatRequest openai.ChatCompletionRequest
	if err := json.Unmarshal(bodyBytes, &chatRequest); err != nil {
		p.logger.Warnw("Invalid request body", "error", err)
		handleError(httpResponse, BadRequestError{fmt.Errorf("invalid request body")})
		return
	}
	if len(chatRequest.Messages) == 0 {
		handleError(httpResponse, BadRequestError{fmt.Errorf("no messages provided")})
		return
	}

	requestId := "req-" + uuid.NewString()
	bypass := strings.EqualFold(httpRequest.Header.Get(BypassHeader), "true")
	runId := httpRequest.Header.Get(RunIdHeader)
	if runId == "" {
		runId = requestId
	}

	result := p.pipeline.Optimize(httpRequest.Context(), pipeline.Request{
		RequestId:     requestId,
		RunId:         runId,
		SessionKey:    httpRequest.Header.Get(SessionKeyHeader),
		AgentId:       httpRequest.Header.Get(AgentIdHeader),
		Messages:      chatRequest.Messages,
		OriginalModel: chatRequest.Model,
		Headers:       httpRequest.Header,
		Bypass:        bypass,
	})
	writeDebugHeaders(httpResponse.Header(), p.config, result, bypass)

	// Enforcement takes effect in active mode only; shadow mode observes.
	if !result.BudgetAllowed && p.config.Mode == slimclaw.ModeActive {
		p.logger.Warnw("Request blocked by budget", "request_id", requestId, "tier", result.Decision.Tier)
		handleError(httpResponse, BudgetExceededError{fmt.Errorf("budget exhausted for tier %s", result.Decision.Tier)})
		return
	}

	forwardModel := chatRequest.Model
	if result.Applied {
		forwardModel = result.Decision.TargetModel
	}

	baseUrl, apiKey, err := p.resolveProvider(result.Provider.Provider)
	if err != nil {
		p.logger.Warnw("Unknown provider", "provider", result.Provider.Provider, "model", forwardModel)
		p.monitor.RecordForwardError("unknown-provider")
		handleError(httpResponse, UnknownProviderError{err})
		return
	}

	forwardBody, err := p.buildForwardBody(bodyBytes, result)
	if err != nil {
		p.logger.Errorw("Failed to build forward body", "error", err)
		handleError(httpResponse, UpstreamError{fmt.Errorf("failed to build forward request")})
		return
	}

	start := p.clock.Now()
	response, err := p.forward(httpRequest.Context(), baseUrl, apiKey, result.Provider.Provider, forwardBody)
	if err != nil {
		latencyMs := float64(p.clock.Since(start).Milliseconds())
		p.pipeline.RecordOutcome(result, pipeline.Outcome{LatencyMs: latencyMs, Failed: true})
		if isTimeout(err) {
			p.logger.Warnw("Forward timed out", "request_id", requestId, "provider", result.Provider.Provider)
			p.monitor.RecordForwardError("timeout")
			handleError(httpResponse, UpstreamTimeoutError{err})
			return
		}
		p.logger.Warnw("Forward failed", "request_id", requestId, "provider", result.Provider.Provider, "error", err)
		p.monitor.RecordForwardError("upstream")
		handleError(httpResponse, UpstreamError{err})
		return
	}
	defer response.Body.Close()

	latencyMs := float64(p.clock.Since(start).Milliseconds())
	httpResponse.Header().Set(HeaderLatencyMs, strconv.FormatFloat(latencyMs, 'f', 0, 64))

	usage := p.relay(httpResponse, response)
	p.pipeline.RecordOutcome(result, outcomeFromUsage(latencyMs, usage))
}

// relay copies the upstream response to the caller verbatim, preserving
// status and content type. Non-streaming JSON bodies are parsed for usage on
// the way through; SSE streams are flushed chunk by chunk.
func (p *Proxy) relay(httpResponse http.ResponseWriter, response *http.Response) *openai.Usage {
	contentType := response.Header.Get("Content-Type")
	if contentType != "" {
		httpResponse.Header().Set("Content-Type", contentType)
	}
	httpResponse.WriteHeader(response.StatusCode)

	if strings.Contains(contentType, "text/event-stream") {
		flusher, canFlush := httpResponse.(http.Flusher)
		buffer := make([]byte, 32*1024)
		for {
			n, err := response.Body.Read(buffer)
			if n > 0 {
				httpResponse.Write(buffer[:n])
				if canFlush {
					flusher.Flush()
				}
			}
			if err != nil {
				return nil
			}
		}
	}

	body, err := io.ReadAll(response.Body)
	if err != nil {
		p.logger.Warnw("Failed to read upstream response", "error", err)
		return nil
	}
	httpResponse.Write(body)

	if response.StatusCode != http.StatusOK {
		return nil
	}
	var chatResponse openai.ChatCompletionResponse
	if err := json.Unmarshal(body, &chatResponse); err != nil {
		p.logger.Warnw("Failed to parse upstream response", "error", err)
		return nil
	}
	return &chatResponse.Usage
}

func (p *Proxy) forward(ctx context.Context, baseUrl string, apiKey string, provider string, body []byte) (*http.Response, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, baseUrl+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	request.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		request.Header.Set("Authorization", "Bearer "+apiKey)
	}
	if provider == routing.DefaultProvider {
		referer := p.config.Routing.OpenRouterReferer
		if referer == "" {
			referer = routing.DefaultOpenRouterReferer
		}
		title := p.config.Routing.OpenRouterTitle
		if title == "" {
			title = routing.DefaultOpenRouterTitle
		}
		request.Header.Set("HTTP-Referer", referer)
		request.Header.Set("X-Title", title)
	}
	return p.client.Do(request)
}

// buildForwardBody rewrites only the routed fields of the raw request body,
// so unknown fields the optimizer does not model survive the round trip. In
// shadow mode the original body is forwarded untouched.
func (p *Proxy) buildForwardBody(bodyBytes []byte, result pipeline.Result) ([]byte, error) {
	if p.config.Mode != slimclaw.ModeActive {
		return bodyBytes, nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(bodyBytes, &raw); err != nil {
		return nil, err
	}

	messages, err := json.Marshal(result.Messages)
	if err != nil {
		return nil, err
	}
	raw["messages"] = messages

	if result.Applied {
		model, err := json.Marshal(result.Decision.TargetModel)
		if err != nil {
			return nil, err
		}
		raw["model"] = model

		if p.config.Routing.ApplyThinking && result.Decision.Thinking != nil {
			thinking, err := json.Marshal(result.Decision.Thinking)
			if err != nil {
				return nil, err
			}
			raw["thinking"] = thinking
		}
	}
	return json.Marshal(raw)
}

func (p *Proxy) resolveProvider(provider string) (baseUrl string, apiKey string, err error) {
	override, ok := p.config.Proxy.ProviderOverrides[provider]
	if !ok {
		return "", "", fmt.Errorf("no credentials configured for provider %q", provider)
	}
	apiKey = override.ApiKey
	if apiKey == "" && override.ApiKeyEnv != "" {
		apiKey = env.OptionalStringVariable(override.ApiKeyEnv, "")
	}
	return strings.TrimSuffix(override.BaseUrl, "/"), apiKey, nil
}

func writeDebugHeaders(header http.Header, cfg *config.Config, result pipeline.Result, bypass bool) {
	header.Set(HeaderRequestId, result.RequestId)
	header.Set(HeaderEnabled, strconv.FormatBool(cfg.Enabled && !bypass))
	header.Set(HeaderMode, string(result.Mode))
	header.Set(HeaderOriginalTokens, strconv.Itoa(result.OriginalTokens))
	header.Set(HeaderOptimized, strconv.Itoa(result.OptimizedTokens))
	header.Set(HeaderTokensSaved, strconv.Itoa(result.TokensSaved))
	header.Set(HeaderSavingsPercent, savingsPercent(result.OriginalTokens, result.TokensSaved))
	header.Set(HeaderWindowing, appliedOrSkipped(result.WindowingApplied))
	header.Set(HeaderCaching, appliedOrSkipped(result.CacheStats.BreakpointsInjected > 0))
	header.Set(HeaderClassification, string(result.Classification.Tier))
	header.Set(HeaderRouting, appliedOrSkipped(result.Applied))

	if result.Window.TrimmedMessageCount > 0 {
		header.Set(HeaderTrimmed, strconv.Itoa(result.Window.TrimmedMessageCount))
	}
	if result.CacheStats.BreakpointsInjected > 0 {
		header.Set(HeaderBreakpoints, strconv.Itoa(result.CacheStats.BreakpointsInjected))
	}
	if result.AgentId != "" {
		header.Set(HeaderAgentId, result.AgentId)
	}
	if result.SessionKey != "" {
		header.Set(HeaderSessionKey, result.SessionKey)
	}
}

func savingsPercent(originalTokens int, tokensSaved int) string {
	if originalTokens <= 0 {
		return "0.0"
	}
	percent := float64(tokensSaved) / float64(originalTokens) * 100
	return strconv.FormatFloat(percent, 'f', 1, 64)
}

func appliedOrSkipped(applied bool) string {
	if applied {
		return "applied"
	}
	return "skipped"
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}

func outcomeFromUsage(latencyMs float64, usage *openai.Usage) pipeline.Outcome {
	outcome := pipeline.Outcome{LatencyMs: latencyMs}
	if usage == nil {
		return outcome
	}
	outcome.InputTokens = utils.ToPtr(int(usage.PromptTokens))
	outcome.OutputTokens = utils.ToPtr(int(usage.CompletionTokens))
	if usage.CacheReadInputTokens != nil {
		outcome.CacheReadTokens = utils.ToPtr(int(*usage.CacheReadInputTokens))
	} else if usage.PromptTokensDetails != nil {
		outcome.CacheReadTokens = utils.ToPtr(int(usage.PromptTokensDetails.CachedTokens))
	}
	if usage.CacheCreationInputTokens != nil {
		outcome.CacheWriteTokens = utils.ToPtr(int(*usage.CacheCreationInputTokens))
	}
	return outcome
}

func handleError(w http.ResponseWriter, err error) {
	switch err.(type) {
	case BadRequestError:
		writeError(w, http.StatusBadRequest, "invalid_request_error", err)
	case BudgetExceededError:
		writeError(w, http.StatusTooManyRequests, "budget_exceeded", err)
	case UnknownProviderError:
		writeError(w, http.StatusBadGateway, "unknown_provider", err)
	case UpstreamTimeoutError:
		writeError(w, http.StatusGatewayTimeout, "upstream_timeout", err)
	case UpstreamError:
		writeError(w, http.StatusBadGateway, "upstream_error", err)
	default:
		writeError(w, http.StatusInternalServerError, "server_error", err)
	}
}

func writeError(w http.ResponseWriter, status int, kind string, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(openai.ErrorResponse{
		Error: openai.ErrorDetail{Message: err.Error(), Type: kind},
	})
}
