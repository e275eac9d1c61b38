package llmclient

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// EndpointConfig describes one named endpoint as loaded from
// LLM_ENDPOINTS.
type EndpointConfig struct {
	Name     string
	Endpoint string
	APIKey   string
	Weight   int
}

// Config configures a Client.
type Config struct {
	Endpoints   []EndpointConfig
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration // per-request deadline; default 120s
}

// Client routes chat completions across named endpoints using
// weighted-without-replacement selection with EMA latency and
// consecutive-failure health tracking.
type Client struct {
	mu          sync.Mutex
	endpoints   []*endpointState
	clients     map[string]openai.Client
	model       string
	maxTokens   int
	temperature float64
	timeout     time.Duration
	rng         *rand.Rand
}

// New builds a Client from Config. It does not perform network I/O;
// call Probe to wait for readiness.
func New(cfg Config) (*Client, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("llmclient: at least one endpoint is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	c := &Client{
		clients:     make(map[string]openai.Client, len(cfg.Endpoints)),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		timeout:     timeout,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, ep := range cfg.Endpoints {
		state := newEndpointState(ep.Name, ep.Endpoint, ep.APIKey, ep.Weight)
		c.endpoints = append(c.endpoints, state)
		opts := []option.RequestOption{option.WithBaseURL(ep.Endpoint)}
		if ep.APIKey != "" {
			opts = append(opts, option.WithAPIKey(ep.APIKey))
		}
		c.clients[ep.Name] = openai.NewClient(opts...)
	}
	return c, nil
}

// Complete tries endpoints in weighted-health order and returns the
// first success. If every endpoint fails, the aggregated error from
// the last attempt is returned, wrapping each endpoint's failure.
func (c *Client) Complete(ctx context.Context, messages []Message, overrides Overrides) (CompletionResult, error) {
	c.mu.Lock()
	order := selectOrder(c.endpoints, c.rng)
	c.mu.Unlock()

	model := c.model
	if overrides.Model != "" {
		model = overrides.Model
	}
	maxTokens := c.maxTokens
	if overrides.MaxTokens > 0 {
		maxTokens = overrides.MaxTokens
	}
	temperature := c.temperature
	if overrides.Temperature > 0 {
		temperature = overrides.Temperature
	}

	var errs []error
	for _, ep := range order {
		result, err := c.tryEndpoint(ctx, ep, messages, model, maxTokens, temperature)
		if err == nil {
			c.mu.Lock()
			ep.recordSuccess(result.LatencyMs)
			c.mu.Unlock()
			return result, nil
		}
		c.mu.Lock()
		ep.recordFailure()
		c.mu.Unlock()
		errs = append(errs, fmt.Errorf("%s: %w", ep.Name, err))
	}
	return CompletionResult{}, fmt.Errorf("llmclient: all %d endpoints failed: %w", len(order), errors.Join(errs...))
}

func (c *Client) tryEndpoint(ctx context.Context, ep *endpointState, messages []Message, model string, maxTokens int, temperature float64) (CompletionResult, error) {
	client, ok := c.clients[ep.Name]
	if !ok {
		return CompletionResult{}, fmt.Errorf("no client configured for endpoint %q", ep.Name)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(model),
		Messages:    toOpenAIMessages(messages),
		MaxTokens:   openai.Int(int64(maxTokens)),
		Temperature: openai.Float(temperature),
	}

	start := time.Now()
	resp, err := client.Chat.Completions.New(ctx, params)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return CompletionResult{}, err
	}
	if len(resp.Choices) == 0 {
		return CompletionResult{}, fmt.Errorf("endpoint %s returned no choices", ep.Name)
	}

	choice := resp.Choices[0]
	return CompletionResult{
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		Endpoint:     ep.Name,
		LatencyMs:    latency,
		Usage: Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "system":
			out = append(out, openai.SystemMessage(m.Content))
		case "assistant":
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

// Probe polls GET <endpoint>/v1/models on every configured endpoint
// until one responds within deadline, the startup readiness check.
// It does not use the openai-go SDK since it is a
// bare liveness ping, not a modeled API call.
func (c *Client) Probe(ctx context.Context, deadline time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	httpClient := &http.Client{Timeout: 5 * time.Second}
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		for _, ep := range c.endpoints {
			if probeOnce(ctx, httpClient, ep) {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("llmclient: no endpoint became ready within %s", deadline)
		case <-ticker.C:
		}
	}
}

func probeOnce(ctx context.Context, httpClient *http.Client, ep *endpointState) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ep.URL+"/v1/models", nil)
	if err != nil {
		return false
	}
	if ep.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+ep.APIKey)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Health returns a snapshot of each endpoint's current health, used by
// the monitor's periodic metrics tick.
func (c *Client) Health() []healthSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return snapshot(c.endpoints)
}
