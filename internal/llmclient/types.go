// Package llmclient implements the multi-endpoint weighted LLM
// router: weighted-without-replacement endpoint
// selection, EMA latency tracking, and consecutive-failure health with
// a probe-interval recovery trial. Requests speak the OpenAI chat
// completions wire contract via openai-go.
package llmclient

// Message is one chat turn sent to an endpoint.
type Message struct {
	Role    string
	Content string
}

// Usage mirrors the OpenAI usage block; fields default to 0 when the
// endpoint omits them.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Overrides lets a caller tune a single request without mutating the
// client's defaults (model, max tokens, temperature).
type Overrides struct {
	Model       string
	MaxTokens   int
	Temperature float64
}

// CompletionResult is the outcome of a successful Complete call.
type CompletionResult struct {
	Content      string
	Usage        Usage
	FinishReason string
	Endpoint     string
	LatencyMs    int64
}
