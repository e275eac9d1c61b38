package workerpool

import "github.com/forgeswarm/orchestrator/internal/taskqueue"

// LLMConfig is the per-dispatch slice of LLM configuration the sandbox
// needs to make its own completions calls; it does not share the
// orchestrator's llmclient.Client process-wide state.
type LLMConfig struct {
	Endpoint    string  `json:"endpoint"`
	Model       string  `json:"model"`
	MaxTokens   int     `json:"maxTokens"`
	Temperature float64 `json:"temperature"`
	APIKey      string  `json:"apiKey,omitempty"`
}

// TraceContext propagates the orchestrator's trace id into the sandbox
// so its own logs can be correlated with the dispatching task.
type TraceContext struct {
	TraceID string `json:"traceId"`
}

// Payload is the single JSON argument passed to the sandbox
// subprocess. The sandbox parses it, does its work against
// RepoURL/GitToken, and writes a Handoff as the last line of stdout.
//
// A conforming sandbox image additionally exposes write_file,
// read_file, bash_exec, git_commit, and list_files as OpenAI
// tool-call functions against the named LLMConfig.Endpoint. The
// sandbox runtime itself lives outside this module; the shape is
// recorded here so any conforming sandbox image can be swapped in.
type Payload struct {
	Task         taskqueue.Task `json:"task"`
	SystemPrompt string         `json:"systemPrompt"`
	RepoURL      string         `json:"repoUrl"`
	GitToken     string         `json:"gitToken"`
	LLMConfig    LLMConfig      `json:"llmConfig"`
	Trace        *TraceContext  `json:"trace,omitempty"`
}
