package reconciler

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// rawFixTask is the shape of one LLM-proposed fix task.
type rawFixTask struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Scope       []string `json:"scope"`
	Acceptance  string   `json:"acceptance"`
	Branch      string   `json:"branch"`
}

var reconcilerFencePattern = regexp.MustCompile("(?s)```[a-zA-Z]*\\n?(.*?)```")

// parseFixTasks decodes the reconciler LLM response, expected as a
// bare JSON array of rawFixTask.
func parseFixTasks(raw string) ([]rawFixTask, error) {
	body := raw
	if m := reconcilerFencePattern.FindStringSubmatch(raw); m != nil {
		body = m[1]
	}
	start := strings.IndexByte(body, '[')
	if start < 0 {
		return nil, fmt.Errorf("reconciler: no JSON array found in response")
	}
	body = body[start:]

	var tasks []rawFixTask
	if err := json.Unmarshal([]byte(body), &tasks); err != nil {
		return nil, fmt.Errorf("reconciler: decode fix task array: %w", err)
	}
	return tasks, nil
}
