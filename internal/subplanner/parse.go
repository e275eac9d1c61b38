package subplanner

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/forgeswarm/orchestrator/internal/taskqueue"
)

// rawSubtask mirrors planner.RawTask's shape; duplicated locally
// rather than imported to avoid a subplanner<->planner import cycle
// (the planner package imports subplanner to route oversized tasks).
type rawSubtask struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Scope       []string `json:"scope"`
	Acceptance  string   `json:"acceptance"`
	Branch      string   `json:"branch"`
	Priority    *int     `json:"priority"`
}

var fencePattern = regexp.MustCompile("(?s)```[a-zA-Z]*\\n?(.*?)```")

// parseSubtasks decodes the sub-planner LLM response, expected as a
// bare JSON array of rawSubtask.
func parseSubtasks(raw string) ([]rawSubtask, error) {
	body := raw
	if m := fencePattern.FindStringSubmatch(raw); m != nil {
		body = m[1]
	}
	start := strings.IndexByte(body, '[')
	if start < 0 {
		return nil, fmt.Errorf("subplanner: no JSON array found in response")
	}
	body = body[start:]

	var subtasks []rawSubtask
	if err := json.Unmarshal([]byte(body), &subtasks); err != nil {
		return nil, fmt.Errorf("subplanner: decode subtask array: %w", err)
	}
	return subtasks, nil
}

// buildSubplanMessage composes the user turn describing the parent
// task the sub-planner must decompose.
func buildSubplanMessage(parent taskqueue.Task) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Parent task %s: %s\n", parent.ID, parent.Description)
	fmt.Fprintf(&sb, "Acceptance: %s\n", parent.Acceptance)
	sb.WriteString("Scope (every subtask's scope must be a subset of these files):\n")
	for _, f := range parent.Scope {
		sb.WriteString("- ")
		sb.WriteString(f)
		sb.WriteString("\n")
	}
	return sb.String()
}

var nonSlugChars = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(s string) string {
	s = strings.ToLower(s)
	s = nonSlugChars.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > 40 {
		s = s[:40]
	}
	if s == "" {
		s = "subtask"
	}
	return s
}
