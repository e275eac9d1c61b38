package planner

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/forgeswarm/orchestrator/internal/taskqueue"
)

const defaultPriority = 5

var nonSlugChars = regexp.MustCompile(`[^a-z0-9]+`)

// slugify turns a description into a short, branch-safe token.
func slugify(s string) string {
	s = strings.ToLower(s)
	s = nonSlugChars.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > 40 {
		s = s[:40]
	}
	if s == "" {
		s = "task"
	}
	return s
}

// materialize applies RawTask defaults and
// produces a canonical Task: id = task-NNN, branch =
// ${branchPrefix}${id}-${slug(description)}, scope = [], priority = 5.
func materialize(raw RawTask, seq int, branchPrefix string) taskqueue.Task {
	id := raw.ID
	if id == "" {
		id = fmt.Sprintf("task-%03d", seq)
	}
	scope := raw.Scope
	if scope == nil {
		scope = []string{}
	}
	priority := defaultPriority
	if raw.Priority != nil {
		priority = *raw.Priority
	}
	branch := raw.Branch
	if branch == "" {
		branch = fmt.Sprintf("%s%s-%s", branchPrefix, id, slugify(raw.Description))
	}
	return taskqueue.Task{
		ID:          id,
		Description: raw.Description,
		Scope:       scope,
		Acceptance:  raw.Acceptance,
		Branch:      branch,
		Status:      taskqueue.StatusPending,
		Priority:    priority,
		CreatedAt:   time.Now(),
	}
}
