package planner

import (
	"fmt"
	"strings"

	"github.com/forgeswarm/orchestrator/internal/taskqueue"
	"github.com/forgeswarm/orchestrator/internal/tokenutil"
)

const (
	summaryTruncateChars = 300
	fileListTruncateN    = 30

	// fileTreeTokenBudget bounds the literal file-tree section so a
	// large repository cannot crowd the rest of the message out of the
	// model's context.
	fileTreeTokenBudget = 4000
)

// artifact is one repository specification document, if present.
type artifact struct {
	name    string
	content []byte
}

// buildInitialMessage assembles the planner's first conversation turn:
// the request, outlines of any spec artifacts present, the file tree,
// and recent commit subjects.
func buildInitialMessage(request string, artifacts []artifact, fileTree []string, commits []string) string {
	var sb strings.Builder
	sb.WriteString(request)
	sb.WriteString("\n\n")

	for _, a := range artifacts {
		outline := outlineMarkdown(a.content)
		if len(outline) == 0 {
			continue
		}
		fmt.Fprintf(&sb, "## %s outline\n", a.name)
		for _, line := range outline {
			sb.WriteString(line)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}

	writeFileTree(&sb, fileTree)
	sb.WriteString("\n## Recent commits\n")
	for _, c := range commits {
		sb.WriteString(c)
		sb.WriteString("\n")
	}
	return sb.String()
}

// writeFileTree emits the file-tree section, cutting it off once the
// estimated token count exceeds fileTreeTokenBudget.
func writeFileTree(sb *strings.Builder, fileTree []string) {
	sb.WriteString("## Repository file tree\n")
	spent := 0
	for i, f := range fileTree {
		spent += tokenutil.EstimateTokens(f)
		if spent > fileTreeTokenBudget {
			fmt.Fprintf(sb, "... (%d more files)\n", len(fileTree)-i)
			return
		}
		sb.WriteString(f)
		sb.WriteString("\n")
	}
}

// handoffSummary is the compact projection of a Handoff the follow-up
// message includes.
type handoffSummary struct {
	TaskID       string
	Status       taskqueue.HandoffStatus
	Summary      string
	FilesChanged []string
	Concerns     []string
	Suggestions  []string
}

// buildFollowUpMessage assembles a replanning turn: compressed repo
// state, the "Worker Handoffs since last plan" section with the
// summary and file-list truncation rules, then the active and previously
// dispatched task ids.
func buildFollowUpMessage(fileTree, commits []string, handoffs []handoffSummary, activeTaskIDs, dispatchedTaskIDs []string) string {
	var sb strings.Builder

	writeFileTree(&sb, fileTree)
	sb.WriteString("\n## Recent commits\n")
	for _, c := range commits {
		sb.WriteString(c)
		sb.WriteString("\n")
	}

	sb.WriteString("\n## Worker Handoffs since last plan\n")
	for _, h := range handoffs {
		summary := h.Summary
		if len(summary) > summaryTruncateChars {
			summary = summary[:summaryTruncateChars] + "..."
		}
		fmt.Fprintf(&sb, "- %s [%s]: %s\n", h.TaskID, h.Status, summary)

		files := h.FilesChanged
		truncated := false
		if len(files) > fileListTruncateN {
			files = files[:fileListTruncateN]
			truncated = true
		}
		if len(files) > 0 {
			fmt.Fprintf(&sb, "  files: %s", strings.Join(files, ", "))
			if truncated {
				sb.WriteString(" ...")
			}
			sb.WriteString("\n")
		}
		for _, c := range h.Concerns {
			fmt.Fprintf(&sb, "  concern: %s\n", c)
		}
		for _, s := range h.Suggestions {
			fmt.Fprintf(&sb, "  suggestion: %s\n", s)
		}
	}

	sb.WriteString("\n## Currently active task ids\n")
	sb.WriteString(strings.Join(activeTaskIDs, ", "))

	sb.WriteString("\n\n## Previously dispatched task ids — DO NOT re-emit any of these IDs\n")
	sb.WriteString(strings.Join(dispatchedTaskIDs, ", "))
	sb.WriteString("\n")

	return sb.String()
}
