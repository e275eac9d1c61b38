package workerpool

import (
	"regexp"
	"strings"
)

// progressPrefix matches the "[spawn]" / "[worker:<id>]" tags every
// non-JSON sandbox stdout line carries.
var progressPrefix = regexp.MustCompile(`^\[(spawn|worker:[^\]]+)\]\s*(.*)$`)

// progressLine is one non-JSON line of sandbox stdout, tagged with its
// phase source.
type progressLine struct {
	Phase   string // "spawn" or "worker:<id>"
	Message string
}

// parseProgressLine splits a raw stdout line into its phase tag and
// message. Lines without a recognized prefix are tagged "worker".
func parseProgressLine(line string) progressLine {
	if m := progressPrefix.FindStringSubmatch(line); m != nil {
		return progressLine{Phase: m[1], Message: m[2]}
	}
	return progressLine{Phase: "worker", Message: line}
}

// phaseTransition is one of the four sandbox lifecycle milestones
// emitted as tracer events.
type phaseTransition string

const (
	phaseSandboxCreated  phaseTransition = "sandbox_created"
	phaseRepositoryClone phaseTransition = "repository_cloned"
	phaseWorkerStarted   phaseTransition = "worker_started"
	phaseBranchPushed    phaseTransition = "branch_pushed"
)

var phaseKeywords = []struct {
	transition phaseTransition
	match      string
}{
	{phaseSandboxCreated, "sandbox created"},
	{phaseRepositoryClone, "repository cloned"},
	{phaseRepositoryClone, "clone complete"},
	{phaseWorkerStarted, "worker started"},
	{phaseBranchPushed, "branch pushed"},
}

// detectPhaseTransition reports whether a progress line's message
// announces one of the milestones worth emitting as a tracer event.
func detectPhaseTransition(msg string) (phaseTransition, bool) {
	lower := strings.ToLower(msg)
	for _, k := range phaseKeywords {
		if strings.Contains(lower, k.match) {
			return k.transition, true
		}
	}
	return "", false
}
