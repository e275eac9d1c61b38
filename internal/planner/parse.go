package planner

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// RawTask is one element of the planner's expected LLM response shape
// before defaults are applied.
type RawTask struct {
	ID         string   `json:"id"`
	Description string  `json:"description"`
	Scope      []string `json:"scope"`
	Acceptance string   `json:"acceptance"`
	Branch     string   `json:"branch"`
	Priority   *int     `json:"priority"`
}

// ParsedResponse is the planner's decoded LLM turn.
type ParsedResponse struct {
	Scratchpad string
	Tasks      []RawTask
}

var fencePattern = regexp.MustCompile("(?s)```[a-zA-Z]*\\n?(.*?)```")

var scratchpadPattern = regexp.MustCompile(`"scratchpad"\s*:\s*"((?:[^"\\]|\\.)*)"`)

// ParseResponse decodes an LLM turn shaped as
// {"scratchpad": "...", "tasks": [...]}, a bare array of RawTask, or a
// truncated variant of either.
func ParseResponse(raw string) (ParsedResponse, error) {
	body := stripFences(raw)
	block, isObject, ok := extractOutermostJSON(body)
	if !ok {
		return ParsedResponse{}, fmt.Errorf("planner: no JSON object or array found in response")
	}

	if isObject {
		var obj struct {
			Scratchpad string    `json:"scratchpad"`
			Tasks      []RawTask `json:"tasks"`
		}
		if err := json.Unmarshal([]byte(block), &obj); err == nil {
			return ParsedResponse{Scratchpad: obj.Scratchpad, Tasks: obj.Tasks}, nil
		}
		return salvageObject(block), nil
	}

	var tasks []RawTask
	if err := json.Unmarshal([]byte(block), &tasks); err == nil {
		return ParsedResponse{Tasks: tasks}, nil
	}
	return ParsedResponse{Tasks: salvageTasksArray(block)}, nil
}

// stripFences removes a wrapping ``` code fence, if present, leaving
// the raw text otherwise untouched.
func stripFences(raw string) string {
	if m := fencePattern.FindStringSubmatch(raw); m != nil {
		return m[1]
	}
	return raw
}

// extractOutermostJSON locates the first top-level '{' or '[' and
// returns the substring through its matching close, skipping over
// string contents so embedded braces don't confuse the scan.
func extractOutermostJSON(s string) (block string, isObject bool, ok bool) {
	start := -1
	var open, close byte
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '{':
			start, open, close, isObject = i, '{', '}', true
		case '[':
			start, open, close, isObject = i, '[', ']', false
		}
		if start >= 0 {
			break
		}
	}
	if start < 0 {
		return "", false, false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return s[start : i+1], isObject, true
			}
		}
	}
	// Truncated: no matching close found. Return everything from start
	// so the salvage path can still recover complete inner objects.
	return s[start:], isObject, true
}

// salvageObject recovers a scratchpad and whatever complete task
// objects it can find when the outer object itself didn't parse
// cleanly (typically because the response was cut off mid-stream).
func salvageObject(block string) ParsedResponse {
	resp := ParsedResponse{Tasks: salvageTasksArray(block)}
	if m := scratchpadPattern.FindStringSubmatch(block); m != nil {
		if unescaped, err := strconv.Unquote(`"` + m[1] + `"`); err == nil {
			resp.Scratchpad = unescaped
		} else {
			resp.Scratchpad = m[1]
		}
	}
	return resp
}

// salvageTasksArray scans block for a "tasks" array (or, if none is
// found, treats the whole block as the array) and keeps every
// syntactically complete top-level object that decodes into a RawTask
// with a non-empty description. An incomplete trailing object is
// discarded rather than erroring the whole batch.
func salvageTasksArray(block string) []RawTask {
	arrayBody := block
	if idx := strings.Index(block, `"tasks"`); idx >= 0 {
		rest := block[idx+len(`"tasks"`):]
		if open := strings.IndexByte(rest, '['); open >= 0 {
			arrayBody = rest[open:]
		}
	}

	var tasks []RawTask
	depth := 0
	inString := false
	escaped := false
	objStart := -1
	for i := 0; i < len(arrayBody); i++ {
		c := arrayBody[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			if depth == 0 {
				objStart = i
			}
			depth++
		case '}':
			depth--
			if depth == 0 && objStart >= 0 {
				var t RawTask
				if err := json.Unmarshal([]byte(arrayBody[objStart:i+1]), &t); err == nil && t.Description != "" {
					tasks = append(tasks, t)
				}
				objStart = -1
			}
		}
	}
	return tasks
}
