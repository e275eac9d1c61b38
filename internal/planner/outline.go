package planner

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// outlineMarkdown walks a goldmark AST and collects every heading
// down to level 3 into a flat outline. This keeps the planner's
// initial message bounded to section titles rather than full artifact
// bodies.
func outlineMarkdown(content []byte) []string {
	md := goldmark.New()
	doc := md.Parser().Parse(text.NewReader(content))

	var lines []string
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		heading, ok := n.(*ast.Heading)
		if !ok || heading.Level > 3 {
			return ast.WalkContinue, nil
		}
		title := strings.TrimSpace(textOf(heading, content))
		if title == "" {
			return ast.WalkContinue, nil
		}
		lines = append(lines, strings.Repeat("#", heading.Level)+" "+title)
		return ast.WalkContinue, nil
	})
	return lines
}

// textOf concatenates every text segment under n.
func textOf(n ast.Node, source []byte) string {
	var sb strings.Builder
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		if t, ok := c.(*ast.Text); ok {
			sb.Write(t.Segment.Value(source))
			continue
		}
		sb.WriteString(textOf(c, source))
	}
	return sb.String()
}
