// Package preview derives display fields from memory text.
//
// Memory text is treated as Markdown. The feed shows a title and a short
// plain-text snippet per entry; both are derived here so queued local
// records and remote records render the same way.
package preview

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

const (
	// MaxTitleLen bounds derived titles.
	MaxTitleLen = 100

	// MaxSnippetLen bounds snippets.
	MaxSnippetLen = 200
)

// Derive returns the display title and snippet for a memory. An explicit
// title wins; otherwise the title comes from the first heading or line of
// the text.
func Derive(title, memoText string) (string, string) {
	if title == "" {
		title = Title(memoText)
	} else {
		title = Truncate(title, MaxTitleLen)
	}
	return title, Snippet(memoText)
}

// Title extracts a title from memory text: the first heading if present,
// otherwise the first non-empty line. Empty text yields an empty title.
func Title(memoText string) string {
	content := removeFrontmatter(memoText)
	lines := strings.Split(content, "\n")

	for _, line := range lines {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "#") {
			title := strings.TrimLeft(line, "#")
			title = strings.TrimSpace(title)
			if title != "" {
				return Truncate(title, MaxTitleLen)
			}
		} else if line != "" {
			return Truncate(line, MaxTitleLen)
		}
	}

	return ""
}

// Snippet renders memory text to a single-line plain-text preview.
func Snippet(memoText string) string {
	plain := PlainText(memoText)
	// Collapse all whitespace runs so the snippet stays on one line
	plain = strings.Join(strings.Fields(plain), " ")
	return Truncate(plain, MaxSnippetLen)
}

// PlainText converts Markdown to plain text by walking the parsed AST.
// Heading markers, emphasis, and code fences are dropped; list items keep
// a simple dash marker.
func PlainText(markdown string) string {
	markdown = removeFrontmatter(markdown)

	md := goldmark.New()
	node := md.Parser().Parse(text.NewReader([]byte(markdown)))

	var builder strings.Builder
	source := []byte(markdown)

	ast.Walk(node, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}

		switch n.Kind() {
		case ast.KindText:
			textNode := n.(*ast.Text)
			segment := textNode.Segment
			builder.Write(segment.Value(source))
			if textNode.SoftLineBreak() || textNode.HardLineBreak() {
				builder.WriteString(" ")
			}
		case ast.KindParagraph:
			builder.WriteString("\n\n")
		case ast.KindHeading:
			builder.WriteString("\n")
		case ast.KindList:
			builder.WriteString("\n")
		case ast.KindListItem:
			builder.WriteString("\n- ")
		case ast.KindFencedCodeBlock:
			code := n.(*ast.FencedCodeBlock)
			builder.WriteString("\n")
			for i := 0; i < code.Lines().Len(); i++ {
				line := code.Lines().At(i)
				builder.Write(line.Value(source))
			}
			builder.WriteString("\n")
			return ast.WalkSkipChildren, nil
		}

		return ast.WalkContinue, nil
	})

	return strings.TrimSpace(builder.String())
}

// removeFrontmatter strips a leading YAML frontmatter block.
func removeFrontmatter(markdown string) string {
	lines := strings.Split(markdown, "\n")
	if len(lines) < 2 {
		return markdown
	}

	if strings.TrimSpace(lines[0]) != "---" {
		return markdown
	}

	for i, line := range lines[1:] {
		if strings.TrimSpace(line) == "---" {
			return strings.Join(lines[i+2:], "\n")
		}
	}

	return markdown
}

// Truncate shortens s to at most maxLen characters, preferring a word
// boundary, and appends an ellipsis when anything was cut.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return "..."
	}

	if len(s) <= maxLen {
		return s
	}

	if i := strings.LastIndex(s[:maxLen], " "); i > 0 {
		return s[:i] + "..."
	}

	return s[:maxLen] + "..."
}
