// Package knowledge splits uploaded markdown into retrievable chunks and
// backfills their embeddings in the background.
package knowledge

import (
	"strings"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// targetChunkRunes is the soft chunk size. Blocks are packed up to this
// size; only oversized non-code blocks are split below it.
const targetChunkRunes = 1200

// ChunkMarkdown splits a markdown document into ordered chunk texts along
// block boundaries. Code fences are never split. Headings start a new chunk
// once the current one has substance, so section boundaries tend to align
// with chunk boundaries.
func ChunkMarkdown(content string) []string {
	source := []byte(content)
	doc := goldmark.DefaultParser().Parse(text.NewReader(source))

	chunks := make([]string, 0)
	var current strings.Builder
	currentRunes := 0

	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			chunks = append(chunks, s)
		}
		current.Reset()
		currentRunes = 0
	}

	appendBlock := func(block string) {
		n := utf8.RuneCountInString(block)
		if currentRunes > 0 && currentRunes+n > targetChunkRunes {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
			currentRunes += 2
		}
		current.WriteString(block)
		currentRunes += n
	}

	for node := doc.FirstChild(); node != nil; node = node.NextSibling() {
		block := renderBlock(node, source)
		if strings.TrimSpace(block) == "" {
			continue
		}

		if _, isHeading := node.(*ast.Heading); isHeading && currentRunes >= targetChunkRunes/2 {
			flush()
		}

		_, isFence := node.(*ast.FencedCodeBlock)
		if !isFence && utf8.RuneCountInString(block) > targetChunkRunes {
			flush()
			for _, piece := range splitLongBlock(block, targetChunkRunes) {
				appendBlock(piece)
			}
			continue
		}
		appendBlock(block)
	}
	flush()

	return chunks
}

// renderBlock reconstructs one top-level block as markdown text.
func renderBlock(node ast.Node, source []byte) string {
	switch v := node.(type) {
	case *ast.Heading:
		return strings.Repeat("#", v.Level) + " " + strings.TrimSpace(string(segmentText(v, source)))
	case *ast.FencedCodeBlock:
		var sb strings.Builder
		sb.WriteString("```")
		if lang := v.Language(source); len(lang) > 0 {
			sb.Write(lang)
		}
		sb.WriteByte('\n')
		sb.Write(segmentText(v, source))
		sb.WriteString("```")
		return sb.String()
	case *ast.CodeBlock:
		return strings.TrimRight(string(segmentText(v, source)), "\n")
	case *ast.ThematicBreak:
		return ""
	default:
		return rawSpan(node, source)
	}
}

// segmentText concatenates the node's own line segments.
func segmentText(node ast.Node, source []byte) []byte {
	var out []byte
	lines := node.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		out = append(out, seg.Value(source)...)
	}
	return out
}

// rawSpan returns the original source covering the node and its children,
// snapped back to the start of the first line so list markers survive.
func rawSpan(node ast.Node, source []byte) string {
	start, stop := -1, -1
	_ = ast.Walk(node, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering || n.Type() != ast.TypeBlock {
			return ast.WalkContinue, nil
		}
		lines := n.Lines()
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			if start < 0 || seg.Start < start {
				start = seg.Start
			}
			if seg.Stop > stop {
				stop = seg.Stop
			}
		}
		return ast.WalkContinue, nil
	})
	if start < 0 || stop <= start {
		return ""
	}
	for start > 0 && source[start-1] != '\n' {
		start--
	}
	return strings.TrimRight(string(source[start:stop]), "\n")
}

// splitLongBlock splits an oversized block on line boundaries, hard-splitting
// any single line that alone exceeds the limit.
func splitLongBlock(block string, limit int) []string {
	pieces := make([]string, 0, 2)
	var sb strings.Builder
	count := 0

	flush := func() {
		if s := strings.TrimSpace(sb.String()); s != "" {
			pieces = append(pieces, s)
		}
		sb.Reset()
		count = 0
	}

	for _, line := range strings.Split(block, "\n") {
		runes := utf8.RuneCountInString(line)
		if runes > limit {
			flush()
			rs := []rune(line)
			for len(rs) > limit {
				pieces = append(pieces, string(rs[:limit]))
				rs = rs[limit:]
			}
			sb.WriteString(string(rs))
			count = len(rs)
			continue
		}
		if count > 0 && count+1+runes > limit {
			flush()
		}
		if count > 0 {
			sb.WriteByte('\n')
			count++
		}
		sb.WriteString(line)
		count += runes
	}
	flush()

	return pieces
}
