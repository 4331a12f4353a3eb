// Package humanize turns one AI answer into a sequence of WhatsApp
// messages paced like a person typing them.
package humanize

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Segment sizing, in runes. preferredLen is the target for splits forced
// inside oversized sentences; maxLen is the hard ceiling per message.
const (
	preferredLen  = 500
	maxLen        = 1000
	minSegmentLen = 100
	forceWindow   = 100
)

var paragraphBreak = regexp.MustCompile(`\n{2,}`)

var sentenceEnd = regexp.MustCompile(`[.!?。！？]+`)

// Segment splits an answer into ordered outbound messages. Paragraphs are
// the natural bubble boundary; a paragraph over maxLen is cut at sentence
// ends, and a single runaway sentence is cut near preferredLen. A final
// pass folds short fragments into their neighbor so the chat does not
// turn into a drumroll of one-liners.
func Segment(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var pieces []string
	for _, para := range paragraphBreak.Split(text, -1) {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if utf8.RuneCountInString(para) <= maxLen {
			pieces = append(pieces, para)
			continue
		}
		pieces = append(pieces, packSentences(splitSentences(para))...)
	}
	return mergeShort(pieces)
}

// splitSentences cuts after each terminator run, keeping the terminators
// attached to their sentence.
func splitSentences(para string) []string {
	var out []string
	last := 0
	for _, loc := range sentenceEnd.FindAllStringIndex(para, -1) {
		if s := strings.TrimSpace(para[last:loc[1]]); s != "" {
			out = append(out, s)
		}
		last = loc[1]
	}
	if last < len(para) {
		if s := strings.TrimSpace(para[last:]); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// packSentences greedily fills segments up to preferredLen. Sentences that
// alone exceed maxLen get force-split first.
func packSentences(sentences []string) []string {
	var out []string
	var cur strings.Builder
	curLen := 0
	flush := func() {
		if curLen > 0 {
			out = append(out, cur.String())
			cur.Reset()
			curLen = 0
		}
	}

	for _, s := range sentences {
		n := utf8.RuneCountInString(s)
		if n > maxLen {
			flush()
			out = append(out, forceSplit(s)...)
			continue
		}
		if curLen > 0 && curLen+1+n > preferredLen {
			flush()
		}
		if curLen > 0 {
			cur.WriteByte(' ')
			curLen++
		}
		cur.WriteString(s)
		curLen += n
	}
	flush()
	return out
}

// forceSplit cuts a sentence that has no usable sentence boundary. Each
// cut lands on the break rune nearest preferredLen within the window, or
// exactly at preferredLen when the window has none.
func forceSplit(sentence string) []string {
	var out []string
	runes := []rune(sentence)
	for len(runes) > maxLen {
		cut := splitPoint(runes)
		if piece := strings.TrimSpace(string(runes[:cut])); piece != "" {
			out = append(out, piece)
		}
		runes = runes[cut:]
		for len(runes) > 0 && runes[0] == ' ' {
			runes = runes[1:]
		}
	}
	if piece := strings.TrimSpace(string(runes)); piece != "" {
		out = append(out, piece)
	}
	return out
}

func splitPoint(runes []rune) int {
	lo := preferredLen - forceWindow
	hi := preferredLen + forceWindow
	if hi > len(runes) {
		hi = len(runes)
	}
	best := -1
	for i := lo; i < hi; i++ {
		if !breakAfter(runes, i) {
			continue
		}
		p := i + 1
		if best == -1 || abs(p-preferredLen) < abs(best-preferredLen) {
			best = p
		}
	}
	if best == -1 {
		return preferredLen
	}
	return best
}

// breakAfter reports whether a cut directly after runes[i] is acceptable.
func breakAfter(runes []rune, i int) bool {
	switch runes[i] {
	case '；', '，', '、', ' ':
		return true
	case '.', '!', '?', ',':
		return i+1 < len(runes) && runes[i+1] == ' '
	}
	return false
}

// mergeShort folds a fragment under minSegmentLen into its neighbor when
// the pair still fits in one message.
func mergeShort(pieces []string) []string {
	if len(pieces) < 2 {
		return pieces
	}
	out := []string{pieces[0]}
	for _, piece := range pieces[1:] {
		last := out[len(out)-1]
		lastLen := utf8.RuneCountInString(last)
		pieceLen := utf8.RuneCountInString(piece)
		if (lastLen < minSegmentLen || pieceLen < minSegmentLen) && lastLen+pieceLen+2 <= maxLen {
			out[len(out)-1] = last + mergeJoin(last) + piece
			continue
		}
		out = append(out, piece)
	}
	return out
}

// mergeJoin picks the glue for a fold: sentence-bounded text reads fine on
// one line, anything else keeps its paragraph break.
func mergeJoin(prior string) string {
	if endsWithTerminator(prior) {
		return " "
	}
	return "\n\n"
}

func endsWithTerminator(s string) bool {
	r, _ := utf8.DecodeLastRuneInString(s)
	switch r {
	case '.', '!', '?', '。', '！', '？':
		return true
	}
	return false
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
