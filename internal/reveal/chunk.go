// Package reveal turns conversational text into a paced reveal sequence.
package reveal

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultMinChunk is the paragraph length above which text is split further
const DefaultMinChunk = 120

var paragraphBreak = regexp.MustCompile(`\n[ \t]*\n`)

// Split breaks text into reveal chunks.
//
// Blank lines separate paragraphs. A paragraph longer than minLen is split on
// its newlines when it has any, otherwise on sentence boundaries, and short
// neighbouring sentences are joined back up to 1.5x minLen.
func Split(text string, minLen int) []string {
	if minLen <= 0 {
		minLen = DefaultMinChunk
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	limit := minLen + minLen/2

	var chunks []string
	for _, para := range paragraphBreak.Split(text, -1) {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if utf8.RuneCountInString(para) <= minLen {
			chunks = append(chunks, para)
			continue
		}
		if strings.Contains(para, "\n") {
			for _, line := range strings.Split(para, "\n") {
				if line = strings.TrimSpace(line); line != "" {
					chunks = append(chunks, line)
				}
			}
			continue
		}
		chunks = append(chunks, coalesce(sentences(para), limit)...)
	}
	return chunks
}

// sentences splits on terminal punctuation followed by whitespace
func sentences(para string) []string {
	var out []string
	runes := []rune(para)
	start := 0
	for i := 0; i < len(runes); i++ {
		switch runes[i] {
		case '.', '!', '?':
		default:
			continue
		}
		j := i + 1
		for j < len(runes) && strings.ContainsRune(`"')]`, runes[j]) {
			j++
		}
		if j < len(runes) && unicode.IsSpace(runes[j]) {
			if s := strings.TrimSpace(string(runes[start:j])); s != "" {
				out = append(out, s)
			}
			start = j
			i = j
		}
	}
	if s := strings.TrimSpace(string(runes[start:])); s != "" {
		out = append(out, s)
	}
	return out
}

func coalesce(parts []string, limit int) []string {
	var out []string
	var buf string
	for _, p := range parts {
		switch {
		case buf == "":
			buf = p
		case utf8.RuneCountInString(buf)+1+utf8.RuneCountInString(p) <= limit:
			buf += " " + p
		default:
			out = append(out, buf)
			buf = p
		}
	}
	if buf != "" {
		out = append(out, buf)
	}
	return out
}
