// Package render decides how agent output is presented in Feishu: card vs
// plain text, markdown table conversion, and chunking of long replies.
package render

import (
	"regexp"
	"strings"
)

// Render modes.
const (
	ModeAuto = "auto" // card when the text looks like markdown
	ModeRaw  = "raw"  // always plain text
	ModeCard = "card" // always markdown card
)

// Chunk modes.
const (
	ChunkByNewline = "newline" // prefer line boundaries
	ChunkByLength  = "length"  // hard split at the limit
)

// Config holds render policy configuration.
type Config struct {
	Mode       string `yaml:"mode"`        // auto, raw, card
	ChunkLimit int    `yaml:"chunk_limit"` // max characters per outgoing message
	ChunkMode  string `yaml:"chunk_mode"`  // newline, length
}

// DefaultConfig returns default render configuration.
func DefaultConfig() *Config {
	return &Config{
		Mode:       ModeAuto,
		ChunkLimit: 4000,
		ChunkMode:  ChunkByNewline,
	}
}

var markdownPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?m)^#{1,6}\s`),          // headers
	regexp.MustCompile("(?s)```"),                // fenced code
	regexp.MustCompile(`(?m)^\s*[-*+]\s+\S`),     // bullet lists
	regexp.MustCompile(`(?m)^\s*\d+\.\s+\S`),     // numbered lists
	regexp.MustCompile(`(?m)^\|.+\|\s*$`),        // tables
	regexp.MustCompile(`\*\*[^*\n]+\*\*`),        // bold
	regexp.MustCompile(`\[[^\]\n]+\]\([^)\n]+\)`), // links
	regexp.MustCompile("(?m)^>\\s+\\S"),          // blockquotes
}

// ShouldUseCard reports whether text carries enough markdown structure to be
// worth rendering as an interactive card instead of plain text.
func ShouldUseCard(text string) bool {
	for _, p := range markdownPatterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

// ConvertTablesToASCII rewrites markdown tables as aligned plain-text grids.
// Feishu plain-text messages render pipes literally, which is unreadable for
// anything wider than two columns.
func ConvertTablesToASCII(text string) string {
	lines := strings.Split(text, "\n")
	var out []string

	for i := 0; i < len(lines); i++ {
		if !isTableRow(lines[i]) || i+1 >= len(lines) || !isSeparatorRow(lines[i+1]) {
			out = append(out, lines[i])
			continue
		}

		// Collect the whole table: header, separator, data rows.
		var rows [][]string
		rows = append(rows, parseTableRow(lines[i]))
		j := i + 2
		for j < len(lines) && isTableRow(lines[j]) {
			rows = append(rows, parseTableRow(lines[j]))
			j++
		}

		out = append(out, renderASCIITable(rows)...)
		i = j - 1
	}

	return strings.Join(out, "\n")
}

// renderASCIITable renders rows (header first) as an aligned grid with a
// dashed rule under the header.
func renderASCIITable(rows [][]string) []string {
	cols := 0
	for _, row := range rows {
		if len(row) > cols {
			cols = len(row)
		}
	}

	widths := make([]int, cols)
	for _, row := range rows {
		for c, cell := range row {
			if n := len([]rune(cell)); n > widths[c] {
				widths[c] = n
			}
		}
	}

	var out []string
	for r, row := range rows {
		var b strings.Builder
		for c := 0; c < cols; c++ {
			cell := ""
			if c < len(row) {
				cell = row[c]
			}
			b.WriteString(cell)
			if c < cols-1 {
				b.WriteString(strings.Repeat(" ", widths[c]-len([]rune(cell))))
				b.WriteString("  ")
			}
		}
		out = append(out, strings.TrimRight(b.String(), " "))

		if r == 0 {
			var rule strings.Builder
			for c := 0; c < cols; c++ {
				rule.WriteString(strings.Repeat("-", widths[c]))
				if c < cols-1 {
					rule.WriteString("  ")
				}
			}
			out = append(out, rule.String())
		}
	}
	return out
}

func isTableRow(line string) bool {
	trimmed := strings.TrimSpace(line)
	return strings.HasPrefix(trimmed, "|") && strings.HasSuffix(trimmed, "|") && len(trimmed) > 1
}

func isSeparatorRow(line string) bool {
	trimmed := strings.TrimSpace(line)
	if !isTableRow(trimmed) {
		return false
	}
	inner := strings.Trim(trimmed, "|")
	for _, cell := range strings.Split(inner, "|") {
		cell = strings.TrimSpace(cell)
		if cell == "" || strings.Trim(cell, ":-") != "" {
			return false
		}
	}
	return true
}

// parseTableRow extracts cells from a markdown table row.
func parseTableRow(row string) []string {
	trimmed := strings.Trim(strings.TrimSpace(row), "|")
	parts := strings.Split(trimmed, "|")
	cells := make([]string, 0, len(parts))
	for _, p := range parts {
		cells = append(cells, strings.TrimSpace(p))
	}
	return cells
}

// ChunkText splits content into chunks of at most limit characters.
// ChunkByNewline prefers paragraph and line boundaries for cleaner output;
// ChunkByLength splits at the limit regardless of content.
func ChunkText(content string, limit int, mode string) []string {
	if limit <= 0 || len(content) <= limit {
		return []string{content}
	}

	if mode == ChunkByLength {
		var chunks []string
		runes := []rune(content)
		for len(runes) > 0 {
			n := limit
			if n > len(runes) {
				n = len(runes)
			}
			chunks = append(chunks, string(runes[:n]))
			runes = runes[n:]
		}
		return chunks
	}

	var chunks []string
	remaining := content
	for len(remaining) > 0 {
		if len(remaining) <= limit {
			chunks = append(chunks, remaining)
			break
		}

		// Find a good break point (prefer double newline, then single newline)
		breakPoint := limit
		if idx := strings.LastIndex(remaining[:limit], "\n\n"); idx > limit/2 {
			breakPoint = idx + 2
		} else if idx := strings.LastIndex(remaining[:limit], "\n"); idx > limit/2 {
			breakPoint = idx + 1
		}

		chunks = append(chunks, strings.TrimSpace(remaining[:breakPoint]))
		remaining = strings.TrimSpace(remaining[breakPoint:])
	}

	return chunks
}
