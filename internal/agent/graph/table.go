package graph

import "strings"

// ExtractMarkdownTable returns the first markdown table in text, or nil.
// A table is a header row, a separator row and any number of body rows.
func ExtractMarkdownTable(text string) *string {
	lines := strings.Split(text, "\n")
	for i := 0; i+1 < len(lines); i++ {
		if !isTableRow(lines[i]) || !isSeparatorRow(lines[i+1]) {
			continue
		}
		end := i + 2
		for end < len(lines) && isTableRow(lines[end]) {
			end++
		}
		table := strings.Join(trimAll(lines[i:end]), "\n")
		return &table
	}
	return nil
}

func isTableRow(line string) bool {
	l := strings.TrimSpace(line)
	return strings.HasPrefix(l, "|") && strings.Count(l, "|") >= 2
}

func isSeparatorRow(line string) bool {
	l := strings.TrimSpace(line)
	if !isTableRow(l) {
		return false
	}
	for _, r := range l {
		switch r {
		case '|', '-', ':', ' ':
		default:
			return false
		}
	}
	return strings.Contains(l, "-")
}

func trimAll(lines []string) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = strings.TrimSpace(l)
	}
	return out
}
