package tables

import "strings"

// Markdown renders cells as a pipe table. The first row becomes the header
// row; pipes inside cells are escaped and newlines folded to spaces.
func Markdown(cells [][]string) string {
	if len(cells) == 0 {
		return ""
	}
	cols := 0
	for _, r := range cells {
		cols = max(cols, len(r))
	}
	if cols == 0 {
		return ""
	}

	var b strings.Builder
	writeRow := func(r []string) {
		b.WriteString("|")
		for j := 0; j < cols; j++ {
			v := ""
			if j < len(r) {
				v = escapeCell(r[j])
			}
			b.WriteString(" ")
			b.WriteString(v)
			b.WriteString(" |")
		}
		b.WriteString("\n")
	}

	writeRow(cells[0])
	b.WriteString("|")
	for j := 0; j < cols; j++ {
		b.WriteString(" --- |")
	}
	b.WriteString("\n")
	for _, r := range cells[1:] {
		writeRow(r)
	}
	return b.String()
}

func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "\r\n", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.ReplaceAll(s, "|", `\|`)
}
