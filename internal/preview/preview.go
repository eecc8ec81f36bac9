// Package preview renders extracted rows as an aligned text table for
// terminal output.
package preview

import (
	"strings"

	"github.com/mattn/go-runewidth"
)

// maxCellWidth caps a single cell so one long income source cannot push
// the rest of the table off screen.
const maxCellWidth = 40

// Table renders a header and rows as an aligned text table. Column widths
// use display width, so Armenian and other multibyte scripts line up.
func Table(header []string, rows [][]string) string {
	if len(header) == 0 {
		return ""
	}

	// Calculate max widths per column (using display width).
	widths := make([]int, len(header))
	for i, cell := range header {
		widths[i] = cellWidth(cell)
	}
	for _, row := range rows {
		for i := 0; i < len(row) && i < len(header); i++ {
			if w := cellWidth(row[i]); w > widths[i] {
				widths[i] = w
			}
		}
	}

	var sb strings.Builder
	writeRow(&sb, header, widths)

	separator := make([]string, len(widths))
	for i, w := range widths {
		separator[i] = strings.Repeat("-", w)
	}
	writeRow(&sb, separator, widths)

	for _, row := range rows {
		writeRow(&sb, row, widths)
	}
	return sb.String()
}

func cellWidth(s string) int {
	w := runewidth.StringWidth(s)
	if w > maxCellWidth {
		return maxCellWidth
	}
	return w
}

func writeRow(sb *strings.Builder, row []string, widths []int) {
	var line strings.Builder
	for i, w := range widths {
		if i > 0 {
			line.WriteString("  ")
		}

		cell := ""
		if i < len(row) {
			cell = runewidth.Truncate(row[i], maxCellWidth, "…")
		}
		line.WriteString(cell)

		// Pad with spaces based on display width.
		if padding := w - runewidth.StringWidth(cell); padding > 0 {
			line.WriteString(strings.Repeat(" ", padding))
		}
	}

	sb.WriteString(strings.TrimRight(line.String(), " "))
	sb.WriteByte('\n')
}
