package diagram

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Box-drawing runes.
const (
	boxTopLeft     = "┌"
	boxTopRight    = "┐"
	boxBottomLeft  = "└"
	boxBottomRight = "┘"
	boxVertical    = "│"
	boxHorizontal  = "─"
	arrowDown      = "▼"
	arrowRight     = "─→"
)

var statusTags = map[string]string{
	"succeeded": "[OK]",
	"failed":    "[FAIL]",
	"running":   "[RUN]",
	"ready":     "[READY]",
	"skipped":   "[SKIP]",
	"cancelled": "[CANCEL]",
	"pending":   "[PEND]",
}

// RenderASCII draws the top-level steps as rows of boxes, one row per level,
// followed by the labelled dependencies and the contents of every container.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder
	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	byID := make(map[string]*Node, len(model.Nodes))
	for _, n := range model.Nodes {
		byID[n.ID] = n
	}

	for i, level := range model.Levels {
		row := make([][]string, 0, len(level))
		for _, id := range level {
			if n, ok := byID[id]; ok {
				row = append(row, box(boxContent(n)))
			}
		}
		if len(row) == 0 {
			continue
		}
		writeRow(&b, row)
		if i < len(model.Levels)-1 {
			fmt.Fprintf(&b, "%7s\n%7s\n", boxVertical, arrowDown)
		}
	}

	for _, e := range model.Edges {
		if e.Label != "" {
			fmt.Fprintf(&b, "  %s %s %s [%s]\n", e.From, arrowRight, e.To, e.Label)
		}
	}

	writeContainers(&b, model.Nodes)
	return b.String()
}

// boxContent returns the lines shown inside a node's box.
func boxContent(n *Node) []string {
	label, _, _ := strings.Cut(n.Label, "\n")
	lines := []string{label}
	st := n.Status
	if st == nil {
		return lines
	}
	if tag := statusTags[st.Status]; tag != "" {
		lines = append(lines, tag)
	}
	if st.DurationMs > 0 {
		lines = append(lines, fmt.Sprintf("%dms", st.DurationMs))
	}
	if st.RetryCount > 0 {
		lines = append(lines, fmt.Sprintf("retries: %d", st.RetryCount))
	}
	return lines
}

// box frames content; every returned line has the same display width.
func box(content []string) []string {
	inner := 0
	for _, l := range content {
		inner = max(inner, len(l))
	}
	rule := strings.Repeat(boxHorizontal, inner+2)
	out := make([]string, 0, len(content)+2)
	out = append(out, boxTopLeft+rule+boxTopRight)
	for _, l := range content {
		out = append(out, boxVertical+" "+l+strings.Repeat(" ", inner-len(l))+" "+boxVertical)
	}
	return append(out, boxBottomLeft+rule+boxBottomRight)
}

// writeRow prints boxes side by side, padding the shorter ones.
func writeRow(b *strings.Builder, boxes [][]string) {
	height := 0
	for _, bx := range boxes {
		height = max(height, len(bx))
	}
	for line := 0; line < height; line++ {
		for i, bx := range boxes {
			if i > 0 {
				b.WriteString("  ")
			}
			if line < len(bx) {
				b.WriteString(bx[line])
			} else {
				b.WriteString(strings.Repeat(" ", utf8.RuneCountInString(bx[0])))
			}
		}
		b.WriteByte('\n')
	}
}

// writeContainers lists the nested steps of loops and parallels, outermost
// containers first.
func writeContainers(b *strings.Builder, nodes []*Node) {
	var nested []*Node
	for _, n := range nodes {
		for _, sg := range n.Children {
			fmt.Fprintf(b, "\n--- %s %s ---\n", n.ID, sg.Label)
			for _, child := range sg.Nodes {
				label, _, _ := strings.Cut(child.Label, "\n")
				if child.Status != nil && statusTags[child.Status.Status] != "" {
					label += " " + statusTags[child.Status.Status]
				}
				fmt.Fprintf(b, "  %s\n", label)
			}
			for _, e := range sg.Edges {
				suffix := ""
				if e.Label != "" {
					suffix = " [" + e.Label + "]"
				}
				fmt.Fprintf(b, "  %s %s %s%s\n", e.From, arrowRight, e.To, suffix)
			}
			nested = append(nested, sg.Nodes...)
		}
	}
	if len(nested) > 0 {
		writeContainers(b, nested)
	}
}

// firstLine returns only the first line of a multi-line label.
func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
