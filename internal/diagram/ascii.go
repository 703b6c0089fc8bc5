package diagram

import (
	"fmt"
	"strings"
)

// statusTag returns a short ASCII indicator for a status string.
func statusTag(status string) string {
	switch status {
	case "completed":
		return "[OK]"
	case "failed":
		return "[FAIL]"
	case "running":
		return "[RUN]"
	default:
		return ""
	}
}

// RenderASCII renders a DiagramModel as a vertical text diagram. Transitions
// other than the fall-through to the next node are listed under their node.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder

	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	for i, node := range model.Nodes {
		for _, line := range makeBox(node) {
			b.WriteString(line)
			b.WriteByte('\n')
		}

		next := ""
		if i+1 < len(model.Nodes) {
			next = model.Nodes[i+1].ID
		}
		fallsThrough := false
		for _, edge := range model.Edges {
			if edge.From != node.ID {
				continue
			}
			if edge.To == next {
				fallsThrough = true
				if edge.Label == "" {
					continue
				}
			}
			label := edge.Label
			if label == "" {
				label = "always"
			}
			fmt.Fprintf(&b, "  ↳ %s → %s\n", label, edgeTarget(model, edge.To))
		}

		if fallsThrough {
			b.WriteString("       │\n")
			b.WriteString("       ▼\n")
		} else if next != "" {
			b.WriteByte('\n')
		}
	}

	return b.String()
}

// makeBox draws the box lines for a node.
func makeBox(node *Node) []string {
	contentLines := strings.Split(node.Label, "\n")
	if node.Status != nil {
		status := statusTag(node.Status.Status)
		if node.Status.DurationMs > 0 {
			status = strings.TrimSpace(fmt.Sprintf("%s %dms", status, node.Status.DurationMs))
		}
		if node.Status.Executions > 1 {
			status = strings.TrimSpace(fmt.Sprintf("%s x%d", status, node.Status.Executions))
		}
		if status != "" {
			contentLines = append(contentLines, status)
		}
	}

	maxLen := 0
	for _, line := range contentLines {
		if n := len([]rune(line)); n > maxLen {
			maxLen = n
		}
	}
	width := maxLen + 4 // 2 border + 2 padding

	lines := make([]string, 0, len(contentLines)+2)
	lines = append(lines, "┌"+strings.Repeat("─", width-2)+"┐")
	for _, content := range contentLines {
		padded := content + strings.Repeat(" ", maxLen-len([]rune(content)))
		lines = append(lines, "│ "+padded+" │")
	}
	lines = append(lines, "└"+strings.Repeat("─", width-2)+"┘")
	return lines
}

func edgeTarget(model *DiagramModel, id string) string {
	if n := findNode(model.Nodes, id); n != nil {
		return firstLine(n.Label)
	}
	return id
}
