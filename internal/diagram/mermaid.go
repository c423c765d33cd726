package diagram

import (
	"fmt"
	"strings"
)

var statusClasses = []string{
	"classDef succeeded fill:#2d6a2d,stroke:#1a4a1a,color:#fff",
	"classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff",
	"classDef running fill:#1a5276,stroke:#0e3a52,color:#fff",
	"classDef suspended fill:#b7791a,stroke:#8a5c14,color:#fff",
	"classDef retrying fill:#6b6b6b,stroke:#4a4a4a,color:#fff",
}

// RenderMermaid renders m as a Mermaid flowchart.
func RenderMermaid(m *Model) string {
	var b strings.Builder
	b.WriteString("graph TD\n")
	if m.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", m.Title)
	}

	for _, n := range m.Nodes {
		fmt.Fprintf(&b, "    %s\n", nodeDef(n))
	}
	for _, e := range m.Edges {
		if e.Label == "" {
			fmt.Fprintf(&b, "    %s --> %s\n", safeID(e.From), safeID(e.To))
			continue
		}
		fmt.Fprintf(&b, "    %s -->|%s| %s\n", safeID(e.From), escape(e.Label), safeID(e.To))
	}

	var classes []string
	for _, n := range m.Nodes {
		if n.Status == nil || statusClass(n.Status.Status) == "" {
			continue
		}
		classes = append(classes, fmt.Sprintf("class %s %s", safeID(n.ID), statusClass(n.Status.Status)))
	}
	if len(classes) == 0 {
		return b.String()
	}
	b.WriteString("\n")
	for _, line := range append(statusClasses, classes...) {
		fmt.Fprintf(&b, "    %s\n", line)
	}
	return b.String()
}

func nodeDef(n *Node) string {
	id := safeID(n.ID)
	text := `"` + escape(n.Label) + `"`
	switch n.Kind {
	case NodeKindStart:
		return id + "((" + text + "))"
	case NodeKindBranch, NodeKindCheck:
		return id + "{" + text + "}"
	case NodeKindParallel:
		return id + "[[" + text + "]]"
	case NodeKindWait:
		return id + "([" + text + "])"
	default:
		return id + "[" + text + "]"
	}
}

var idReplacer = strings.NewReplacer(".", "_", "-", "_", " ", "_")

func safeID(id string) string { return idReplacer.Replace(id) }

var labelReplacer = strings.NewReplacer(`"`, "#quot;", "|", "#124;", "\n", " ")

func escape(s string) string { return labelReplacer.Replace(s) }

func statusClass(status string) string {
	switch status {
	case "succeeded", "failed", "running", "suspended", "retrying":
		return status
	default:
		return ""
	}
}
