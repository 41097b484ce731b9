// Package graph renders the capability routing table as a Mermaid flowchart.
package graph

import (
	"fmt"
	"strings"

	"github.com/Lexedgeai26/lexedge-open-agents-sub000/internal/config"
)

// Overlay marks the rule a given envelope resolved to.
type Overlay struct {
	Rule   string
	Target string
}

// GenerateMermaid produces a Mermaid flowchart for the routing table.
// Rules are drawn as decision diamonds chained in evaluation order, targets as
// subroutines and the default as a circle. The overlay highlights one path.
func GenerateMermaid(rules []config.RouteConfig, fallback string, overlay *Overlay) string {
	var sb strings.Builder
	sb.WriteString("graph TD\n")
	sb.WriteString("    envelope[/\"envelope\"/]\n")

	targets := make(map[string]bool)
	prev := "envelope"
	prevLabel := ""
	for i, r := range rules {
		name := r.RuleName(i)
		id := "rule_" + sanitizeMermaidID(name)
		fmt.Fprintf(&sb, "    %s{\"%s\"}\n", id, escape(describe(name, r)))
		writeEdge(&sb, prev, id, prevLabel)

		tid := "target_" + sanitizeMermaidID(r.Target)
		if !targets[tid] {
			targets[tid] = true
			fmt.Fprintf(&sb, "    %s[[\"%s\"]]\n", tid, escape(r.Target))
		}
		writeEdge(&sb, id, tid, "yes")
		prev, prevLabel = id, "no"
	}

	fid := "default_" + sanitizeMermaidID(fallback)
	fmt.Fprintf(&sb, "    %s((\"%s\"))\n", fid, escape(fallback))
	writeEdge(&sb, prev, fid, prevLabel)

	if overlay != nil {
		sb.WriteString("\n    %% Overlay Styles\n")
		sb.WriteString("    classDef matched fill:#ffeb3b,stroke:#fbc02d,stroke-width:4px,color:#000;\n")
		if overlay.Rule == "" || overlay.Rule == "default" {
			fmt.Fprintf(&sb, "    class %s matched;\n", fid)
		} else {
			fmt.Fprintf(&sb, "    class rule_%s matched;\n", sanitizeMermaidID(overlay.Rule))
			if overlay.Target != "" {
				fmt.Fprintf(&sb, "    class target_%s matched;\n", sanitizeMermaidID(overlay.Target))
			}
		}
	}
	return sb.String()
}

func describe(name string, r config.RouteConfig) string {
	var conds []string
	if len(r.Keywords) > 0 {
		conds = append(conds, "text has "+strings.Join(r.Keywords, " | "))
	}
	if r.MimePrefix != "" {
		conds = append(conds, "mime "+r.MimePrefix+"*")
	}
	if len(conds) == 0 {
		return name
	}
	return name + " <br/> " + strings.Join(conds, " or ")
}

func writeEdge(sb *strings.Builder, from, to, label string) {
	if label == "" {
		fmt.Fprintf(sb, "    %s --> %s\n", from, to)
		return
	}
	fmt.Fprintf(sb, "    %s -- %s --> %s\n", from, label, to)
}

// Escape double quotes for Mermaid labels.
func escape(s string) string {
	return strings.ReplaceAll(s, "\"", "'")
}

func sanitizeMermaidID(id string) string {
	return strings.NewReplacer(".", "_", "-", "_", "/", "_", "\\", "_", " ", "_").Replace(id)
}
