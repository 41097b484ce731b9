package graph_test

import (
	"strings"
	"testing"

	"github.com/Lexedgeai26/lexedge-open-agents-sub000/internal/config"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/internal/presentation/graph"
)

func TestGenerateMermaid(t *testing.T) {
	rules := []config.RouteConfig{
		{Name: "legal-research", Keywords: []string{"statute", "\"case\""}, Target: "research"},
		{MimePrefix: "image/", Target: "vision"},
		{Name: "more", Keywords: []string{"cite"}, Target: "research"},
	}

	tests := []struct {
		name     string
		overlay  *graph.Overlay
		contains []string
		excludes []string
	}{
		{
			name: "Shapes And Order",
			contains: []string{
				"envelope[/\"envelope\"/]",
				"rule_legal_research{\"legal-research <br/> text has statute | 'case'\"}",
				"envelope --> rule_legal_research",
				"rule_legal_research -- yes --> target_research",
				"rule_legal_research -- no --> rule_route_1",
				"rule_route_1{\"route-1 <br/> mime image/*\"}",
				"target_vision[[\"vision\"]]",
				"rule_more -- no --> default_coordinator",
				"default_coordinator((\"coordinator\"))",
			},
			excludes: []string{"classDef"},
		},
		{
			name:    "Matched Rule Overlay",
			overlay: &graph.Overlay{Rule: "route-1", Target: "vision"},
			contains: []string{
				"class rule_route_1 matched;",
				"class target_vision matched;",
			},
		},
		{
			name:     "Default Overlay",
			overlay:  &graph.Overlay{Rule: "default", Target: "coordinator"},
			contains: []string{"class default_coordinator matched;"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := graph.GenerateMermaid(rules, "coordinator", tt.overlay)
			for _, s := range tt.contains {
				if !strings.Contains(got, s) {
					t.Errorf("expected output to contain %q\ngot:\n%s", s, got)
				}
			}
			for _, s := range tt.excludes {
				if strings.Contains(got, s) {
					t.Errorf("expected output not to contain %q", s)
				}
			}
		})
	}
}

func TestGenerateMermaid_TargetDrawnOnce(t *testing.T) {
	rules := []config.RouteConfig{
		{Name: "a", Keywords: []string{"x"}, Target: "shared"},
		{Name: "b", Keywords: []string{"y"}, Target: "shared"},
	}
	got := graph.GenerateMermaid(rules, "coordinator", nil)
	if n := strings.Count(got, "target_shared[[\"shared\"]]"); n != 1 {
		t.Errorf("expected target node once, got %d", n)
	}
}

func TestGenerateMermaid_NoRules(t *testing.T) {
	got := graph.GenerateMermaid(nil, "coordinator", nil)
	if !strings.Contains(got, "envelope --> default_coordinator") {
		t.Errorf("expected envelope to fall through to default, got:\n%s", got)
	}
}
