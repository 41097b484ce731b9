package main

import (
	"fmt"

	lexedge "github.com/Lexedgeai26/lexedge-open-agents-sub000"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/internal/presentation/graph"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/coordinator"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/domain"
	"github.com/spf13/cobra"
)

var routesCmd = &cobra.Command{
	Use:   "routes",
	Short: "Print the capability routing table as a Mermaid flowchart",
	Long:  `Renders the configured routes in evaluation order. With --explain, highlights the rule a message resolves to.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		var overlay *graph.Overlay
		text, _ := cmd.Flags().GetString("explain")
		mime, _ := cmd.Flags().GetString("mime")
		if text != "" || mime != "" {
			env := domain.Envelope{Text: text}
			if mime != "" {
				env.Attachment = &domain.Attachment{MimeType: mime}
			}
			target, rule := lexedge.Routes(cfg.Routes).Resolve(env)
			overlay = &graph.Overlay{Rule: rule, Target: target}
			fmt.Fprintf(cmd.ErrOrStderr(), "%%%% resolved to %s via %s\n", target, rule)
		}

		fmt.Fprint(cmd.OutOrStdout(), graph.GenerateMermaid(cfg.Routes, coordinator.DefaultTarget, overlay))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(routesCmd)
	routesCmd.Flags().String("explain", "", "Message text to resolve against the table")
	routesCmd.Flags().String("mime", "", "Attachment MIME type to resolve against the table")
}
