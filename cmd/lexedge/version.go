package main

import (
	"fmt"
	"strings"

	lexedge "github.com/Lexedgeai26/lexedge-open-agents-sub000"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of lexedge",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "lexedge version %s\n", strings.TrimSpace(lexedge.Version))
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
