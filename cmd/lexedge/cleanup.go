package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Run the cleanup-all routine against the configured store",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		report := app.Cleanup(cmd.Context())
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		if len(report.Errors) > 0 {
			return fmt.Errorf("cleanup finished with %d errors", len(report.Errors))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
}
