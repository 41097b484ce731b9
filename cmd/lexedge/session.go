package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/Lexedgeai26/lexedge-open-agents-sub000/internal/presentation/tui"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/domain"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage persisted sessions",
	Long:  `List, inspect, and remove sessions in the configured store.`,
}

var sessionLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List sessions, most recently updated first",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		user, _ := cmd.Flags().GetString("user")
		sessions, err := app.Sessions.List(cmd.Context(), user)
		if err != nil {
			return fmt.Errorf("failed to list sessions: %w", err)
		}
		if len(sessions) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No sessions found.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tUSER\tTURNS\tUPDATED")
		for _, s := range sessions {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", s.ID, s.UserID, len(s.State.History)/2, s.UpdatedAt.Format("2006-01-02 15:04:05"))
		}
		return w.Flush()
	},
}

// findSession resolves a session by id, scanning all users when user is empty.
func findSession(sessions []*domain.Session, id string) (*domain.Session, error) {
	for _, s := range sessions {
		if s.ID == id {
			return s, nil
		}
	}
	return nil, fmt.Errorf("session %q: %w", id, domain.ErrSessionNotFound)
}

var sessionInspectCmd = &cobra.Command{
	Use:   "inspect <session-id>",
	Short: "Show a session and its history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		user, _ := cmd.Flags().GetString("user")
		sessions, err := app.Sessions.List(cmd.Context(), user)
		if err != nil {
			return fmt.Errorf("failed to list sessions: %w", err)
		}
		sess, err := findSession(sessions, args[0])
		if err != nil {
			return err
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON || !term.IsTerminal(int(os.Stdout.Fd())) {
			data, err := json.MarshalIndent(sess, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		}

		out, err := tui.NewRenderer()(tui.SessionMarkdown(sess))
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), out)
		return nil
	},
}

var sessionRmCmd = &cobra.Command{
	Use:   "rm <session-id>...",
	Short: "Remove one or more sessions and their messages",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		user, _ := cmd.Flags().GetString("user")
		sessions, err := app.Sessions.List(cmd.Context(), user)
		if err != nil {
			return fmt.Errorf("failed to list sessions: %w", err)
		}

		failed := 0
		for _, id := range args {
			sess, err := findSession(sessions, id)
			if err == nil {
				err = app.Sessions.Delete(cmd.Context(), sess.UserID, sess.ID)
			}
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Error removing '%s': %v\n", id, err)
				failed++
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed session '%s'\n", id)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d sessions could not be removed", failed, len(args))
		}
		return nil
	},
}

var sessionClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every session and message",
	RunE: func(cmd *cobra.Command, args []string) error {
		if force, _ := cmd.Flags().GetBool("force"); !force {
			return fmt.Errorf("refusing to clear all sessions without --force")
		}
		app, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		n, err := app.Store.ClearAll(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to clear sessions: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %d sessions\n", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionLsCmd, sessionInspectCmd, sessionRmCmd, sessionClearCmd)
	for _, c := range []*cobra.Command{sessionLsCmd, sessionInspectCmd, sessionRmCmd} {
		c.Flags().StringP("user", "u", "", "Restrict to one user id")
	}
	sessionInspectCmd.Flags().Bool("json", false, "Print raw JSON even on a terminal")
	sessionClearCmd.Flags().Bool("force", false, "Confirm removal of every session")
}
