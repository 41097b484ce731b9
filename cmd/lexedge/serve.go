package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	lexedge "github.com/Lexedgeai26/lexedge-open-agents-sub000"
	httpAdapter "github.com/Lexedgeai26/lexedge-open-agents-sub000/internal/adapters/http"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/internal/presentation/tui"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the WebSocket and admin HTTP server",
	Long:  `Starts the relay: WebSocket sessions on /ws/{tenant}/{session}, administrative routes and Prometheus metrics.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.Server.Addr = addr
		}
		noCleanup, _ := cmd.Flags().GetBool("no-cleanup")

		app, err := lexedge.New(cfg, lexedge.WithLogger(logger))
		if err != nil {
			return err
		}
		defer app.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if !noCleanup {
			app.Cleanup(ctx)
		}
		app.Start(ctx)

		server := httpAdapter.NewServer(httpAdapter.Deps{
			Coordinator: app.Coordinator,
			Sessions:    app.Sessions,
			Tasks:       app.Tasks,
			Router:      app.Router,
			Firewall:    app.Firewall,
			Cleanup:     app.Cleanup,
			Gatherer:    app.Registry,
		},
			httpAdapter.WithLogger(logger),
			httpAdapter.WithAllowedOrigins(cfg.Server.AllowedOrigins),
			httpAdapter.WithReadLimit(cfg.Server.ReadLimit),
			httpAdapter.WithReceiveTimeout(cfg.Server.ReceiveTimeout),
			httpAdapter.WithMaxInputBytes(cfg.Server.MaxInputBytes),
			httpAdapter.WithVersion(lexedge.Version),
		)
		srv := &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           server.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		tui.PrintBanner(cmd.OutOrStdout(), cfg.Server.Addr, lexedge.Version)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			logger.Info("Listening", "addr", srv.Addr, "store", cfg.Store.Backend, "provider", cfg.Model.Provider)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			logger.Info("Shutting down")

			// Give outstanding requests and turns a deadline for completion.
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("Graceful shutdown did not complete", "timeout", cfg.Server.ShutdownTimeout, "err", err)
				_ = srv.Close()
			}
			if err := server.Close(shutdownCtx); err != nil {
				logger.Warn("In-flight turns did not finish", "err", err)
			}
			if !noCleanup {
				app.Cleanup(shutdownCtx)
			}
			return nil
		})
		return g.Wait()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "Listen address (overrides server.addr)")
	serveCmd.Flags().Bool("no-cleanup", false, "Keep sessions and tasks from earlier runs")
}
