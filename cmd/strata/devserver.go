package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hyperengineering/strata/internal/server"
	"github.com/spf13/cobra"
)

var (
	devAddr         string
	devNoDeltaSet   bool
	devDeltaHistory time.Duration
	devMaxDelta     int
)

var devserverCmd = &cobra.Command{
	Use:   "devserver",
	Short: "Run an in-memory collection service for local development",
	Long: `Serve the collection REST API from memory. Data is lost on exit.

The server authenticates with --app-key and --token when they are set, and
supports delta sets unless --no-delta-set is given.`,
	Example: `  strata devserver --addr :8080 --app-key dev
  STRATA_BASE_URL=http://localhost:8080 STRATA_APP_KEY=dev strata find books`,
	Args: cobra.NoArgs,
	RunE: runDevserver,
}

func init() {
	devserverCmd.Flags().StringVar(&devAddr, "addr", "127.0.0.1:8080", "Listen address")
	devserverCmd.Flags().BoolVar(&devNoDeltaSet, "no-delta-set", false, "Answer delta-set requests with FeatureUnavailable")
	devserverCmd.Flags().DurationVar(&devDeltaHistory, "delta-history", 0, "Reject delta sets older than this (0 keeps all history)")
	devserverCmd.Flags().IntVar(&devMaxDelta, "max-delta", 0, "Reject delta sets larger than this (0 for no limit)")
	rootCmd.AddCommand(devserverCmd)
}

func runDevserver(cmd *cobra.Command, args []string) error {
	log := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), nil))

	opts := []server.Option{
		server.WithLogger(log),
		server.WithAuth(settings.GetString("app_key"), settings.GetString("auth_token")),
	}
	if devNoDeltaSet {
		opts = append(opts, server.WithoutDeltaSet())
	}
	if devDeltaHistory > 0 {
		opts = append(opts, server.WithDeltaHistory(devDeltaHistory))
	}
	if devMaxDelta > 0 {
		opts = append(opts, server.WithMaxDeltaSize(devMaxDelta))
	}

	srv := &http.Server{
		Addr:              devAddr,
		Handler:           server.New(opts...).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		printInfo(cmd.ErrOrStderr(), "Serving collections on http://%s", devAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
