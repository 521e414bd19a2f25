package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xiaocainiao633/codesage/internal/app"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	var skipReload bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local task API and event stream",
		Long: `serve loads the task list, resumes live streams for running tasks and
exposes them on a local HTTP API with a websocket event feed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			res, err := app.Build(ctx, cfg, nil)
			if err != nil {
				return err
			}
			logger := res.Logger

			if !skipReload {
				if err := res.Store.LoadTasks(ctx); err != nil {
					// Serve the cached snapshot; a later reload can catch up.
					logger.Warn("initial task load failed", zap.Error(err))
				}
			}

			httpServer := &http.Server{
				Addr:    cfg.BindAddr,
				Handler: res.API.Router(),
			}

			serveErr := make(chan error, 1)
			go func() {
				logger.Info("server listening", zap.String("addr", cfg.BindAddr))
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr <- err
				}
				close(serveErr)
			}()

			var runErr error
			select {
			case <-ctx.Done():
				logger.Info("shutdown signal received")
			case err, ok := <-serveErr:
				if ok {
					runErr = err
					logger.Error("listen error", zap.Error(err))
				}
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn("graceful shutdown failed", zap.Error(err))
				_ = httpServer.Close()
			}
			if err := res.Cleanup(shutdownCtx); err != nil {
				logger.Warn("cleanup failed", zap.Error(err))
			}
			logger.Info("shutdown complete")
			return runErr
		},
	}
	cmd.Flags().BoolVar(&skipReload, "no-reload", false, "start from the cached snapshot without listing tasks")
	return cmd
}
