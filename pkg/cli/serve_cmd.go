package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"querymeta/internal/app"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(s *session) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the live query meta model and the history archive over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := *s.cfg
			if cmd.Flags().Changed("listen") {
				cfg.ListenAddr = listen
			}
			logger := s.logger
			for _, w := range cfg.Warnings {
				logger.Warn(w)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, app.Deps{Cfg: &cfg, Logger: logger})
			if err != nil {
				return err
			}
			router, err := a.Router(ctx, &cfg)
			if err != nil {
				_ = a.Close(context.WithoutCancel(ctx))
				return err
			}
			if err := a.Start(ctx); err != nil {
				_ = a.Close(context.WithoutCancel(ctx))
				return err
			}

			srv := &http.Server{
				Addr:              cfg.ListenAddr,
				Handler:           router,
				ReadHeaderTimeout: 10 * time.Second,
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				logger.Info("HTTP API listening", "addr", cfg.ListenAddr, "run_id", a.RunID)
				if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				logger.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
				defer cancel()
				return errors.Join(srv.Shutdown(shutdownCtx), a.Close(shutdownCtx))
			})
			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (env LISTEN_ADDR)")
	return cmd
}
