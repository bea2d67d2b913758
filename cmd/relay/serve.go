package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goliatone/go-relay/core"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

func (c *cli) serveCommand() *cobra.Command {
	var (
		addr      string
		noMigrate bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the admin API, delivery workers and reconciler",
		Long: `Run the admin API, the delivery worker pool and the reconcile schedule.

SIGINT or SIGTERM stops accepting requests, lets in-flight attempts finish
and closes the database.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			runtime := core.Config{HTTP: core.HTTPConfig{Addr: addr}}
			a, err := c.buildApp(ctx, runtime, !noMigrate)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.serve(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides http.addr")
	cmd.Flags().BoolVar(&noMigrate, "no-migrate", false, "skip applying migrations at start-up")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	srv := a.relay.Server(a.metrics.Handler(), a.health)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return srv.Start()
	})
	group.Go(func() error {
		return a.relay.Run(groupCtx)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		a.logger.Info("shutting down", "addr", srv.Addr())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return group.Wait()
}
