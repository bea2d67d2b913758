package main

import (
	"fmt"

	"github.com/goliatone/go-relay/core"
	sqlstore "github.com/goliatone/go-relay/store/sql"
	"github.com/spf13/cobra"
)

func (c *cli) migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := c.loadConfig(ctx, core.Config{})
			if err != nil {
				return err
			}
			client, err := sqlstore.NewClient(ctx, cfg.Persistence, cfg.ServiceName, true)
			if err != nil {
				return err
			}
			defer client.Close()

			c.logger.Info("migrations applied", "driver", cfg.Persistence.Driver)
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}
