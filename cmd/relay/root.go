package main

import (
	"context"
	"fmt"

	"github.com/goliatone/go-relay/adapters/gologger"
	"github.com/goliatone/go-relay/core"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type buildInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

// cli carries the state shared by every subcommand. Each root command owns
// its own viper instance so tests can build several side by side.
type cli struct {
	build    buildInfo
	cfgFile  string
	logLevel string

	viper  *viper.Viper
	logger *gologger.ZapLogger
}

func newRootCommand(build buildInfo) *cobra.Command {
	c := &cli{build: build}
	root := &cobra.Command{
		Use:           "relay",
		Short:         "Rate-limited, retryable webhook delivery",
		Long:          "relay limits inbound API traffic per client and delivers webhook events with retries and backoff.",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", build.Version, build.Commit, build.BuildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.init()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if c.logger != nil {
				_ = c.logger.Sync()
			}
		},
	}

	root.PersistentFlags().StringVar(&c.cfgFile, "config", "", "config file (yaml, json or toml); RELAY_* env vars override it")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(
		c.serveCommand(),
		c.migrateCommand(),
		c.rulesCommand(),
	)
	return root
}

func (c *cli) init() error {
	v, err := newViper(c.cfgFile)
	if err != nil {
		return err
	}
	logger, err := gologger.NewProductionZapLogger(c.logLevel)
	if err != nil {
		return err
	}
	c.viper = v
	c.logger = logger
	if used := v.ConfigFileUsed(); used != "" {
		logger.Debug("using config file", "path", used)
	}
	return nil
}

// loadConfig resolves defaults < config file and env < runtime flags.
func (c *cli) loadConfig(ctx context.Context, runtime core.Config) (core.Config, error) {
	return core.LoadConfig(ctx,
		core.NewCfgxConfigProvider(viperLoader{v: c.viper}),
		core.GoOptionsResolver{},
		runtime,
	)
}
