package main

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/goliatone/go-relay/adapters/gocommand"
	"github.com/goliatone/go-relay/command"
	"github.com/goliatone/go-relay/core"
	"github.com/goliatone/go-relay/query"
	"github.com/spf13/cobra"
)

func (c *cli) rulesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage rate-limit rules",
	}
	cmd.AddCommand(c.rulesListCommand(), c.rulesSetCommand(), c.rulesDeleteCommand())
	return cmd
}

func (c *cli) rulesListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print every rule as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := c.buildApp(ctx, core.Config{}, true)
			if err != nil {
				return err
			}
			defer a.Close()

			rules, err := gocommand.Query[query.ListRulesMessage, []core.RateLimitRule](ctx, query.ListRulesMessage{})
			if err != nil {
				return err
			}
			if rules == nil {
				rules = []core.RateLimitRule{}
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"rules": rules})
		},
	}
}

func (c *cli) rulesSetCommand() *cobra.Command {
	var rule core.RateLimitRule
	var strategy string
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Create or replace the rule for a method and path",
		Example: `  relay rules set --method GET --path /api/items --limit 100 --window 60
  relay rules set --method '*' --path '/api/*' --limit 10 --window 1 --strategy sliding`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := c.buildApp(ctx, core.Config{}, true)
			if err != nil {
				return err
			}
			defer a.Close()

			rule.Strategy = core.Strategy(strategy)
			if err := gocommand.Dispatch(ctx, command.UpsertRuleMessage{Rule: rule}); err != nil {
				return err
			}
			stored, err := a.relay.Rules.Get(ctx, rule.Method, rule.Path)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stored)
		},
	}
	cmd.Flags().StringVar(&rule.Method, "method", http.MethodGet, "HTTP method, or * for any")
	cmd.Flags().StringVar(&rule.Path, "path", "", "request path or glob pattern")
	cmd.Flags().Int64Var(&rule.Limit, "limit", 0, "requests allowed per window")
	cmd.Flags().Int64Var(&rule.Window, "window", 0, "window length in seconds")
	cmd.Flags().StringVar(&strategy, "strategy", string(core.StrategyFixed), "fixed or sliding")
	_ = cmd.MarkFlagRequired("path")
	return cmd
}

func (c *cli) rulesDeleteCommand() *cobra.Command {
	var method, path string
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete the rule for a method and path",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := c.buildApp(ctx, core.Config{}, true)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := gocommand.Dispatch(ctx, command.DeleteRuleMessage{Method: method, Path: path}); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"deleted": true})
		},
	}
	cmd.Flags().StringVar(&method, "method", http.MethodGet, "HTTP method, or * for any")
	cmd.Flags().StringVar(&path, "path", "", "request path or glob pattern")
	_ = cmd.MarkFlagRequired("path")
	return cmd
}

func printJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
