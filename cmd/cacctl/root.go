package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"cac-client/internal/cac"
	"cac-client/internal/experiment"
)

// connectionFlags are shared by every subcommand.
type connectionFlags struct {
	host     string
	tenant   string
	timeout  time.Duration
	logLevel string
}

func newRootCmd() *cobra.Command {
	flags := &connectionFlags{}

	root := &cobra.Command{
		Use:   "cacctl",
		Short: "Query a Context-Aware-Config server",
		Long: `cacctl fetches a tenant's config once and prints it as JSON.

Available subcommands:
  config      - Print the tenant's config document
  resolve     - Resolve the config for a set of dimensions
  experiments - List the experiment variants a set of dimensions lands in`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := logrus.ParseLevel(flags.logLevel)
			if err != nil {
				return err
			}
			logrus.SetLevel(level)
			logrus.SetOutput(cmd.ErrOrStderr())
			if strings.TrimSpace(flags.host) == "" {
				return errors.New("--host or CAC_HOST is required")
			}
			if strings.TrimSpace(flags.tenant) == "" {
				return errors.New("--tenant or CAC_TENANT is required")
			}
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.host, "host", os.Getenv("CAC_HOST"), "CAC server base URL")
	pf.StringVar(&flags.tenant, "tenant", os.Getenv("CAC_TENANT"), "Tenant to query")
	pf.DurationVar(&flags.timeout, "timeout", 15*time.Second, "Request timeout")
	pf.StringVar(&flags.logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")

	root.AddCommand(newConfigCmd(flags), newResolveCmd(flags), newExperimentsCmd(flags))
	return root
}

func newConfigCmd(flags *connectionFlags) *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the tenant's config document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"version":       client.Version(),
				"last_modified": client.LastModified(),
				"document":      client.Document().FilterByPrefix(prefix),
			})
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "Comma separated key prefixes to keep")
	return cmd
}

func newResolveCmd(flags *connectionFlags) *cobra.Command {
	var (
		prefix    string
		strategy  string
		reasoning bool
	)
	cmd := &cobra.Command{
		Use:   "resolve [dimension=value ...]",
		Short: "Resolve the config for a set of dimensions",
		RunE: func(cmd *cobra.Command, args []string) error {
			query, err := cac.QueryFromPairs(args)
			if err != nil {
				return err
			}
			mergeStrategy, err := cac.ParseMergeStrategy(strategy)
			if err != nil {
				return err
			}
			client, err := flags.client(cmd.Context())
			if err != nil {
				return err
			}
			resolved, applied, err := client.ResolveWithReasoning(query,
				cac.WithPrefixes(prefix),
				cac.WithMergeStrategy(mergeStrategy),
			)
			if err != nil {
				return err
			}
			if reasoning {
				if err := cac.AttachReasoning(resolved, applied); err != nil {
					return err
				}
			}
			return printJSON(cmd.OutOrStdout(), resolved)
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "Comma separated key prefixes to keep")
	cmd.Flags().StringVar(&strategy, "strategy", string(cac.MergeStrategyMerge), "MERGE or REPLACE")
	cmd.Flags().BoolVar(&reasoning, "reasoning", false, "Include the applied contexts under metadata")
	return cmd
}

func newExperimentsCmd(flags *connectionFlags) *cobra.Command {
	var toss int
	cmd := &cobra.Command{
		Use:   "experiments [dimension=value ...]",
		Short: "List the experiment variants a set of dimensions lands in",
		RunE: func(cmd *cobra.Command, args []string) error {
			query, err := cac.QueryFromPairs(args)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()
			client, err := experiment.New(ctx, experiment.Config{
				Tenant:    flags.tenant,
				Hostname:  flags.host,
				Frequency: time.Minute,
				Timeout:   flags.timeout,

				InitialFetchTimeout: flags.timeout,
			})
			if err != nil {
				return err
			}
			ids, err := client.ApplicableVariants(query, toss)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"tenant":     client.Tenant(),
				"variantIds": ids,
			})
		},
	}
	cmd.Flags().IntVar(&toss, "toss", -1, "Traffic bucket 0-99; negative picks the first experimental variant")
	return cmd
}

// client fetches the document once; cacctl never starts the polling loop.
func (f *connectionFlags) client(ctx context.Context) (*cac.Client, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	return cac.New(ctx, cac.Config{
		Tenant:              f.tenant,
		Hostname:            f.host,
		Frequency:           time.Minute,
		Timeout:             f.timeout,
		InitialFetchTimeout: f.timeout,
	})
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
