// Package main implements contractctl, the operator CLI for contractlens.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ericksa/contractlens/internal/app"
	"github.com/ericksa/contractlens/internal/audit"
	"github.com/ericksa/contractlens/internal/config"
	"github.com/ericksa/contractlens/internal/logging"
	"github.com/ericksa/contractlens/internal/middleware"
	"github.com/ericksa/contractlens/internal/retrieval"
	"github.com/ericksa/contractlens/internal/store"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type cli struct {
	cfg    *config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:     "contractctl",
		Short:   "Operate a contractlens deployment",
		Version: version,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: "console"})
			if err != nil {
				return err
			}
			c.cfg, c.logger = cfg, logger
			return nil
		},
		SilenceUsage: true,
	}
	root.AddCommand(c.analyzeCmd(), c.migrateCmd(), c.contextCmd(), c.tokenCmd(), c.auditCmd())
	return root
}

func (c *cli) openStore(ctx context.Context) (*store.Store, error) {
	return store.Open(ctx, c.cfg.Database.Driver, c.cfg.Database.DSN)
}

func (c *cli) analyzeCmd() *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "analyze <file>",
		Short: "Upload and analyze a contract PDF",
		Long: `Upload a contract PDF as the given user and run the analysis to completion.

Examples:
  contractctl analyze lease.pdf --user alice`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.cfg.Validate(); err != nil {
				return err
			}
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			a, err := app.Build(cmd.Context(), c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.Lifecycle.UploadAndAnalyze(cmd.Context(), user, args[0], raw)
			if res.Document.ID != "" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if encErr := enc.Encode(res); encErr != nil {
					return encErr
				}
			}
			return err
		},
	}
	cmd.Flags().StringVar(&user, "user", "cli", "owner of the uploaded document")
	return cmd
}

func (c *cli) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := c.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "schema up to date (%s)\n", st.Dialect())
			return nil
		},
	}
}

func (c *cli) contextCmd() *cobra.Command {
	var documentID string
	cmd := &cobra.Command{
		Use:   "context <user>",
		Short: "Print the contract context the assistant would see for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := c.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			r := retrieval.New(retrieval.Config{MaxClauses: c.cfg.Retrieval.MaxClauses}, st, nil, c.logger)
			var scope *string
			if documentID != "" {
				scope = &documentID
			}
			block, err := r.Build(cmd.Context(), args[0], scope)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), block.Text)
			return nil
		},
	}
	cmd.Flags().StringVar(&documentID, "document", "", "restrict the context to one document")
	return cmd
}

func (c *cli) tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <user>",
		Short: "Issue a bearer token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := middleware.NewToken(c.cfg.Auth, args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func (c *cli) auditCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List recent model invocations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := c.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			entries, err := audit.New(st, c.logger).Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tOPERATION\tPROVIDER\tMODEL\tSUBJECT\tDURATION\tERROR")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					e.Timestamp.Format(time.RFC3339), e.Operation, e.Provider, e.Model, e.SubjectID, e.Duration, e.Error)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of entries")
	return cmd
}
