package main

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/invoicecat/invoicecat/internal/auth"
	"github.com/invoicecat/invoicecat/internal/logging"
	"github.com/invoicecat/invoicecat/internal/platform"
	"github.com/invoicecat/invoicecat/pkg/config"
)

func newMigrateCmd() *cobra.Command {
	var (
		down        int
		showVersion bool
	)

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back the postgres ledger schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			if cfg.Ledger.DatabaseURL == "" {
				return fmt.Errorf("ledger.database_url (DATABASE_URL) is required")
			}

			db, err := sql.Open("postgres", cfg.Ledger.DatabaseURL)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			out := cmd.OutOrStdout()
			switch {
			case showVersion:
				v, dirty, err := platform.Version(db)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "version %d (dirty=%t)\n", v, dirty)
				return nil
			case down > 0:
				if err := platform.Rollback(db, down); err != nil {
					return err
				}
				fmt.Fprintf(out, "rolled back %d migration(s)\n", down)
				return nil
			}
			if err := platform.AutoMigrate(db); err != nil {
				return err
			}
			fmt.Fprintln(out, "migrations applied")
			return nil
		},
	}

	cmd.Flags().IntVar(&down, "down", 0, "Roll back this many migrations instead of applying")
	cmd.Flags().BoolVar(&showVersion, "version", false, "Print the current schema version")
	return cmd
}

func newTokenCmd() *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token <username>",
		Short: "Issue a session token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			v, err := auth.NewVerifier([]byte(cfg.Auth.Key), cfg.Auth.Algorithm, cfg.Auth.Issuer)
			if err != nil {
				return err
			}
			if ttl == 0 {
				ttl = cfg.Auth.TokenTTL
			}
			tok, err := v.Issue(args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}

	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (defaults to auth.token_ttl)")
	return cmd
}

func newPurgeOwnerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge-owner <username>",
		Short: "Delete every file owned by a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			log := logging.New(cfg.Server.Debug)
			defer func() { _ = log.Sync() }()

			a, err := newApp(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.service.PurgeOwner(cmd.Context(), args[0])
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d file(s) of %s\n", n, args[0])
			return err
		},
	}
	return cmd
}
