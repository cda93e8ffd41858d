package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"pulseboard/api/internal/auth"
	"pulseboard/api/internal/config"
	"pulseboard/api/internal/logging"
	"pulseboard/api/internal/store"
)

func main() {
	var opts serveOptions

	rootCmd := &cobra.Command{
		Use:   "pulseboard-api",
		Short: "Pulseboard API - live organization dashboards",
		Long: `Serves per-user live dashboards: organizations, workspaces and the active
organization's pulse log, kept current over Postgres LISTEN/NOTIFY and themed
from each organization's profile.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	addServeFlags(rootCmd, &opts)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	addServeFlags(serveCmd, &opts)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(tokenCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func addServeFlags(cmd *cobra.Command, opts *serveOptions) {
	cmd.Flags().BoolVar(&opts.memory, "memory", false, "serve a seeded in-memory demo instead of Postgres and Redis")
	cmd.Flags().StringVar(&opts.demoOwner, "demo-owner", "u_demo", "owner of the demo organizations in --memory mode")
	cmd.Flags().StringVar(&opts.demoViewer, "demo-viewer", "u_viewer", "viewer member of the demo organizations in --memory mode")
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log := logging.ConsoleLogger(logrus.InfoLevel)

			pool, err := store.Open(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := store.ApplyMigrations(cmd.Context(), pool, store.Migrations()); err != nil {
				return err
			}
			log.Info("migrations applied")
			return nil
		},
	}
}

func seedCmd() *cobra.Command {
	var owner, viewer string

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create demo organizations owned by a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log := logging.ConsoleLogger(logrus.InfoLevel)

			pool, err := store.Open(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := store.ApplyMigrations(cmd.Context(), pool, store.Migrations()); err != nil {
				return err
			}

			result, err := store.NewPostgresStore(pool).Seed(cmd.Context(), owner, viewer)
			if err != nil {
				return err
			}
			for _, org := range result.Organizations {
				log.WithFields(logrus.Fields{"organization_id": org.ID, "name": org.Name}).Info("organization seeded")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "user id owning the demo organizations")
	cmd.Flags().StringVar(&viewer, "viewer", "", "optional user id added as a viewer")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func tokenCmd() *cobra.Command {
	var name string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue a bearer token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			issued, err := auth.Issue([]byte(cfg.JWTSecret), args[0], name, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), issued)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name carried in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
