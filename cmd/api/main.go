package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/baharkarakas/paygate/internal/config"
	"github.com/baharkarakas/paygate/internal/db"
	"github.com/baharkarakas/paygate/internal/logger"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "paygate",
		Short:         "Payment gateway aggregator API",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	serve := serveCmd()
	rootCmd.RunE = serve.RunE

	rootCmd.AddCommand(serve)
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(appCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// bootstrap loads config and the process logger shared by every command.
func bootstrap() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, err
	}
	log, err := logger.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("logger: %w", err)
	}
	return cfg, log, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := bootstrap()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			if err := db.RunMigrations(cmd.Context(), cfg.DatabaseURL); err != nil {
				return fmt.Errorf("migrations: %w", err)
			}
			log.Info("migrations applied")
			return nil
		},
	}
}

func appCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "app",
		Short: "Manage consumer apps",
	}

	create := &cobra.Command{
		Use:   "create",
		Short: "Register an app and print its credentials once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, _ := cmd.Flags().GetString("name")
			cfg, log, err := bootstrap()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, 2)
			if err != nil {
				return fmt.Errorf("db connect: %w", err)
			}
			defer pool.Close()

			a, err := newApp(ctx, cfg, log, pool)
			if err != nil {
				return err
			}
			defer a.close()

			app, secret, err := a.apps.Register(ctx, name)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "app_id:     %s\napp_secret: %s\n", app.ID, secret)
			fmt.Fprintln(cmd.OutOrStdout(), "the secret is not stored in plain text and cannot be shown again")
			return nil
		},
	}
	create.Flags().StringP("name", "n", "", "App name")
	_ = create.MarkFlagRequired("name")

	cmd.AddCommand(create)
	return cmd
}
