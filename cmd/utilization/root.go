package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Okossum/utilization-sub004/config"
)

type rootOptions struct {
	envFiles []string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "utilization",
		Short:         "Workforce utilization identity and consolidation service",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", []string{".env", ".env.local"}, "env files loaded before the environment is parsed")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newConsolidateCmd(opts))
	cmd.AddCommand(newMigrateCmd(opts))
	return cmd
}

// setup loads config and builds the logger every command starts from.
func setup(cmd *cobra.Command, opts *rootOptions) (context.Context, context.CancelFunc, *config.Config, ectologger.Logger, error) {
	cfg, err := config.Load(opts.envFiles...)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	return ctx, cancel, cfg, logger, nil
}

func newLogger(cfg *config.Config) (ectologger.Logger, error) {
	zapConfig := zap.NewProductionConfig()
	if cfg.PrettyLogs {
		zapConfig = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zapConfig.Level = level

	zapLogger, err := zapConfig.Build()
	if err != nil {
		return nil, err
	}
	return zapadapter.NewZapEctoLogger(zapLogger.With(zap.String("app", cfg.AppName)), nil), nil
}
