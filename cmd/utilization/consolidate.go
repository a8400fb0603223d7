package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Okossum/utilization-sub004/pkg/startup"
)

func newConsolidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "consolidate",
		Short: "Run one consolidation pass and print its summary",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel, cfg, logger, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer cancel()

			a := newApp(cfg, logger)
			s := startup.NewStartup(logger, cfg.StartupMaxAttempts)
			a.infrastructure(s, true, false)
			defer func() { _ = s.Stop(context.Background()) }()

			if err := s.Start(ctx); err != nil {
				return err
			}
			a.buildEngines()

			result, err := a.consolidator.Run(ctx)
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return err
		},
	}
}
