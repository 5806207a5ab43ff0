package main

import (
	"errors"
	"fmt"

	"campaignq/internal/config"

	"github.com/spf13/cobra"
)

func newCheckConfigCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadDotEnv(opts.envFiles...); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			cfg, err := config.Load(opts.path())
			if err != nil {
				var ce *config.ConfigError
				if errors.As(err, &ce) {
					for _, p := range ce.Problems {
						fmt.Fprintf(out, "  - %s\n", p)
					}
				}
				return err
			}
			fmt.Fprintf(out, "config ok: quota %d/h %d/day, storage %s, transport %s\n",
				cfg.Quota.HourlyLimit, cfg.Quota.DailyLimit, cfg.Storage.Driver, cfg.Transport.Provider)
			return nil
		},
	}
}
