package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	envFiles   []string
}

// path resolves the config file: the flag, else $CAMPAIGNQ_CONFIG, else none.
func (o *rootOptions) path() string {
	if p := strings.TrimSpace(o.configPath); p != "" {
		return p
	}
	return strings.TrimSpace(os.Getenv("CAMPAIGNQ_CONFIG"))
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "campaignq",
		Short: "Rate-limited campaign dispatch queue",
		Long: `campaignq drains campaign queues through an e-mail provider under a
global hourly and daily quota, and reports progress to its notification sinks.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to config file (json, yaml or toml)")
	cmd.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", []string{".env"}, "dotenv files loaded before the config; missing files are ignored")

	cmd.AddCommand(
		newServeCmd(opts),
		newLimitsCmd(opts),
		newCheckConfigCmd(opts),
	)
	return cmd
}
