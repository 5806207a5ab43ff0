package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"campaignq/internal/app"
	"campaignq/internal/config"
	"campaignq/internal/quota"
	logx "campaignq/pkg/logx"

	"github.com/spf13/cobra"
)

func newLimitsCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "limits",
		Short: "Show quota usage and the next window resets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadDotEnv(opts.envFiles...); err != nil {
				return err
			}
			cfg, err := config.Load(opts.path())
			if err != nil {
				return err
			}
			st, err := app.ReadLimits(cmd.Context(), cfg, logx.Nop())
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}
			return printLimits(cmd.OutOrStdout(), st)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func printLimits(w io.Writer, st quota.Status) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "WINDOW\tSENT\tLIMIT\tREMAINING\tUSED\tNEXT RESET")
	fmt.Fprintf(tw, "hourly\t%d\t%d\t%d\t%.1f%%\t%s\n", st.HourlyCount, st.HourlyLimit, st.HourlyRemaining, st.HourlyPercent, st.NextHourlyReset.Format(time.RFC3339))
	fmt.Fprintf(tw, "daily\t%d\t%d\t%d\t%.1f%%\t%s\n", st.DailyCount, st.DailyLimit, st.DailyRemaining, st.DailyPercent, st.NextDailyReset.Format(time.RFC3339))
	if err := tw.Flush(); err != nil {
		return err
	}
	switch {
	case !st.CanSend:
		_, err := fmt.Fprintln(w, "sending paused until the next reset")
		return err
	case st.NearLimit:
		_, err := fmt.Fprintln(w, "near limit")
		return err
	}
	return nil
}
