package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"campaignq/internal/app"
	"campaignq/internal/config"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var shutdownTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatcher and its control API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadDotEnv(opts.envFiles...); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.NewApp(opts.path())
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				stopWithin(a, shutdownTimeout)
				return err
			}
			_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
			go watchdog(ctx)

			select {
			case <-ctx.Done():
			case <-a.Done():
			}
			_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
			stopWithin(a, shutdownTimeout)
			return a.Err()
		},
	}
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 15*time.Second, "grace period for in-flight sends on shutdown")
	return cmd
}

func stopWithin(a *app.App, d time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	a.Stop(ctx)
}

// watchdog pings systemd at half the configured WatchdogSec, if any.
func watchdog(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}
