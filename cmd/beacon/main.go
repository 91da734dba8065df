package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"beacon/internal/app"
	"beacon/pkg/logx"
	"beacon/pkg/systemd"
)

const stopTimeout = 15 * time.Second

func main() {
	var cfgPath string

	rootCmd := &cobra.Command{
		Use:           "beacon",
		Short:         "Duty-cycled data collection daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to config (yaml or json)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the collectors until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cfgPath)
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "check-config",
		Short: "Validate the config file and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := app.CheckConfig(cfgPath); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "config ok:", cfgPath)
			return nil
		},
	})

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	a, err := app.NewApp(cfgPath)
	if err != nil {
		return err
	}
	notify := systemd.NewNotifier(logx.NewConsole("INFO").With(logx.String("comp", "systemd")))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := a.Start(runCtx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	go func() { _ = notify.Watchdog(runCtx) }()
	notify.Ready()
	notify.Status("collecting (device %s)", a.DeviceID())

	reason := app.StopUnknown
	select {
	case sig := <-sigs:
		switch sig {
		case os.Interrupt:
			reason = app.StopSIGINT
		case syscall.SIGTERM:
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	notify.Stopping()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	cancel()

	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}
