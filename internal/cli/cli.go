// Package cli implements the hidstreamd command line.
package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/hidio/hidstream/pkg/daemon"
)

func newRootCommand() *cobra.Command {
	var config daemon.Config
	cmd := &cobra.Command{
		Use:           "hidstreamd",
		Short:         "HID input-report framing and fan-out daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := daemon.New(config)
			if err != nil {
				return err
			}
			defer d.Close()
			return d.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&config.DataDir, "data-dir", "/var/lib/hidstream", "directory for the device metadata database")
	cmd.Flags().StringVar(&config.DevicesConfigPath, "devices-config", "/etc/hidstream/devices.yaml", "watched YAML file with per-device overrides")
	cmd.Flags().StringVar(&config.LogLevel, "log-level", "", "log level override (debug, info, warn, error)")
	return cmd
}

// Main runs the command line with the given arguments.
func Main(ctx context.Context, args []string) error {
	cmd := newRootCommand()
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}
