package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"swapkernel/boot"
)

var bootArgs = boot.DefaultArgs()

// kernel is the live instance every subcommand operates against, built by
// the root command's PersistentPreRunE once flags are parsed.
var kernel *boot.Kernel

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "swapctl",
		Short: "drive the swap-coordinating microkernel core simulation",
		Long: "swapctl boots an in-process simulation of the swap subsystem and IPC\n" +
			"substrate and runs the demo scenarios that exercise it end to end.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			k, err := boot.New(bootArgs)
			if err != nil {
				return err
			}
			kernel = k
			return nil
		},
	}

	root.PersistentFlags().IntVar(&bootArgs.NFrames, "frames", bootArgs.NFrames, "number of physical frames to simulate")
	root.PersistentFlags().IntVar(&bootArgs.SwapSlots, "swap-slots", bootArgs.SwapSlots, "number of encrypted swap slots")
	root.PersistentFlags().StringVar(&bootArgs.LogLevel, "log-level", bootArgs.LogLevel, "logrus level (debug, info, warn, error)")

	root.AddCommand(newDemoCmd())
	return root
}

// Execute runs swapctl with os.Args and returns a process exit code.
func Execute() int {
	if err := newRootCmd().Execute(); err != nil {
		logrus.WithError(err).Error("swapctl: command failed")
		return 1
	}
	return 0
}
