package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "notifyctl",
		Short: "Publish and inspect notification messages",
		Long: `notifyctl publishes notification messages to the RabbitMQ exchanges the
notification service consumes from, and lists the templates it understands.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newPublishCmd(),
		newTemplatesCmd(),
		newVersionCmd(),
	)
	return rootCmd
}
