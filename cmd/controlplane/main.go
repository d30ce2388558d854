package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/yanun0323/logs"
)

var version = "dev"

var configFile string

func main() {
	if err := buildCLI().Execute(); err != nil {
		logs.Errorf("controlplane: %v", err)
		os.Exit(1)
	}
}

func buildCLI() *cobra.Command {
	root := &cobra.Command{
		Use:           "controlplane",
		Short:         "Messaging control plane for trading services",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/controlplane.yaml", "config file path")

	root.AddCommand(buildRunCommand())
	root.AddCommand(buildSimulateCommand())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println(version)
		},
	})
	return root
}
