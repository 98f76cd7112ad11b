package main

import (
	"os"

	"github.com/spf13/cobra"

	"PPChat/logger"
)

func NewRootCommand() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:           "ppchat",
		Short:         "PPChat real-time session and delivery gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "yaml config file (optional)")
	cmd.AddCommand(
		NewGatewayCommand(&cfgPath),
		NewSweepCommand(&cfgPath),
	)
	return cmd
}

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		logger.Errorf("ppchat: %+v", err)
		logger.Sync()
		os.Exit(1)
	}
}
