package main

import "github.com/spf13/cobra"

var (
	rootCmd = &cobra.Command{
		Use:           "fx3d",
		Short:         "fx3 sensor bridge daemon.",
		Long:          ``,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
)

func Execute() error {
	return rootCmd.Execute()
}
