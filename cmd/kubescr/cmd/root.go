package cmd

import "github.com/spf13/cobra"

// Version is set by the main package via ldflags.
var Version = "dev"

// NewRootCmd creates the root kubescr command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "kubescr",
		Short:   "kubescr — coordinated checkpoint/restore for distributed applications",
		Version: Version,
	}

	rootCmd.AddCommand(newServerCmd())
	rootCmd.AddCommand(newClientCmd())
	rootCmd.AddCommand(newKubernetesCmd())

	return rootCmd
}
