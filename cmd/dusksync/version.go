package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags; it defaults to "dev" for local
// builds.
var version = "dev"

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the dusksync version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version)
			return nil
		},
	}
}
