package main

import (
	"github.com/spf13/cobra"
)

var configPath string

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "dusksync",
		Short: "DAG-BFT consensus certificate store and block sync node",
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a TOML configuration file")

	root.AddCommand(newRunCommand())
	root.AddCommand(newVersionCommand())

	return root
}
