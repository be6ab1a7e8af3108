package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
	"github.com/wnxd/modhost/image"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "modhost %s (commit: %s, %s/%s, arch %v)\n",
				Version, Commit, runtime.GOOS, runtime.GOARCH, image.CurrentArch())
		},
	}
}
