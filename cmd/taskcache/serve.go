package main

import (
	"github.com/spf13/cobra"

	"github.com/chronosphereio/taskcache"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the line-delimited JSON cache protocol on stdin/stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			return taskcache.NewCacheProg(a.manager, cmd.InOrStdin(), cmd.OutOrStdout()).Run()
		},
	}
}
