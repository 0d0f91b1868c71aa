// Command pipelitd is the workflow daemon: it serves the event stream and
// metrics, runs the queue workers, and keeps schedules and sweeps going.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/theuselessai/pipelit/config"
)

var version = "dev"

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "pipelitd",
		Short:         "Pipelit workflow orchestration daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to pipelit.yaml")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run workers, schedules, the sweeper, and the HTTP surface",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Run one zombie/stuck-wait sweep and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return sweepOnce(cmd.Context(), cfg)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the daemon version",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println("pipelitd", version)
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "pipelitd:", err)
		os.Exit(1)
	}
}
