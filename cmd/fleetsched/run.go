package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/httprunner/fleetsched/remote"
)

func newRunCmd() *cobra.Command {
	var totalExecTime int64
	cmd := &cobra.Command{
		Use:   "run -- [command args...]",
		Short: "Enqueue a command against a running fleetsched serve",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := remote.Dial(rootListenAddr, 5*time.Second)
			if err != nil {
				return fmt.Errorf("connect to %s: %w", rootListenAddr, err)
			}
			defer client.Close()

			ids, err := client.AddCommand(args, totalExecTime)
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Printf("command#%d queued\n", id)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&totalExecTime, "total-exec-time", 0, "seed the new command tracker's accumulated execution time (ms), e.g. when replaying a handover")
	return cmd
}
