package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/httprunner/fleetsched/remote"
)

func newListDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-devices",
		Short: "List every device a running fleetsched serve knows about",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := remote.Dial(rootListenAddr, 5*time.Second)
			if err != nil {
				return fmt.Errorf("connect to %s: %w", rootListenAddr, err)
			}
			defer client.Close()

			devices, err := client.ListDevices()
			if err != nil {
				return err
			}
			for _, d := range devices {
				fmt.Printf("%-24s %-14s battery=%d%%  %s %s\n", d.Serial, d.State, d.BatteryLevel, d.Product, d.SdkVersion)
			}
			return nil
		},
	}
}
