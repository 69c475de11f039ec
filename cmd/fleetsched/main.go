package main

import (
	"os"

	"github.com/httprunner/fleetsched/internal/config"
	"github.com/httprunner/fleetsched/internal/env"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "fleetsched",
	Short: "Priority-fair test command scheduler and device allocator",
	Long:  "fleetsched schedules test commands onto a shared device pool, fairly by accumulated run time, and exposes the pool over a local remote-control protocol.",
}

var (
	rootListenAddr string
	rootDeviceAllowlist string
	rootAutoHandover bool
)

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	rootCmd.PersistentFlags().StringVar(&rootListenAddr, "listen", config.String("FLEETSCHED_LISTEN_ADDR", ":30103"), "remote manager TCP listen address")
	rootCmd.PersistentFlags().StringVar(&rootDeviceAllowlist, "device-allowlist", "", "comma-separated serials to restrict the device pool to (overrides DEVICE_ALLOWLIST)")
	rootCmd.PersistentFlags().BoolVar(&rootAutoHandover, "auto-handover", config.Bool("FLEETSCHED_AUTO_HANDOVER", false), "if the listen address is already bound, ask the occupant to hand its device pool over instead of failing")
	rootCmd.AddCommand(
		newServeCmd(),
		newListDevicesCmd(),
		newRunCmd(),
	)
	_ = env.Ensure()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("fleetsched command failed")
	}
}
