package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/httprunner/fleetsched"
	"github.com/httprunner/fleetsched/internal/config"
	"github.com/httprunner/fleetsched/internal/providers/adb"
	"github.com/httprunner/fleetsched/remote"
	"github.com/httprunner/fleetsched/store"
)

var (
	serveCommandFile  string
	serveHistoryDB    bool
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and its remote control server in the foreground",
		RunE:  runServe,
	}
	cmd.Flags().StringVar(&serveCommandFile, "command-file", "", "command file to load and watch for changes")
	cmd.Flags().BoolVar(&serveHistoryDB, "history", false, "persist execution outcomes to a local sqlite database")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	provider, err := adb.NewDefault()
	if err != nil {
		return err
	}

	allowlist := adb.AllowlistFromEnv()
	if strings.TrimSpace(rootDeviceAllowlist) != "" {
		allowlist = strings.Split(rootDeviceAllowlist, ",")
	}

	utilMonitor := fleetsched.NewDeviceUtilStatsMonitor(fleetsched.StubIncludeIfUsed)
	deviceManager := adb.NewManager(provider, allowlist, utilMonitor)

	opts := []fleetsched.SchedulerOption{fleetsched.WithUtilizationMonitor(utilMonitor)}
	if serveHistoryDB {
		histStore, err := store.OpenSQLiteHistoryStore()
		if err != nil {
			return err
		}
		defer histStore.Close()
		opts = append(opts, fleetsched.WithExecutionRecorder(historyRecorderAdapter{store: histStore}))
	}

	runner := noopInvocationRunner{}
	configFactory := fleetsched.DefaultConfigFactory{}
	scheduler := fleetsched.NewCommandScheduler(deviceManager, runner, configFactory, opts...)

	if err := scheduler.Start(ctx); err != nil {
		return err
	}

	if serveCommandFile != "" {
		watcher := fleetsched.NewCommandFileWatcher(scheduler, noopCommandFileParser{})
		watcher.AddCommandFile(&fleetsched.CommandFile{Path: serveCommandFile})
		watcher.Start()
		defer watcher.Cancel()
	}

	backend := &schedulerBackend{scheduler: scheduler}
	manager, err := remote.NewManager(backend, rootListenAddr, rootAutoHandover)
	if err != nil {
		return err
	}
	defer manager.Close()

	log.Info().Str("addr", manager.Addr().String()).Msg("fleetsched: remote manager listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := manager.Serve(ctx); err != nil {
			log.Error().Err(err).Msg("fleetsched: remote manager stopped")
		}
	}()

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("fleetsched: shutting down")
	case <-ctx.Done():
	}

	scheduler.ShutdownOnEmpty()
	doneCh := make(chan struct{})
	go func() {
		scheduler.Join()
		close(doneCh)
	}()
	gracePeriod := config.Duration("FLEETSCHED_SHUTDOWN_GRACE", 30*time.Second)
	select {
	case <-doneCh:
	case <-time.After(gracePeriod):
		log.Warn().Msg("fleetsched: forcing shutdown after grace period")
		scheduler.ShutdownHard()
		scheduler.Join()
	}
	return nil
}

// noopInvocationRunner is a placeholder InvocationRunner that completes
// every invocation immediately, freeing the device Available. It exists so
// the scheduler and remote control surface can be exercised end to end
// before a concrete test-runner adapter (target preparers, result
// reporters) is wired in; a real deployment replaces it entirely.
type noopInvocationRunner struct{}

func (noopInvocationRunner) Invoke(ctx context.Context, device fleetsched.DeviceHandle, cfg *fleetsched.Config, rescheduler fleetsched.Rescheduler, listener fleetsched.InvocationListener) error {
	listener.InvocationComplete(device, fleetsched.FreeAvailable)
	return nil
}

// noopCommandFileParser is a placeholder CommandFileParser: the on-disk
// command file format itself is out of scope for this core (spec.md §6.2).
type noopCommandFileParser struct{}

func (noopCommandFileParser) ParseFile(path string, extraArgs []string, sched *fleetsched.CommandScheduler) error {
	log.Warn().Str("path", path).Msg("fleetsched: no command file parser configured, ignoring reload")
	return nil
}

type historyRecorderAdapter struct {
	store *store.SQLiteHistoryStore
}

func (h historyRecorderAdapter) RecordExecution(rec fleetsched.ExecutionRecord) {
	err := h.store.RecordExecution(context.Background(), store.ExecutionRecord{
		CommandID:    rec.CommandID,
		Args:         rec.Args,
		DeviceSerial: rec.DeviceSerial,
		StartUnixMs:  rec.StartTime.UnixMilli(),
		EndUnixMs:    rec.EndTime.UnixMilli(),
		Status:       rec.Status,
		Error:        rec.Error,
	})
	if err != nil {
		log.Warn().Err(err).Int64("commandId", rec.CommandID).Msg("fleetsched: persist execution history failed")
	}
}

// schedulerBackend adapts *fleetsched.CommandScheduler to remote.Backend.
type schedulerBackend struct {
	scheduler *fleetsched.CommandScheduler
}

// AllocateDevice force-allocates serial, exactly as named in the peer's
// ALLOCATE_DEVICE request, on behalf of that remote peer and marks it held
// in the shared DeviceTracker (spec.md §4.A DT-1).
func (b *schedulerBackend) AllocateDevice(serial string) error {
	handle, err := b.scheduler.ForceAllocateDeviceDirect(serial)
	if err != nil {
		return err
	}
	if handle == nil {
		return fmt.Errorf("allocate device: %s not available", serial)
	}
	return nil
}

func (b *schedulerBackend) FreeDevice(serial string, freeState string) (bool, error) {
	return b.scheduler.FreeDeviceTrackedDirect(serial, parseFreeState(freeState)), nil
}

func (b *schedulerBackend) AddCommand(args []string, totalExecTime int64) ([]int64, error) {
	trackers, err := b.scheduler.AddCommand(context.Background(), args, totalExecTime)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(trackers))
	for _, tracker := range trackers {
		ids = append(ids, tracker.ID)
	}
	return ids, nil
}

func (b *schedulerBackend) ExecCommand(ctx context.Context, serial string, args []string) error {
	return b.scheduler.ExecCommand(ctx, remoteDeviceHandle{serial: serial}, args, noopListener{})
}

func (b *schedulerBackend) ListDevices(ctx context.Context) ([]remote.DeviceInfo, error) {
	devices, err := b.scheduler.ListAllDevices(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]remote.DeviceInfo, 0, len(devices))
	for _, d := range devices {
		out = append(out, remote.DeviceInfo{
			Serial:         d.Serial,
			IsStub:         d.IsStub,
			State:          d.State.String(),
			Product:        d.Product,
			ProductVariant: d.ProductVariant,
			SdkVersion:     d.SdkVersion,
			BuildID:        d.BuildID,
			BatteryLevel:   d.BatteryLevel,
		})
	}
	return out, nil
}

func (b *schedulerBackend) GetLastCommandResult(serial string) (string, string, string, error) {
	status, errMsg, freeState := b.scheduler.GetSerialCommandResult(serial)
	return status, errMsg, freeState, nil
}

// HandoverClose runs the outgoing side of the handover protocol (spec.md
// §4.E, §1.4): connects to the successor already listening on port,
// transfers every allocated serial and pending command, then begins a
// graceful local shutdown.
func (b *schedulerBackend) HandoverClose(ctx context.Context, port int) (bool, error) {
	return b.scheduler.HandoverShutdown(port), nil
}

type remoteDeviceHandle struct{ serial string }

func (h remoteDeviceHandle) Serial() string { return h.serial }

type noopListener struct{}

func (noopListener) InvocationComplete(device fleetsched.DeviceHandle, freeState fleetsched.FreeDeviceState) {
}
func (noopListener) InvocationFailed(cause error) {}

func parseFreeState(s string) fleetsched.FreeDeviceState {
	switch s {
	case "Unresponsive":
		return fleetsched.FreeUnresponsive
	case "Unavailable":
		return fleetsched.FreeUnavailable
	case "Ignore":
		return fleetsched.FreeIgnore
	default:
		return fleetsched.FreeAvailable
	}
}
