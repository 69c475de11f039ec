package fleetsched

import "testing"

func TestDefaultConfigFactoryParsesFlags(t *testing.T) {
	factory := DefaultConfigFactory{}
	cfg, err := factory.CreateConfigurationFromArgs([]string{"--loop", "--min-loop-time=1s", "-s", "serial-1", "module-arg"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.Options.LoopMode {
		t.Fatal("expected loop mode to be enabled")
	}
	if cfg.Requirements.Serial != "serial-1" {
		t.Fatalf("expected serial requirement serial-1, got %q", cfg.Requirements.Serial)
	}
	if len(cfg.ModuleArgs) != 1 || cfg.ModuleArgs[0] != "module-arg" {
		t.Fatalf("expected module-arg to survive as a positional arg, got %v", cfg.ModuleArgs)
	}
}

func TestDefaultConfigFactoryRejectsLoopWithoutMinLoopTime(t *testing.T) {
	factory := DefaultConfigFactory{}
	_, err := factory.CreateConfigurationFromArgs([]string{"--loop"})
	if err == nil {
		t.Fatal("expected an error for --loop without --min-loop-time")
	}
}

func TestDefaultConfigFactoryRejectsAllDevicesWithSerial(t *testing.T) {
	factory := DefaultConfigFactory{}
	_, err := factory.CreateConfigurationFromArgs([]string{"--all-devices", "--serial", "serial-1"})
	if err == nil {
		t.Fatal("expected an error combining --all-devices with --serial")
	}
}

func TestLastSerialFlagWins(t *testing.T) {
	factory := DefaultConfigFactory{}
	cfg, err := factory.CreateConfigurationFromArgs([]string{"-s", "serial-1", "-s", "serial-2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Requirements.Serial != "serial-2" {
		t.Fatalf("expected last --serial to win, got %q", cfg.Requirements.Serial)
	}
}

func TestStripNoisyDryRunFlag(t *testing.T) {
	in := []string{"run", "--noisy-dry-run", "--module=foo", "--noisy-dry-run=true"}
	out := stripNoisyDryRunFlag(in)
	want := []string{"run", "--module=foo"}
	if len(out) != len(want) {
		t.Fatalf("got %v, want %v", out, want)
	}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("got %v, want %v", out, want)
		}
	}
}

func TestStripNoisyDryRunFlagLeavesLookalikeModuleArgsAlone(t *testing.T) {
	in := []string{"run", "--module=--noisy-dry-run-ish"}
	out := stripNoisyDryRunFlag(in)
	if len(out) != 1 || out[0] != "--module=--noisy-dry-run-ish" {
		t.Fatalf("expected lookalike token to survive untouched, got %v", out)
	}
}
