package fleetsched

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

// DeviceRequirements narrows which device a command is eligible to run on.
// It is intentionally a thin value type: the concrete DeviceManager
// implementation (e.g. the adb device bridge) decides how to match it.
type DeviceRequirements struct {
	Serial string
}

// Matches reports whether a descriptor satisfies these requirements.
func (r DeviceRequirements) Matches(d DeviceDescriptor) bool {
	if r.Serial == "" {
		return true
	}
	return d.Serial == r.Serial
}

// CommandOptions carries the per-command flags the config factory parses
// out of the argument vector.
type CommandOptions struct {
	HelpMode        bool
	FullHelpMode    bool
	DryRun          bool
	NoisyDryRun     bool
	LoopMode        bool
	MinLoopTime     time.Duration
	RunOnAllDevices bool
}

func (o CommandOptions) isHelpMode() bool     { return o.HelpMode || o.FullHelpMode }
func (o CommandOptions) isDryRunMode() bool    { return o.DryRun || o.NoisyDryRun }
func (o CommandOptions) isLoopMode() bool      { return o.LoopMode }
func (o CommandOptions) getMinLoopTime() time.Duration { return o.MinLoopTime }
func (o CommandOptions) runOnAllDevices() bool { return o.RunOnAllDevices }

// Config is the parsed result of a command's argument vector: what the
// (external, out-of-scope) invocation runner needs plus the scheduling
// knobs the scheduler itself interprets.
type Config struct {
	Options      CommandOptions
	Requirements DeviceRequirements
	// ModuleArgs are the remaining positional arguments after flags are
	// consumed; interpretation is left to the external invocation runner.
	ModuleArgs []string
}

// ValidateOptions rejects option combinations that can never be satisfied.
func (c *Config) ValidateOptions() error {
	if c.Options.LoopMode && c.Options.MinLoopTime <= 0 {
		return errors.New("config: --loop requires a positive --min-loop-time")
	}
	if c.Options.RunOnAllDevices && c.Requirements.Serial != "" {
		return errors.New("config: --all-devices cannot be combined with --serial")
	}
	return nil
}

// ConfigFactory is the external port (§6.2) the scheduler uses to turn a raw
// argument vector into a Config. The invocation runner, target preparers,
// and result reporters a real Config would also carry are out of scope for
// this core and are left to the caller's own ConfigFactory implementation.
type ConfigFactory interface {
	CreateConfigurationFromArgs(args []string) (*Config, error)
}

// DefaultConfigFactory parses args with a pflag.FlagSet in
// ContinueOnError mode. It is the config intake used unless a caller injects
// its own ConfigFactory (spec.md §4.L).
type DefaultConfigFactory struct{}

// CreateConfigurationFromArgs implements ConfigFactory.
func (DefaultConfigFactory) CreateConfigurationFromArgs(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("fleetsched-command", pflag.ContinueOnError)
	fs.Usage = func() {}

	var serials []string
	help := fs.BoolP("help", "h", false, "print command help")
	fullHelp := fs.Bool("full-help", false, "print full command help")
	dryRun := fs.Bool("dry-run", false, "parse and validate only; do not enqueue")
	noisyDryRun := fs.Bool("noisy-dry-run", false, "dry-run, printing the command with the flag stripped")
	loop := fs.Bool("loop", false, "re-enqueue this command after each run")
	minLoopTime := fs.Duration("min-loop-time", 0, "minimum delay between loop iterations")
	allDevices := fs.Bool("all-devices", false, "fan this command out to every currently-known device")
	fs.StringArrayVarP(&serials, "serial", "s", nil, "restrict the command to this device serial (repeatable)")

	if err := fs.Parse(args); err != nil {
		return nil, errors.Wrap(err, "config intake: parse args")
	}

	cfg := &Config{
		Options: CommandOptions{
			HelpMode:        *help,
			FullHelpMode:    *fullHelp,
			DryRun:          *dryRun,
			NoisyDryRun:     *noisyDryRun,
			LoopMode:        *loop,
			MinLoopTime:     *minLoopTime,
			RunOnAllDevices: *allDevices,
		},
		ModuleArgs: fs.Args(),
	}
	if len(serials) > 0 {
		cfg.Requirements.Serial = serials[len(serials)-1]
	}

	if err := cfg.ValidateOptions(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// stripNoisyDryRunFlag removes every "--noisy-dry-run" and
// "--noisy-dry-run=<value>" token from args token-by-token before the
// command is echoed to the operator. This resolves spec.md §9's open
// question in favor of token-level stripping rather than a textual
// find/replace, so a module argument that happens to contain the substring
// "--noisy-dry-run" is never mangled.
func stripNoisyDryRunFlag(args []string) []string {
	out := make([]string, 0, len(args))
	for _, tok := range args {
		if tok == "--noisy-dry-run" || strings.HasPrefix(tok, "--noisy-dry-run=") {
			continue
		}
		out = append(out, tok)
	}
	return out
}
