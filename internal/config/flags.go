package config

import (
	"github.com/spf13/pflag"
)

// Flags are the command-line options of the bridge binary.
type Flags struct {
	ConfigDir   string
	Listen      string
	Target      string
	MaxSessions int
	LogLevel    string
	NoCLI       bool
	Setup       bool
	Version     bool

	set *pflag.FlagSet
}

// ParseFlags parses args (without the program name).
func ParseFlags(name string, args []string) (*Flags, error) {
	f := &Flags{}
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.StringVarP(&f.ConfigDir, "config-dir", "c", DefaultConfigDir, "directory holding config.json or config.yaml")
	fs.StringVarP(&f.Listen, "listen", "l", "", "listen address for game clients (host:port)")
	fs.StringVarP(&f.Target, "target", "t", "", "upstream game server (host:port, tw-0.6+udp:// or tw-0.7+udp://)")
	fs.IntVar(&f.MaxSessions, "max-sessions", 0, "maximum concurrent sessions")
	fs.StringVar(&f.LogLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	fs.BoolVar(&f.NoCLI, "no-cli", false, "disable the interactive console")
	fs.BoolVar(&f.Setup, "setup", false, "run the interactive setup wizard")
	fs.BoolVarP(&f.Version, "version", "v", false, "print the version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	f.set = fs
	return f, nil
}

// Usage returns the flag help text.
func (f *Flags) Usage() string {
	return f.set.FlagUsages()
}

// Apply overrides configuration values with the flags given explicitly.
// It reports whether anything changed.
func (f *Flags) Apply(cfg *Config) bool {
	bd := cfg.GetBridgeData()
	ad := cfg.GetApplicationData()
	changed := false

	if f.set.Changed("listen") {
		bd.ListenAddress = f.Listen
		changed = true
	}
	if f.set.Changed("target") {
		bd.TargetAddress = f.Target
		changed = true
	}
	if f.set.Changed("max-sessions") {
		bd.MaxSessions = f.MaxSessions
		changed = true
	}
	if f.set.Changed("log-level") {
		ad.Logging.Level = f.LogLevel
		changed = true
	}

	if changed {
		cfg.SetBridgeData(bd)
		cfg.SetApplicationData(ad)
	}
	return changed
}
