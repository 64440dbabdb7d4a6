package config

import (
	"flag"
	"fmt"
	"os"

	"import.name/confi"
)

// DefaultFiles lists the config file paths granaryctl consults before
// flags, in the same "system-wide then override" order as the
// pack's cmdconf.Parse callers.
var DefaultFiles = []string{
	"/etc/granary/granary.toml",
	"/etc/granary/granary.d/*.toml",
}

// Load builds a Config starting from Default, then applies any
// -F/-f/-d/-o flags found in flags before parsing the caller's own
// flags, mirroring internal/cmdconf.Parse's buffer-then-flush
// sequence: file replacement and per-option overrides all land in one
// confi.Buffer before a single Flush validates the merged result.
func Load(flags *flag.FlagSet, args []string) (*Config, error) {
	c := Default

	b := confi.NewBuffer(DefaultFiles...)
	flags.Var(b.FileReplacer(), "F", "replace previous configuration with this file")
	flags.Var(b.FileReader(), "f", "read a configuration file")
	flags.Var(b.DirReader("*.toml"), "d", "read configuration files from a directory")
	flags.Var(b.Assigner(), "o", "set a configuration option (path.to.key=value)")
	flag.Usage = confi.FlagUsage(nil, &c)

	if err := flags.Parse(args); err != nil {
		return nil, err
	}
	if err := b.Flush(&c, false); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &c, nil
}

// MustLoad calls Load and exits on error, matching the CLI-entrypoint
// idiom the pack's own cmd/gate-* mains use for configuration
// failures.
func MustLoad(flags *flag.FlagSet, args []string) *Config {
	c, err := Load(flags, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", flags.Name(), err)
		os.Exit(2)
	}
	return c
}
