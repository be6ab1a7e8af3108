package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/wnxd/modhost/internal/config"
)

var (
	// Version is the semantic version (set via -ldflags).
	Version = "dev"
	// Commit is the git commit hash (set via -ldflags).
	Commit = "unknown"
)

type rootFlags struct {
	cfgFile string
	verbose bool
	flags   map[string]*pflag.Flag
}

func newRootCmd() *cobra.Command {
	rf := &rootFlags{flags: make(map[string]*pflag.Flag)}
	cmd := &cobra.Command{
		Use:   "modhost",
		Short: "Load native plugin modules into a host process",
		Long: `modhost maps every module image found in a folder, drives each through
preinitialize and initialize, and keeps them loaded until interrupted.

Settings come from modhost.{toml,yaml,json} in the working directory or the
user config directory, MODHOST_* environment variables, and flags.`,
		SilenceUsage: true,
	}
	pf := cmd.PersistentFlags()
	pf.StringVar(&rf.cfgFile, "config", "", "config file (default is ./modhost.* or the user config dir)")
	pf.BoolVarP(&rf.verbose, "verbose", "v", false, "enable debug logging")
	pf.String("dir", "mods", "module folder")
	pf.String("pattern", "", "module file pattern matched against base names")
	pf.Bool("recursive", false, "scan subfolders")
	pf.String("log-level", "info", "log level (debug, info, warn, error)")
	rf.bind(pf, "modules.dir", "dir")
	rf.bind(pf, "modules.pattern", "pattern")
	rf.bind(pf, "modules.recursive", "recursive")
	rf.bind(pf, "log.level", "log-level")

	cmd.AddCommand(newScanCmd(rf), newRunCmd(rf), newVersionCmd())
	return cmd
}

func (rf *rootFlags) bind(fs *pflag.FlagSet, key, name string) {
	rf.flags[key] = fs.Lookup(name)
}

func (rf *rootFlags) load(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd.Context(), config.LoadOptions{
		ConfigFilePath: rf.cfgFile,
		Flags:          rf.flags,
	})
	if err != nil {
		return nil, err
	}
	if cfg.Modules.Pattern == "" {
		cfg.Modules.Pattern = config.DefaultConfig().Modules.Pattern
	}
	if rf.verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

// newLogger builds a slog logger backed by a charm log handler.
func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	handler := log.NewWithOptions(w, log.Options{
		Level:           lvl,
		Prefix:          "modhost",
		ReportTimestamp: true,
	})
	return slog.New(handler), nil
}

func stderrLogger(cfg *config.Config) (*slog.Logger, error) {
	return newLogger(os.Stderr, cfg.Log.Level)
}
