package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/wnxd/modhost"
	"github.com/wnxd/modhost/host"
	"github.com/wnxd/modhost/internal/config"
	"github.com/wnxd/modhost/internal/watch"
)

func newRunCmd(rf *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Load every module and keep them running until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := rf.load(cmd)
			if err != nil {
				return err
			}
			logger, err := stderrLogger(cfg)
			if err != nil {
				return err
			}
			rt, err := modhost.Attach(host.Options{Pattern: cfg.Modules.Pattern, Logger: logger})
			if err != nil {
				return fmt.Errorf("attach runtime: %w", err)
			}
			return errors.Join(run(cmd.Context(), rt, cfg, logger), rt.Close())
		},
	}
	cmd.Flags().Bool("watch", false, "hot-load modules added to the folder")
	cmd.Flags().Duration("debounce", config.DefaultConfig().Modules.Debounce, "quiet period before reloading changed modules")
	rf.bind(cmd.Flags(), "modules.watch", "watch")
	rf.bind(cmd.Flags(), "modules.debounce", "debounce")
	return cmd
}

// run maps the module folder, drives the lifecycle and blocks until ctx is
// done.
func run(ctx context.Context, rt host.Runtime, cfg *config.Config, logger *slog.Logger) error {
	n, err := rt.MapFolder(cfg.Modules.Dir, cfg.Modules.Recursive, false)
	if err != nil {
		return err
	}
	if err := rt.PreinitializeAll(); err != nil {
		logger.Warn("preinitialize failed", "error", err)
	}
	if err := rt.InitializeAll(); err != nil {
		logger.Warn("initialize failed", "error", err)
	}
	logger.Info("modules loaded", "mapped", n, "running", len(rt.Modules())-1)

	if !cfg.Modules.Watch {
		<-ctx.Done()
		return nil
	}
	w, err := watch.New(watch.Config{
		Dir:       cfg.Modules.Dir,
		Pattern:   cfg.Modules.Pattern,
		Recursive: cfg.Modules.Recursive,
		Debounce:  cfg.Modules.Debounce,
		Modules:   rt,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	return w.Run(ctx)
}
