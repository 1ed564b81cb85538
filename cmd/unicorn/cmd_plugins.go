package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"unicorn/internal/diagnostics"
	"unicorn/internal/plugins"
)

var pluginsCmd = &cobra.Command{
	Use:   "plugins",
	Short: "Plugin tools",
}

var pluginsCheckCmd = &cobra.Command{
	Use:   "check [dir]",
	Short: "Load every plugin once and report failures",
	Long: `Runs each plugin file through the same checks the bot applies on
load (syntax, import allow-list, interpretation) without connecting.
Exits non-zero when any plugin fails.`,
	Args: cobra.MaximumNArgs(1),
	RunE: pluginsCheck,
}

func pluginsCheck(cmd *cobra.Command, args []string) error {
	dir := cfg.Plugins.Dir
	if len(args) == 1 {
		dir = args[0]
	}

	files, err := plugins.ListFiles(dir, cfg.Plugins.Extension)
	if err != nil {
		return err
	}

	loader := plugins.NewLoader(cfg.Plugins.AllowedImports, cfg.GetLoadTimeout())
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	results := make([]diagnostics.CheckResult, 0, len(files))
	failed := 0
	for _, path := range files {
		m, err := loader.Load(ctx, path)
		if err != nil {
			failed++
		}
		results = append(results, diagnostics.CheckResult{ID: filepath.Base(path), Module: m, Err: err})
	}

	fmt.Fprint(cmd.OutOrStdout(), diagnostics.PluginReport(diagnostics.DefaultStyles(), results))
	if failed > 0 {
		return fmt.Errorf("%d of %d plugins failed to load", failed, len(files))
	}
	return nil
}
