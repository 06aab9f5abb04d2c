package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/conneroisu/devloop/internal/compiler"
	"github.com/conneroisu/devloop/internal/config"
	"github.com/conneroisu/devloop/internal/devserver"
	"github.com/conneroisu/devloop/internal/extract"
	"github.com/conneroisu/devloop/internal/format"
	"github.com/conneroisu/devloop/internal/typecheck"
)

var buildCmd = &cobra.Command{
	Use:   "build [development|production]",
	Short: "Build the bundle once and write it to the output directory",
	Long: `Bundle the project once, print any problems and write the output files.
The mode defaults to the configured build mode. When type checking is enabled
the build waits for it and fails on type errors.

Examples:
  devloop build                   # Build with the configured mode
  devloop build production        # Minified production build`,
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{compiler.ModeDevelopment, compiler.ModeProduction},
	RunE:      runBuild,
}

var errBuildFailed = errors.New("build failed")

func init() {
	rootCmd.AddCommand(buildCmd)
}

func runBuild(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if len(args) == 1 {
		cfg.Build.Mode = args[0]
	}
	logger, err := newLogger()
	if err != nil {
		return err
	}

	dir, err := os.Getwd()
	if err != nil {
		return err
	}
	var checker compiler.SyncChecker
	if cfg.TypeCheck.Enabled {
		tc, err := typecheck.NewChecker(typecheck.Options{
			Command: cfg.TypeCheck.Command,
			Args:    cfg.TypeCheck.Args,
			Dir:     dir,
			Logger:  logger,
		})
		if err != nil {
			return err
		}
		checker = tc
	}

	c, err := devserver.NewCompiler(cfg, dir, checker, true, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	result, err := c.RunOnce(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	f := format.New(out).WithBase(dir)
	errs, warnings := extract.Extract(result)
	fmt.Fprintln(out, f.FormatMessages(errs, warnings, sourcesOf(errs, warnings)))
	fmt.Fprintln(out, f.FormatSummary(result))
	if err := result.Err(); err != nil {
		return fmt.Errorf("%w: %w", errBuildFailed, err)
	}
	return nil
}

// sourcesOf reads the files records point at, for code frames.
func sourcesOf(lists ...extract.Records) map[string]string {
	sources := make(map[string]string)
	for _, records := range lists {
		for _, r := range records {
			var file string
			switch v := r.(type) {
			case extract.SyntaxError:
				file = v.File
			case extract.TypeScript:
				file = v.File
			}
			if file == "" {
				continue
			}
			if _, ok := sources[file]; ok {
				continue
			}
			if body, err := os.ReadFile(file); err == nil {
				sources[file] = string(body)
			}
		}
	}
	return sources
}
