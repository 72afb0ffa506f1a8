// Package cli provides the command-line interface for testrt.
// It exports RunCLI() so cmd/testrt can stay a thin wrapper, the same split
// the teacher's cli/cmd pair used.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zot/testrt/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "testrt",
	Short: "testrt runs Lua test files against a sandboxed module loader and mocking engine",
	Long: `testrt is a Jest-style test runtime: it discovers test files, loads each
one in its own sandboxed Lua environment, and gives test code a facade for
mocking, automocking, fake timers, and coverage collection.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

var (
	flagRootDir      string
	flagConfigFile   string
	flagAutomock     bool
	flagVerbosity    int
	flagCollectCover bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&flagRootDir, "root-dir", ".", "project root to resolve modules from")
	rootCmd.PersistentFlags().StringVar(&flagConfigFile, "config", "testrt.toml", "path to a TOML config file")
	rootCmd.PersistentFlags().BoolVar(&flagAutomock, "automock", false, "replace every function export with a mock function by default")
	rootCmd.PersistentFlags().IntVarP(&flagVerbosity, "verbosity", "v", -1, "override the configured log verbosity (0-4)")
	rootCmd.PersistentFlags().BoolVar(&flagCollectCover, "coverage", false, "collect coverage while running test files")

	rootCmd.AddCommand(runCmd, watchCmd, bundleCacheCmd, coverageCmd)
}

// loadConfig implements the teacher's flags-then-env-then-toml-then-defaults
// precedence (internal/config.Config.Load in the teacher's own words),
// re-expressed with cobra-bound flag variables instead of a bare flag.FlagSet.
func loadConfig(cmd *cobra.Command, args []string) error {
	c := config.DefaultConfig()

	if err := c.LoadTOML(flagConfigFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("loading %s: %w", flagConfigFile, err)
	}
	c.ApplyEnv()

	if flagRootDir != "" && flagRootDir != "." {
		c.RootDir = flagRootDir
	} else if c.RootDir == "" {
		c.RootDir = flagRootDir
	}
	if flagAutomock {
		c.Automock = true
	}
	if flagVerbosity >= 0 {
		c.Logging.Verbosity = flagVerbosity
	}
	if flagCollectCover {
		c.CollectCoverage = true
	}

	cfg = c
	return nil
}

// RunCLI executes the CLI with the given arguments, returning a process
// exit code the caller should pass to os.Exit — the same contract the
// teacher's cli.Run had.
func RunCLI(args []string) int {
	rootCmd.SetArgs(args)
	if err := rootCmd.Execute(); err != nil {
		return 1
	}
	return 0
}

// GetCLIOptions returns the fully resolved configuration RunCLI's
// flags-then-env-then-toml-then-defaults precedence last produced —
// spec.md's options object, the same surface the real jest-cli exposes
// via getCLIOptions(). Before RunCLI has parsed anything, it returns the
// ambient default configuration rather than nil.
func GetCLIOptions() *config.Config {
	if cfg == nil {
		return config.DefaultConfig()
	}
	return cfg
}
