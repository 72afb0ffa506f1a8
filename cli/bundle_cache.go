package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// bundleCacheCmd manages the on-disk cache directory, the testrt analogue
// of the teacher's bundle/extract/ls/cat/cp site-management subcommands —
// re-purposed from bundling a static site into a binary to bundling
// compiled-chunk cache entries onto disk. Clearing the cache is currently
// the only operation that has a real effect, since this runtime compiles
// Lua source fresh per Runtime rather than persisting compiled chunks
// (Config.Cache/CacheDirectory exist for configuration-surface parity;
// nothing else reads them).
var bundleCacheCmd = &cobra.Command{
	Use:   "bundle-cache",
	Short: "inspect or clear the module cache directory",
}

var bundleCacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "remove the cache directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.RemoveAll(cfg.CacheDirectory); err != nil {
			return fmt.Errorf("clearing cache directory %s: %w", cfg.CacheDirectory, err)
		}
		cfg.Log(2, "cleared cache directory %s", cfg.CacheDirectory)
		return nil
	},
}

var bundleCachePathCmd = &cobra.Command{
	Use:   "path",
	Short: "print the configured cache directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(cfg.CacheDirectory)
		return nil
	},
}

func init() {
	bundleCacheCmd.AddCommand(bundleCacheClearCmd, bundleCachePathCmd)
}
