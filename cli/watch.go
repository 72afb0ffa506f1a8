package cli

import (
	"fmt"
	"net/http"
	"regexp"

	"github.com/spf13/cobra"

	"github.com/zot/testrt/internal/resolver"
	"github.com/zot/testrt/internal/watch"
)

var flagWatchAddr string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "rerun test files on every source change and stream results over websocket",
	RunE:  runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&flagWatchAddr, "addr", ":9229", "address to serve the result-broadcast websocket on")
}

func runWatch(cmd *cobra.Command, args []string) error {
	testRegex, err := regexp.Compile(cfg.TestRegex)
	if err != nil {
		return fmt.Errorf("compiling testRegex: %w", err)
	}

	built, err := resolver.BuildHasteMap(resolver.Options{
		RootDir:    cfg.RootDir,
		MaxWorkers: 4,
	})
	if err != nil {
		return fmt.Errorf("building module index: %w", err)
	}

	files, err := discoverTestFiles(cfg.RootDir, testRegex, nil)
	if err != nil {
		return err
	}

	broadcaster := watch.NewBroadcaster()
	server := &http.Server{Addr: flagWatchAddr, Handler: broadcaster}
	go func() {
		cfg.Log(2, "watch: result broadcast listening on %s", flagWatchAddr)
		_ = server.ListenAndServe()
	}()

	w, err := watch.New(cfg, cfg.RootDir, files, func(f string) error {
		return runOneFile(built.Resolver, f)
	}, broadcaster)
	if err != nil {
		return fmt.Errorf("starting watcher: %w", err)
	}
	if err := w.Start(); err != nil {
		return err
	}
	defer w.Stop()

	cfg.Log(1, "watch: press Ctrl+C to stop")
	select {} // block forever; Ctrl+C terminates the process
}
