package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/zot/testrt/internal/coverage"
	"github.com/zot/testrt/internal/resolver"
	"github.com/zot/testrt/internal/runtime"
	"github.com/zot/testrt/internal/sandbox"
	"github.com/zot/testrt/internal/transform"
)

var coverageCmd = &cobra.Command{
	Use:   "coverage",
	Short: "run every test file with coverage collection enabled and report or persist the result",
	RunE:  runCoverage,
}

func runCoverage(cmd *cobra.Command, args []string) error {
	cfg.CollectCoverage = true

	built, err := resolver.BuildHasteMap(resolver.Options{
		RootDir:    cfg.RootDir,
		MaxWorkers: 4,
	})
	if err != nil {
		return fmt.Errorf("building module index: %w", err)
	}

	testRegex, err := regexp.Compile(cfg.TestRegex)
	if err != nil {
		return fmt.Errorf("compiling testRegex: %w", err)
	}
	files, err := discoverTestFiles(cfg.RootDir, testRegex, nil)
	if err != nil {
		return err
	}

	merged := map[string]coverage.FileCoverage{}
	for _, f := range files {
		info, err := runOneFileCoverage(built.Resolver, f)
		if err != nil {
			cfg.Log(0, "FAIL %s: %v", f, err)
			continue
		}
		for path, fc := range info {
			merged[path] = mergeFileCoverage(merged[path], fc)
		}
	}

	if cfg.CoverageHistoryDSN != "" {
		if err := persistHistory(merged); err != nil {
			return fmt.Errorf("persisting coverage history: %w", err)
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(merged)
}

// runOneFileCoverage is runOneFile plus a coverage read-back, split out
// because only the coverage subcommand needs the per-file Collector data.
func runOneFileCoverage(res resolver.Resolver, testFile string) (map[string]coverage.FileCoverage, error) {
	env := sandbox.NewLuaEnvironment()
	defer env.Close()

	rt, err := runtime.New(runtime.Options{
		RootDir:                    cfg.RootDir,
		Automock:                   cfg.Automock,
		MocksPattern:               cfg.MocksPattern,
		TestRegex:                  cfg.TestRegex,
		CoveragePathIgnorePatterns: cfg.CoveragePathIgnorePatterns,
		UnmockedModulePathPatterns: cfg.UnmockedModulePathPatterns,
		CollectCoverage:            true,
		CollectCoverageOnlyFrom:    cfg.CollectCoverageOnlyFrom,
		SetupFiles:                 cfg.SetupFiles,
		TestEnvData:                cfg.TestEnvData,
	}, res, &transform.LuaTransformer{}, env)
	if err != nil {
		return nil, err
	}

	if _, err := rt.RequireModule(testFile, testFile); err != nil {
		return nil, err
	}
	return rt.GetAllCoverageInfo(), nil
}

// mergeFileCoverage sums hit counts line by line, the same accumulation a
// coverage reporter does across multiple test files touching one source
// file.
func mergeFileCoverage(a, b coverage.FileCoverage) coverage.FileCoverage {
	if a.Hits == nil {
		return b
	}
	merged := coverage.FileCoverage{Filename: a.Filename, Hits: make(map[int]int, len(a.Hits))}
	for line, n := range a.Hits {
		merged.Hits[line] = n
	}
	for line, n := range b.Hits {
		merged.Hits[line] += n
	}
	return merged
}

func persistHistory(files map[string]coverage.FileCoverage) error {
	store, err := openHistoryStore(cfg.CoverageHistoryDSN)
	if err != nil {
		return err
	}
	defer store.Close()

	run := coverage.Run{ID: coverage.NewRunID(), Timestamp: time.Now(), Files: files}
	return store.SaveRun(run)
}

func openHistoryStore(dsn string) (coverage.HistoryStore, error) {
	switch {
	case strings.HasPrefix(dsn, "sqlite://"):
		return coverage.NewSQLiteHistoryStore(strings.TrimPrefix(dsn, "sqlite://"))
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return coverage.NewPostgresHistoryStore(dsn)
	default:
		return coverage.NewMemoryHistoryStore(), nil
	}
}
