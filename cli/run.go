package cli

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"

	"github.com/zot/testrt/internal/resolver"
	"github.com/zot/testrt/internal/runtime"
	"github.com/zot/testrt/internal/sandbox"
	"github.com/zot/testrt/internal/transform"
)

var runCmd = &cobra.Command{
	Use:   "run [patterns...]",
	Short: "discover and run test files under root-dir",
	RunE:  runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
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

	files, err := discoverTestFiles(cfg.RootDir, testRegex, args)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		cfg.Log(1, "no test files matched %q under %s", cfg.TestRegex, cfg.RootDir)
		return nil
	}

	failures := 0
	for _, f := range files {
		cfg.Log(2, "RUN  %s", f)
		if err := runOneFile(built.Resolver, f); err != nil {
			failures++
			cfg.Log(0, "FAIL %s: %v", f, err)
			continue
		}
		cfg.Log(2, "PASS %s", f)
	}

	if failures > 0 {
		return fmt.Errorf("%d of %d test files failed", failures, len(files))
	}
	return nil
}

// runOneFile builds a fresh sandbox and Runtime for a single test file —
// spec.md section 5's "not safe for concurrent use" means one Runtime per
// file, the same granularity the teacher's LuaSession uses per connected
// session.
func runOneFile(res resolver.Resolver, testFile string) error {
	env := sandbox.NewLuaEnvironment()
	defer env.Close()

	rt, err := runtime.New(runtime.Options{
		RootDir:                    cfg.RootDir,
		Automock:                   cfg.Automock,
		MocksPattern:               cfg.MocksPattern,
		TestRegex:                  cfg.TestRegex,
		CoveragePathIgnorePatterns: cfg.CoveragePathIgnorePatterns,
		UnmockedModulePathPatterns: cfg.UnmockedModulePathPatterns,
		CollectCoverage:            cfg.CollectCoverage,
		CollectCoverageOnlyFrom:    cfg.CollectCoverageOnlyFrom,
		SetupFiles:                 cfg.SetupFiles,
		TestEnvData:                cfg.TestEnvData,
	}, res, &transform.LuaTransformer{}, env)
	if err != nil {
		return err
	}

	_, err = rt.RequireModule(testFile, testFile)
	return err
}

// discoverTestFiles walks rootDir and returns every absolute path whose
// slash-joined form matches testRegex, unless explicit glob patterns were
// given on the command line, in which case those are expanded instead with
// doublestar so a pattern like "**/*_test.lua" can cross directories the
// way stdlib filepath.Glob's single "*" never does.
func discoverTestFiles(rootDir string, testRegex *regexp.Regexp, patterns []string) ([]string, error) {
	if len(patterns) > 0 {
		var out []string
		for _, p := range patterns {
			matches, err := doublestar.FilepathGlob(p)
			if err != nil {
				return nil, fmt.Errorf("pattern %q: %w", p, err)
			}
			for _, m := range matches {
				if abs, err := filepath.Abs(m); err == nil {
					out = append(out, abs)
				}
			}
		}
		return out, nil
	}

	var out []string
	err := filepath.WalkDir(rootDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		if testRegex.MatchString(filepath.ToSlash(path)) {
			abs, err := filepath.Abs(path)
			if err != nil {
				return err
			}
			out = append(out, abs)
		}
		return nil
	})
	return out, err
}
