package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfigFields(t *testing.T) {
	c := DefaultConfig()
	if c.RootDir != "." {
		t.Fatalf("expected default root_dir '.', got %q", c.RootDir)
	}
	if c.UsesBabelJest {
		t.Fatal("expected UsesBabelJest to always default false")
	}
	if !c.Cache {
		t.Fatal("expected cache enabled by default")
	}
	if c.Logging.Verbosity != 2 {
		t.Fatalf("expected default verbosity 2, got %d", c.Logging.Verbosity)
	}
}

func TestLoadTOMLMergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "testrt.toml")
	body := `
root_dir = "src"
automock = true
unmocked_module_path_patterns = ["node_modules/", "vendor/"]
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	c := DefaultConfig()
	if err := c.LoadTOML(path); err != nil {
		t.Fatal(err)
	}
	if c.RootDir != "src" {
		t.Fatalf("expected root_dir overridden to 'src', got %q", c.RootDir)
	}
	if !c.Automock {
		t.Fatal("expected automock overridden to true")
	}
	if len(c.UnmockedModulePathPatterns) != 2 {
		t.Fatalf("expected 2 unmocked patterns, got %v", c.UnmockedModulePathPatterns)
	}
	// A field the TOML file never mentions must survive untouched.
	if c.CoverageCollector != "memory" {
		t.Fatalf("expected untouched default coverage_collector, got %q", c.CoverageCollector)
	}
}

func TestApplyEnvOverridesAndSplitsLists(t *testing.T) {
	t.Setenv("TESTRT_ROOT_DIR", "envroot")
	t.Setenv("TESTRT_AUTOMOCK", "1")
	t.Setenv("TESTRT_SETUP_FILES", "a.lua, b.lua ,c.lua")
	t.Setenv("TESTRT_VERBOSITY", "4")

	c := DefaultConfig()
	c.ApplyEnv()

	if c.RootDir != "envroot" {
		t.Fatalf("expected env override of root_dir, got %q", c.RootDir)
	}
	if !c.Automock {
		t.Fatal("expected automock enabled via env")
	}
	if want := []string{"a.lua", "b.lua", "c.lua"}; len(c.SetupFiles) != len(want) {
		t.Fatalf("expected %v, got %v", want, c.SetupFiles)
	}
	if c.Logging.Verbosity != 4 {
		t.Fatalf("expected verbosity overridden to 4, got %d", c.Logging.Verbosity)
	}
}

func TestLogGatesOnVerbosity(t *testing.T) {
	c := DefaultConfig()
	c.Logging.Verbosity = 1

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	orig := os.Stderr
	os.Stderr = w
	c.Log(3, "should not appear")
	c.Log(0, "should appear: %s", "boom")
	w.Close()
	os.Stderr = orig

	buf := make([]byte, 4096)
	n, _ := r.Read(buf)
	out := string(buf[:n])
	if want := "should appear: boom"; !strings.Contains(out, want) {
		t.Fatalf("expected output to contain %q, got %q", want, out)
	}
	if strings.Contains(out, "should not appear") {
		t.Fatalf("expected level-3 message suppressed at verbosity 1, got %q", out)
	}
}
