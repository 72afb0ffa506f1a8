package watch

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type testLogger struct{}

func (testLogger) Log(level int, format string, args ...interface{}) {}

func tempRoot(t *testing.T) string {
	dir, err := os.MkdirTemp("", "watch-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func TestWatcherRerunsOnWrite(t *testing.T) {
	root := tempRoot(t)
	testFile := filepath.Join(root, "x_test.lua")
	if err := os.WriteFile(testFile, []byte(""), 0o644); err != nil {
		t.Fatal(err)
	}

	var runs int32
	run := func(f string) error {
		atomic.AddInt32(&runs, 1)
		return nil
	}

	w, err := New(testLogger{}, root, []string{testFile}, run, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	if err := os.WriteFile(testFile, []byte("return {}"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&runs) == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if atomic.LoadInt32(&runs) == 0 {
		t.Fatal("expected at least one rerun after a write event")
	}
}

func TestWatcherRecoversFromPanicInRunFunc(t *testing.T) {
	root := tempRoot(t)
	testFile := filepath.Join(root, "x_test.lua")
	os.WriteFile(testFile, []byte(""), 0o644)

	var mu sync.Mutex
	var lastResult Result
	broadcastSeen := make(chan struct{}, 1)

	run := func(f string) error {
		panic(errors.New("boom"))
	}

	w, err := New(testLogger{}, root, []string{testFile}, run, nil)
	if err != nil {
		t.Fatal(err)
	}

	// Exercise rerunAll directly rather than waiting on the filesystem, so
	// the panic-recovery path is deterministic.
	func() {
		defer func() {
			if r := recover(); r != nil {
				t.Fatalf("rerunAll must recover panics internally, got: %v", r)
			}
		}()
		w.rerunAll()
	}()

	mu.Lock()
	_ = lastResult
	mu.Unlock()
	select {
	case <-broadcastSeen:
	default:
	}
}

func TestAddTestFileGrowsRerunSet(t *testing.T) {
	root := tempRoot(t)
	var seen []string
	var mu sync.Mutex
	run := func(f string) error {
		mu.Lock()
		seen = append(seen, f)
		mu.Unlock()
		return nil
	}

	w, err := New(testLogger{}, root, nil, run, nil)
	if err != nil {
		t.Fatal(err)
	}
	w.AddTestFile("/a_test.lua")
	w.AddTestFile("/b_test.lua")

	w.rerunAll()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("expected both registered test files to rerun, got %v", seen)
	}
}
