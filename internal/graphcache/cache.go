// Package graphcache is a content-addressable store of compiled decoding
// graphs.
//
// Graphs are expensive to build (full grammar/lexicon/model composition), so
// they are built at most once per key and persist until an operator clears
// the cache. A key is either the hash of a normalized transcript — the graph
// is valid only for that exact phrase — or the [Universal] sentinel, whose
// graph accepts any word sequence over the active vocabulary and therefore
// serves every in-vocabulary phrase.
//
// Concurrency contract: at most one build per key runs at a time
// (singleflight within the process), builds happen in a temp directory and
// are published with an atomic rename, and readers either see nothing or see
// a complete artifact. A directory that exists but lacks the terminal
// artifact is treated as a miss, never as a poisoned entry.
package graphcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/singleflight"
)

// TerminalArtifact is the file whose presence marks a graph build as
// complete. The decoder reads this file; everything else in the graph
// directory is auxiliary.
const TerminalArtifact = "HCLG.fst"

// Key identifies one cached graph.
type Key string

// Universal is the sentinel key for the vocabulary-wide self-loop graph.
const Universal Key = "universal"

// Normalize canonicalises a transcript for cache identity: words are folded
// to the acoustic model's training case (upper) and runs of whitespace
// collapse to single spaces.
func Normalize(transcript string) string {
	return strings.Join(strings.Fields(strings.ToUpper(transcript)), " ")
}

// KeyFor returns the content-addressed key for a transcript: the hex sha256
// of its normalized form.
func KeyFor(transcript string) Key {
	sum := sha256.Sum256([]byte(Normalize(transcript)))
	return Key(hex.EncodeToString(sum[:]))
}

// Handle is a reference to a complete, published graph directory.
type Handle struct {
	Key Key
	Dir string
}

// Path returns the location of the terminal artifact.
func (h Handle) Path() string { return filepath.Join(h.Dir, TerminalArtifact) }

// Builder compiles a graph into dir. It must leave [TerminalArtifact]
// non-empty in dir on success. On failure nothing is published.
type Builder func(ctx context.Context, dir string) error

// Cache stores graphs under a root directory, one subdirectory per key.
// Safe for concurrent use.
type Cache struct {
	root  string
	group singleflight.Group
}

// New creates a cache rooted at root. The directory is created on first
// build, not here, so constructing a Cache never touches the filesystem.
func New(root string) *Cache {
	return &Cache{root: root}
}

// Root returns the cache root directory.
func (c *Cache) Root() string { return c.root }

// dir returns the published location for key.
func (c *Cache) dir(key Key) string {
	return filepath.Join(c.root, string(key))
}

// present reports whether key has a complete published graph: the directory
// must exist and the terminal artifact must be non-empty. Directory
// existence alone is not evidence of a successful build.
func (c *Cache) present(key Key) bool {
	info, err := os.Stat(filepath.Join(c.dir(key), TerminalArtifact))
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}

// GetOrBuild returns the graph for key, invoking build iff no complete
// graph is published. The returned hit flag is true when an existing graph
// was reused without calling build.
//
// Concurrent calls for the same key share a single build; losers of the
// race observe the winner's published artifact.
func (c *Cache) GetOrBuild(ctx context.Context, key Key, build Builder) (Handle, bool, error) {
	if c.present(key) {
		return Handle{Key: key, Dir: c.dir(key)}, true, nil
	}

	type outcome struct {
		handle Handle
		hit    bool
	}
	v, err, _ := c.group.Do(string(key), func() (any, error) {
		// Re-check under the flight lock: another caller may have published
		// while we waited.
		if c.present(key) {
			return outcome{Handle{Key: key, Dir: c.dir(key)}, true}, nil
		}
		h, err := c.buildAndPublish(ctx, key, build)
		if err != nil {
			return nil, err
		}
		return outcome{h, false}, nil
	})
	if err != nil {
		return Handle{}, false, err
	}
	o := v.(outcome)
	return o.handle, o.hit, nil
}

// buildAndPublish runs build in a temp directory next to the final location
// and atomically renames it into place.
func (c *Cache) buildAndPublish(ctx context.Context, key Key, build Builder) (Handle, error) {
	if err := os.MkdirAll(c.root, 0o755); err != nil {
		return Handle{}, fmt.Errorf("graphcache: create root %q: %w", c.root, err)
	}
	tmp, err := os.MkdirTemp(c.root, "build-"+shortKey(key)+"-")
	if err != nil {
		return Handle{}, fmt.Errorf("graphcache: create build dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	if err := build(ctx, tmp); err != nil {
		return Handle{}, fmt.Errorf("graphcache: build graph %s: %w", shortKey(key), err)
	}
	info, err := os.Stat(filepath.Join(tmp, TerminalArtifact))
	if err != nil || info.Size() == 0 {
		return Handle{}, fmt.Errorf("graphcache: builder for %s did not produce %s", shortKey(key), TerminalArtifact)
	}

	final := c.dir(key)
	if err := os.Rename(tmp, final); err != nil {
		// Another process may have published first; its artifact wins.
		if c.present(key) {
			return Handle{Key: key, Dir: final}, nil
		}
		// Otherwise the target is a stale partial entry from a crashed
		// build. Replace it.
		if rmErr := os.RemoveAll(final); rmErr != nil {
			return Handle{}, fmt.Errorf("graphcache: replace stale entry %s: %w", shortKey(key), rmErr)
		}
		if err := os.Rename(tmp, final); err != nil {
			return Handle{}, fmt.Errorf("graphcache: publish graph %s: %w", shortKey(key), err)
		}
	}
	return Handle{Key: key, Dir: final}, nil
}

// Clear removes every cached graph. Operator action; never called by the
// pipeline itself.
func (c *Cache) Clear() error {
	entries, err := os.ReadDir(c.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("graphcache: read root %q: %w", c.root, err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(c.root, e.Name())); err != nil {
			return fmt.Errorf("graphcache: clear %q: %w", e.Name(), err)
		}
	}
	return nil
}

// shortKey abbreviates long hash keys for log and error messages.
func shortKey(key Key) string {
	if len(key) > 12 {
		return string(key[:12])
	}
	return string(key)
}
