package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// stubResult is one canned runtime response.
type stubResult struct {
	stdout   string
	stderr   string
	exitCode int
	err      error
	// block makes the call wait for context cancellation before returning,
	// mimicking a process killed at the deadline.
	block bool
}

// stubRunner implements CommandRunner with responses keyed by the runtime
// subcommand (create, start, exec, stop, rm, inspect). Every call is
// recorded for assertions.
type stubRunner struct {
	mu       sync.Mutex
	calls    [][]string
	results  map[string]stubResult
	fallback stubResult
}

func newStubRunner() *stubRunner {
	return &stubRunner{results: make(map[string]stubResult)}
}

func (s *stubRunner) on(subcommand string, result stubResult) *stubRunner {
	s.results[subcommand] = result
	return s
}

func (s *stubRunner) RunCommand(ctx context.Context, args []string) (string, string, int, error) {
	s.mu.Lock()
	recorded := make([]string, len(args))
	copy(recorded, args)
	s.calls = append(s.calls, recorded)
	var result stubResult
	if len(args) > 1 {
		if r, ok := s.results[args[1]]; ok {
			result = r
		} else {
			result = s.fallback
		}
	} else {
		result = s.fallback
	}
	s.mu.Unlock()

	if result.block {
		<-ctx.Done()
		return "", "", 0, ctx.Err()
	}
	return result.stdout, result.stderr, result.exitCode, result.err
}

func (s *stubRunner) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// callsFor returns the recorded argument lists for one runtime subcommand.
func (s *stubRunner) callsFor(subcommand string) [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched [][]string
	for _, call := range s.calls {
		if len(call) > 1 && call[1] == subcommand {
			matched = append(matched, call)
		}
	}
	return matched
}

// countingFileSystem wraps the real file system and counts writes, so tests
// can prove a rejected call touched nothing.
type countingFileSystem struct {
	real   RealFileSystem
	mu     sync.Mutex
	writes int
}

func (c *countingFileSystem) MkdirTemp(dir, pattern string) (string, error) {
	return c.real.MkdirTemp(dir, pattern)
}

func (c *countingFileSystem) MkdirAll(path string, perm os.FileMode) error {
	return c.real.MkdirAll(path, perm)
}

func (c *countingFileSystem) WriteFile(filename string, data []byte, perm os.FileMode) error {
	c.mu.Lock()
	c.writes++
	c.mu.Unlock()
	return c.real.WriteFile(filename, data, perm)
}

func (c *countingFileSystem) Chmod(path string, perm os.FileMode) error {
	return c.real.Chmod(path, perm)
}

func (c *countingFileSystem) ReadFile(filename string) ([]byte, error) {
	return c.real.ReadFile(filename)
}

func (c *countingFileSystem) RemoveAll(path string) error {
	return c.real.RemoveAll(path)
}

func (c *countingFileSystem) FileExists(path string) (bool, error) {
	return c.real.FileExists(path)
}

func (c *countingFileSystem) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes
}

// hasFlag reports whether args contains the exact flag string.
func hasFlag(args []string, flag string) bool {
	for _, a := range args {
		if a == flag {
			return true
		}
	}
	return false
}

// hasFlagPrefix reports whether any argument starts with the given prefix.
func hasFlagPrefix(args []string, prefix string) bool {
	for _, a := range args {
		if strings.HasPrefix(a, prefix) {
			return true
		}
	}
	return false
}

// fileExists is a test helper for asserting on-disk state.
func fileExists(path string) bool {
	_, err := os.Stat(filepath.Clean(path))
	return err == nil
}
