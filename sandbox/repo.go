package sandbox

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Container-side layout for repository clones. The session directory is
// mounted writable at the repo root; the clone itself lands in a fixed
// subdirectory so reads can be scoped to it.
const (
	containerRepoRoot  = "/repo"
	containerClonePath = "/repo/src"
)

// CloneOptions carries the optional parameters for Clone.
type CloneOptions struct {
	Branch  string
	Timeout time.Duration
}

// RepositoryHandle identifies a cloned repository: the host scratch dir, the
// container holding the clone, and the container-side clone path that bounds
// all subsequent reads.
type RepositoryHandle struct {
	ContainerID string
	HostPath    string
	ClonePath   string
	URL         string
	Branch      string
}

// RepoManager layers clone/list/read operations on top of the execution
// engine and the file bridge. Each clone gets its own session directory and
// container; clone containers are the only ones granted bridge networking,
// since the fetch needs egress.
type RepoManager struct {
	logger       *zap.Logger
	bridge       *FileBridge
	manager      *Manager
	executor     *Executor
	cloneImage   string
	cloneTimeout time.Duration

	mu    sync.Mutex
	repos map[string]*RepositoryHandle
}

// NewRepoManager creates a repository manager.
func NewRepoManager(logger *zap.Logger, bridge *FileBridge, manager *Manager, executor *Executor, cloneImage string, cloneTimeout time.Duration) *RepoManager {
	return &RepoManager{
		logger:       logger,
		bridge:       bridge,
		manager:      manager,
		executor:     executor,
		cloneImage:   cloneImage,
		cloneTimeout: cloneTimeout,
		repos:        make(map[string]*RepositoryHandle),
	}
}

// Clone fetches a repository into a fresh container. Only the https scheme
// is accepted; anything else is rejected before any command is issued.
func (r *RepoManager) Clone(ctx context.Context, url string, opts CloneOptions) (*RepositoryHandle, error) {
	if !strings.HasPrefix(strings.ToLower(url), "https://") {
		return nil, newError(KindSecurityViolation, "clone",
			fmt.Errorf("repository URL must use https")).withPath(url)
	}

	sessionDir, err := r.bridge.CreateSessionDir("repo")
	if err != nil {
		return nil, err
	}

	containerID, err := r.manager.CreateAndStart(ctx, ContainerConfig{
		Image: r.cloneImage,
		Mounts: []MountSpec{
			{HostPath: sessionDir, ContainerPath: containerRepoRoot, ReadOnly: false},
		},
		Workdir:     containerRepoRoot,
		NetworkMode: "bridge",
	})
	if err != nil {
		if cleanupErr := r.bridge.CleanupSessionDir(sessionDir); cleanupErr != nil {
			r.logger.Warn("session cleanup after failed clone container", zap.Error(cleanupErr))
		}
		return nil, err
	}

	argv := []string{"git", "clone", "--depth", "1"}
	if opts.Branch != "" {
		argv = append(argv, "--branch", opts.Branch)
	}
	argv = append(argv, url, containerClonePath)

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = r.cloneTimeout
	}

	result, err := r.executor.Execute(ctx, containerID, argv, ExecOptions{Timeout: timeout})
	if err != nil {
		r.teardown(ctx, containerID, sessionDir)
		return nil, err
	}
	if result.ExitCode != 0 {
		r.teardown(ctx, containerID, sessionDir)
		return nil, newError(KindCommandExecution, "clone",
			fmt.Errorf("git clone exited %d: %s", result.ExitCode, strings.TrimSpace(result.Stderr))).
			withContainer(containerID).withCommand(argv)
	}

	handle := &RepositoryHandle{
		ContainerID: containerID,
		HostPath:    sessionDir,
		ClonePath:   containerClonePath,
		URL:         url,
		Branch:      opts.Branch,
	}

	r.mu.Lock()
	r.repos[containerID] = handle
	r.mu.Unlock()

	r.logger.Info("repository cloned",
		zap.String("container", containerID),
		zap.String("url", url),
		zap.String("branch", opts.Branch))

	return handle, nil
}

// ListFiles lists files under path inside the repository container. The path
// must stay inside the clone; a missing directory surfaces as a file-system
// failure, not an empty list.
func (r *RepoManager) ListFiles(ctx context.Context, containerID, dirPath string) ([]string, error) {
	handle, err := r.lookup(containerID)
	if err != nil {
		return nil, err
	}

	if !withinClone(handle.ClonePath, dirPath, true) {
		return nil, newError(KindSecurityViolation, "list_files",
			fmt.Errorf("path escapes repository clone %s", handle.ClonePath)).
			withContainer(containerID).withPath(dirPath)
	}

	argv := []string{"find", path.Clean(dirPath), "-type", "f"}
	result, err := r.executor.Execute(ctx, containerID, argv, ExecOptions{})
	if err != nil {
		return nil, err
	}
	if result.ExitCode != 0 {
		return nil, newError(KindFileSystem, "list_files",
			fmt.Errorf("find exited %d: %s", result.ExitCode, strings.TrimSpace(result.Stderr))).
			withContainer(containerID).withPath(dirPath)
	}

	base := path.Clean(dirPath)
	var files []string
	for _, line := range strings.Split(result.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		files = append(files, strings.TrimPrefix(strings.TrimPrefix(line, base), "/"))
	}

	return files, nil
}

// ReadFile returns the content of one file inside the repository container.
// The path is validated against the clone boundary before any command runs.
func (r *RepoManager) ReadFile(ctx context.Context, containerID, filePath string) (string, error) {
	handle, err := r.lookup(containerID)
	if err != nil {
		return "", err
	}

	if !withinClone(handle.ClonePath, filePath, false) {
		return "", newError(KindSecurityViolation, "read_file",
			fmt.Errorf("path escapes repository clone %s", handle.ClonePath)).
			withContainer(containerID).withPath(filePath)
	}

	argv := []string{"cat", path.Clean(filePath)}
	result, err := r.executor.Execute(ctx, containerID, argv, ExecOptions{})
	if err != nil {
		return "", err
	}
	if result.ExitCode != 0 {
		return "", newError(KindFileSystem, "read_file",
			fmt.Errorf("cat exited %d: %s", result.ExitCode, strings.TrimSpace(result.Stderr))).
			withContainer(containerID).withPath(filePath)
	}

	return result.Stdout, nil
}

// Cleanup tears down a repository's container and session directory and
// forgets the handle. Safe to call twice.
func (r *RepoManager) Cleanup(ctx context.Context, containerID string) error {
	r.mu.Lock()
	handle, ok := r.repos[containerID]
	delete(r.repos, containerID)
	r.mu.Unlock()

	if !ok {
		return nil
	}

	r.teardown(ctx, containerID, handle.HostPath)
	return nil
}

// Handle returns the tracked handle for a repository container.
func (r *RepoManager) Handle(containerID string) (*RepositoryHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.repos[containerID]
	return h, ok
}

func (r *RepoManager) lookup(containerID string) (*RepositoryHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	handle, ok := r.repos[containerID]
	if !ok {
		return nil, newError(KindCommandExecution, "repository_lookup",
			fmt.Errorf("no repository tracked for container")).withContainer(containerID)
	}
	return handle, nil
}

func (r *RepoManager) teardown(ctx context.Context, containerID, sessionDir string) {
	if err := r.manager.CleanupContainer(ctx, containerID); err != nil {
		r.logger.Warn("repository container cleanup failed",
			zap.String("container", containerID), zap.Error(err))
	}
	if err := r.bridge.CleanupSessionDir(sessionDir); err != nil {
		r.logger.Warn("repository session cleanup failed",
			zap.String("path", sessionDir), zap.Error(err))
	}
}

// withinClone reports whether candidate stays inside the clone root using
// container-side (slash) path semantics. allowRoot permits the clone root
// itself, which is valid for listing but not for reading.
func withinClone(root, candidate string, allowRoot bool) bool {
	cleanRoot := path.Clean(root)
	cleanCandidate := path.Clean(candidate)

	if !path.IsAbs(cleanCandidate) {
		return false
	}
	if cleanCandidate == cleanRoot {
		return allowRoot
	}
	return strings.HasPrefix(cleanCandidate, cleanRoot+"/")
}
