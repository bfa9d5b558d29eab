package sandbox

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/isdmx/codeyard/config"
)

// Engine is the facade consumed by the orchestrator. It composes the file
// bridge, lifecycle manager, command executor, and repository manager behind
// the operations the orchestrator needs; each session/container pair is
// independent and may be driven in parallel with others.
type Engine struct {
	logger           *zap.Logger
	bridge           *FileBridge
	manager          *Manager
	executor         *Executor
	repos            *RepoManager
	tools            *ToolRegistry
	baseImage        string
	maxArtifactBytes int
}

// EngineOption defines a functional option for Engine construction.
type EngineOption func(*engineDeps)

type engineDeps struct {
	cmdRunner CommandRunner
	fs        FileSystem
}

// WithCommandRunner injects a CommandRunner into every engine component.
func WithCommandRunner(cmdRunner CommandRunner) EngineOption {
	return func(d *engineDeps) {
		d.cmdRunner = cmdRunner
	}
}

// WithFileSystem injects a FileSystem into the file bridge.
func WithFileSystem(fs FileSystem) EngineOption {
	return func(d *engineDeps) {
		d.fs = fs
	}
}

// New creates an engine for the configured backend. Supported backends are
// "docker" and "podman"; the two runtimes share a CLI surface, so they
// differ only in the binary the engine invokes.
func New(logger *zap.Logger, cfg *config.Config, reg *prometheus.Registry, opts ...EngineOption) (*Engine, error) {
	var runtimeBin string
	switch cfg.Sandbox.Backend {
	case "docker":
		runtimeBin = "docker"
	case "podman":
		runtimeBin = "podman"
	default:
		return nil, fmt.Errorf("unsupported backend: %s", cfg.Sandbox.Backend)
	}

	deps := &engineDeps{}
	for _, opt := range opts {
		opt(deps)
	}

	metrics := NewMetrics(reg)

	var bridgeOpts []FileBridgeOption
	if deps.fs != nil {
		bridgeOpts = append(bridgeOpts, WithBridgeFileSystem(deps.fs))
	}
	bridge, err := NewFileBridge(logger, cfg.Sandbox.TempHostDir, FilePolicy{
		AllowedExtensions: cfg.Files.AllowedExtensions,
		BlockedExtensions: cfg.Files.BlockedExtensions,
		MaxFileSizeKB:     cfg.Files.MaxFileSizeKB,
		MaxFileCount:      cfg.Files.MaxFileCount,
	}, bridgeOpts...)
	if err != nil {
		return nil, err
	}

	policy := Policy{
		CPUs:        cfg.Sandbox.CPUs,
		MemoryMB:    cfg.Sandbox.MemoryMB,
		PidsLimit:   cfg.Sandbox.PidsLimit,
		NetworkMode: cfg.Sandbox.NetworkMode,
		User:        cfg.Sandbox.ContainerUser,
	}

	var managerOpts []ManagerOption
	if deps.cmdRunner != nil {
		managerOpts = append(managerOpts, WithManagerCommandRunner(deps.cmdRunner))
	}
	manager := NewManager(logger, runtimeBin, policy, metrics, managerOpts...)

	var executorOpts []ExecutorOption
	if deps.cmdRunner != nil {
		executorOpts = append(executorOpts, WithExecutorCommandRunner(deps.cmdRunner))
	}
	executor := NewExecutor(logger, manager, runtimeBin, cfg.CommandTimeout(),
		cfg.Sandbox.MaxOutputKB*BytesPerKB, metrics, executorOpts...)

	repos := NewRepoManager(logger, bridge, manager, executor,
		cfg.Repository.CloneImage, cfg.CloneTimeout())

	return &Engine{
		logger:           logger,
		bridge:           bridge,
		manager:          manager,
		executor:         executor,
		repos:            repos,
		tools:            DefaultToolRegistry(executor),
		baseImage:        cfg.Sandbox.BaseImage,
		maxArtifactBytes: cfg.Sandbox.MaxArtifactSizeMB * BytesPerKB * BytesPerKB,
	}, nil
}

// CreateSession allocates a host scratch directory for one unit of work.
func (e *Engine) CreateSession(prefix string) (string, error) {
	return e.bridge.CreateSessionDir(prefix)
}

// PrepareFiles validates and stages files under a session directory and
// returns their read-only mount specs.
func (e *Engine) PrepareFiles(sessionDir string, files map[string][]byte) ([]MountSpec, error) {
	return e.bridge.PrepareFilesForMount(sessionDir, files)
}

// CreateOutputDir allocates the session's single writable output mount.
func (e *Engine) CreateOutputDir(sessionDir string) (MountSpec, error) {
	return e.bridge.CreateOutputDir(sessionDir)
}

// StageArchive extracts a tar.gz into the session directory.
func (e *Engine) StageArchive(sessionDir string, data []byte) error {
	return e.bridge.StageArchive(sessionDir, data)
}

// CollectArtifacts archives the session directory contents as tar.gz.
func (e *Engine) CollectArtifacts(sessionDir string, excludePatterns []string) ([]byte, error) {
	return e.bridge.CollectArtifacts(sessionDir, excludePatterns, e.maxArtifactBytes)
}

// CreateAndStartContainer creates and starts a hardened container with the
// given mounts. An empty image uses the configured base image.
func (e *Engine) CreateAndStartContainer(ctx context.Context, image string, mounts []MountSpec) (string, error) {
	if image == "" {
		image = e.baseImage
	}
	return e.manager.CreateAndStart(ctx, ContainerConfig{
		Image:  image,
		Mounts: mounts,
	})
}

// ContainerStatus queries the runtime state of a container.
func (e *Engine) ContainerStatus(ctx context.Context, containerID string) (ContainerState, error) {
	return e.manager.Status(ctx, containerID)
}

// ExecuteCommand runs argv inside a running container.
func (e *Engine) ExecuteCommand(ctx context.Context, containerID string, argv []string, opts ExecOptions) (ExecutionResult, error) {
	return e.executor.Execute(ctx, containerID, argv, opts)
}

// CloneRepository clones an https repository into a fresh container.
func (e *Engine) CloneRepository(ctx context.Context, url string, opts CloneOptions) (*RepositoryHandle, error) {
	return e.repos.Clone(ctx, url, opts)
}

// ListRepositoryFiles lists files under a path inside a cloned repository.
func (e *Engine) ListRepositoryFiles(ctx context.Context, containerID, path string) ([]string, error) {
	return e.repos.ListFiles(ctx, containerID, path)
}

// ReadRepositoryFile reads one file from a cloned repository.
func (e *Engine) ReadRepositoryFile(ctx context.Context, containerID, path string) (string, error) {
	return e.repos.ReadFile(ctx, containerID, path)
}

// CleanupContainer tears down a container (and, for repository containers,
// the backing session directory). Idempotent.
func (e *Engine) CleanupContainer(ctx context.Context, containerID string) error {
	if _, isRepo := e.repos.Handle(containerID); isRepo {
		return e.repos.Cleanup(ctx, containerID)
	}
	return e.manager.CleanupContainer(ctx, containerID)
}

// CleanupSessionDir removes a session directory. Idempotent.
func (e *Engine) CleanupSessionDir(hostPath string) error {
	return e.bridge.CleanupSessionDir(hostPath)
}

// CleanupAll sweeps every tracked container and repository session.
// Individual failures are logged and aggregated, never fatal; the engine
// does not rediscover orphans from a previous process, so the owning
// process must invoke this sweep on shutdown.
func (e *Engine) CleanupAll(ctx context.Context) error {
	var errs error

	e.repos.mu.Lock()
	repoIDs := make([]string, 0, len(e.repos.repos))
	for id := range e.repos.repos {
		repoIDs = append(repoIDs, id)
	}
	e.repos.mu.Unlock()

	for _, id := range repoIDs {
		if err := e.repos.Cleanup(ctx, id); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	errs = multierr.Append(errs, e.manager.CleanupAll(ctx))
	return errs
}

// ActiveContainers lists the ids of all tracked containers.
func (e *Engine) ActiveContainers() []string {
	return e.manager.Active()
}

// Tools exposes the analysis tool registry.
func (e *Engine) Tools() *ToolRegistry {
	return e.tools
}

// RunTool executes a registered analysis tool against a container.
func (e *Engine) RunTool(ctx context.Context, name, containerID, workdir string) (ExecutionResult, error) {
	tool, ok := e.tools.Lookup(name)
	if !ok {
		return ExecutionResult{}, newError(KindCommandExecution, "run_tool",
			fmt.Errorf("unknown tool %q", name)).withContainer(containerID)
	}
	return tool.Run(ctx, containerID, workdir)
}
