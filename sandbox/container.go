package sandbox

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ContainerState models the lifecycle of a sandbox container.
type ContainerState string

const (
	StateCreated ContainerState = "created"
	StateRunning ContainerState = "running"
	StateStopped ContainerState = "stopped"
	StateRemoved ContainerState = "removed"
	StateFailed  ContainerState = "failed"
)

// Policy is the security and resource posture applied to every container.
// It is set once at engine construction, never per request.
type Policy struct {
	CPUs        float64
	MemoryMB    int
	PidsLimit   int
	NetworkMode string
	User        string
}

// ContainerConfig describes one container to create. Zero-valued limit
// fields fall back to the policy defaults; the hardening flags themselves
// (non-root user, dropped capabilities, no privilege escalation) are not
// configurable here.
type ContainerConfig struct {
	Image       string
	Mounts      []MountSpec
	Workdir     string
	Env         map[string]string
	CPUs        float64
	MemoryMB    int
	NetworkMode string
}

// Container is the tracked metadata for one sandbox container.
type Container struct {
	ID        string
	Name      string
	Image     string
	State     ContainerState
	Mounts    []MountSpec
	CreatedAt time.Time
}

// Manager owns container lifecycle against the runtime CLI and keeps the
// registry of live containers. The registry is the single source of truth
// for what must be cleaned up; it is the engine's only shared mutable state
// and its mutex is never held across a runtime call.
type Manager struct {
	logger     *zap.Logger
	metrics    *Metrics
	runtimeBin string
	policy     Policy
	cmdRunner  CommandRunner

	mu         sync.Mutex
	containers map[string]*Container
}

// ManagerOption defines a functional option for Manager
type ManagerOption func(*Manager)

// WithManagerCommandRunner sets the CommandRunner for Manager
func WithManagerCommandRunner(cmdRunner CommandRunner) ManagerOption {
	return func(m *Manager) {
		m.cmdRunner = cmdRunner
	}
}

// NewManager creates a lifecycle manager for the given runtime binary
// ("docker" or "podman") and policy.
func NewManager(logger *zap.Logger, runtimeBin string, policy Policy, metrics *Metrics, opts ...ManagerOption) *Manager {
	m := &Manager{
		logger:     logger,
		metrics:    metrics,
		runtimeBin: runtimeBin,
		policy:     policy,
		cmdRunner:  RealCommandRunner{},
		containers: make(map[string]*Container),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateAndStart builds a container from the given config with the policy's
// hardening applied, starts it, and registers it. The container runs a
// blocking entrypoint so commands can be exec'd against it until cleanup.
func (m *Manager) CreateAndStart(ctx context.Context, cfg ContainerConfig) (string, error) {
	name := "codeyard-" + uuid.NewString()

	args := m.buildCreateArgs(name, cfg)
	stdout, stderr, exitCode, err := m.cmdRunner.RunCommand(ctx, args)
	if err != nil {
		m.metrics.containerFailed()
		return "", newError(KindContainerCreation, "create", err).withCommand(args)
	}
	if exitCode != 0 {
		m.metrics.containerFailed()
		return "", newError(KindContainerCreation, "create",
			fmt.Errorf("runtime create exited %d: %s", exitCode, strings.TrimSpace(stderr)))
	}

	id := strings.TrimSpace(stdout)
	if id == "" {
		m.metrics.containerFailed()
		return "", newError(KindContainerCreation, "create", fmt.Errorf("runtime returned empty container id"))
	}

	container := &Container{
		ID:        id,
		Name:      name,
		Image:     cfg.Image,
		State:     StateCreated,
		Mounts:    cfg.Mounts,
		CreatedAt: time.Now(),
	}
	m.register(container)

	_, startStderr, startExit, startErr := m.cmdRunner.RunCommand(ctx, []string{m.runtimeBin, "start", id})
	if startErr != nil || startExit != 0 {
		// Startup error: the container is Failed but stays registered so the
		// cleanup sweep can still remove it.
		m.setState(id, StateFailed)
		m.metrics.containerFailed()

		cause := startErr
		if cause == nil {
			cause = fmt.Errorf("runtime start exited %d: %s", startExit, strings.TrimSpace(startStderr))
		}
		return "", newError(KindContainerCreation, "start", cause).withContainer(id)
	}

	m.setState(id, StateRunning)
	m.metrics.containerCreated()

	m.logger.Info("container started",
		zap.String("container", id),
		zap.String("name", name),
		zap.String("image", cfg.Image),
		zap.Int("mounts", len(cfg.Mounts)))

	return id, nil
}

// buildCreateArgs constructs the runtime create argument list with all
// hardening flags. Resource limits fall back to policy defaults.
func (m *Manager) buildCreateArgs(name string, cfg ContainerConfig) []string {
	cpus := cfg.CPUs
	if cpus <= 0 {
		cpus = m.policy.CPUs
	}
	memoryMB := cfg.MemoryMB
	if memoryMB <= 0 {
		memoryMB = m.policy.MemoryMB
	}
	network := cfg.NetworkMode
	if network == "" {
		network = m.policy.NetworkMode
	}

	memoryFlag := strconv.Itoa(memoryMB) + "m"

	args := []string{
		m.runtimeBin, "create",
		"--name", name,

		// Hardening, applied unconditionally.
		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--user=" + m.policy.User,
		"--network=" + network,

		// Quotas are always set, never unlimited.
		"--cpus=" + strconv.FormatFloat(cpus, 'f', 2, 64),
		"--memory=" + memoryFlag,
		"--memory-swap=" + memoryFlag,
		"--pids-limit=" + strconv.Itoa(m.policy.PidsLimit),
	}

	for _, mount := range cfg.Mounts {
		spec := mount.HostPath + ":" + mount.ContainerPath
		if mount.ReadOnly {
			spec += ":ro"
		}
		args = append(args, "-v", spec)
	}

	workdir := cfg.Workdir
	if workdir == "" {
		workdir = ContainerWorkspaceDir
	}
	args = append(args, "--workdir", workdir)

	for _, kv := range sortedEnv(cfg.Env) {
		args = append(args, "--env", kv)
	}

	args = append(args, cfg.Image, "sleep", "infinity")
	return args
}

// Status queries the runtime for the container's state. An unknown or
// already removed container reports StateRemoved rather than an error so
// cleanup paths can short-circuit.
func (m *Manager) Status(ctx context.Context, id string) (ContainerState, error) {
	args := []string{m.runtimeBin, "inspect", "--format", "{{.State.Status}}", id}
	stdout, stderr, exitCode, err := m.cmdRunner.RunCommand(ctx, args)
	if err != nil {
		return "", newError(KindCommandExecution, "status", err).withContainer(id)
	}
	if exitCode != 0 {
		if isAlreadyGone(stderr) {
			return StateRemoved, nil
		}
		return "", newError(KindCommandExecution, "status",
			fmt.Errorf("runtime inspect exited %d: %s", exitCode, strings.TrimSpace(stderr))).withContainer(id)
	}

	state := runtimeStatusToState(strings.TrimSpace(stdout))
	m.setState(id, state)
	return state, nil
}

// Stop stops a container. Already stopped or removed containers count as
// success.
func (m *Manager) Stop(ctx context.Context, id string) error {
	_, stderr, exitCode, err := m.cmdRunner.RunCommand(ctx, []string{m.runtimeBin, "stop", id})
	if err != nil {
		return newError(KindCommandExecution, "stop", err).withContainer(id)
	}
	if exitCode != 0 && !isAlreadyGone(stderr) && !isNotRunning(stderr) {
		return newError(KindCommandExecution, "stop",
			fmt.Errorf("runtime stop exited %d: %s", exitCode, strings.TrimSpace(stderr))).withContainer(id)
	}

	m.setState(id, StateStopped)
	return nil
}

// Remove force-removes a container. An already removed container counts as
// success.
func (m *Manager) Remove(ctx context.Context, id string) error {
	_, stderr, exitCode, err := m.cmdRunner.RunCommand(ctx, []string{m.runtimeBin, "rm", "-f", id})
	if err != nil {
		return newError(KindCommandExecution, "remove", err).withContainer(id)
	}
	if exitCode != 0 && !isAlreadyGone(stderr) {
		return newError(KindCommandExecution, "remove",
			fmt.Errorf("runtime rm exited %d: %s", exitCode, strings.TrimSpace(stderr))).withContainer(id)
	}

	m.setState(id, StateRemoved)
	return nil
}

// CleanupContainer stops and removes a container and drops it from the
// registry. Safe to call twice: the second call finds nothing tracked and
// returns nil.
func (m *Manager) CleanupContainer(ctx context.Context, id string) error {
	if _, tracked := m.Get(id); !tracked {
		return nil
	}

	if err := m.Stop(ctx, id); err != nil {
		m.logger.Warn("stop during cleanup failed", zap.String("container", id), zap.Error(err))
	}
	if err := m.Remove(ctx, id); err != nil {
		return err
	}

	m.deregister(id)
	m.metrics.containerCleaned()

	m.logger.Info("container cleaned up", zap.String("container", id))
	return nil
}

// CleanupAll sweeps every tracked container. Individual failures are logged
// and collected but never abort the remaining cleanups; the aggregate error
// is informational.
func (m *Manager) CleanupAll(ctx context.Context) error {
	var errs error
	for _, id := range m.Active() {
		if err := m.CleanupContainer(ctx, id); err != nil {
			m.logger.Warn("cleanup failed", zap.String("container", id), zap.Error(err))
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// Get returns a snapshot of a tracked container.
func (m *Manager) Get(id string) (Container, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.containers[id]
	if !ok {
		return Container{}, false
	}
	return *c, true
}

// Active lists the ids of all tracked containers.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.containers))
	for id := range m.containers {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) register(c *Container) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.containers[c.ID] = c
	m.metrics.containerRegistered()
}

func (m *Manager) deregister(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.containers[id]; !ok {
		return
	}
	delete(m.containers, id)
	m.metrics.containerDeregistered()
}

func (m *Manager) setState(id string, state ContainerState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.containers[id]; ok {
		c.State = state
	}
}

func runtimeStatusToState(status string) ContainerState {
	switch status {
	case "created":
		return StateCreated
	case "running", "restarting", "paused":
		return StateRunning
	case "exited", "dead", "stopped":
		return StateStopped
	case "removing":
		return StateRemoved
	default:
		return StateFailed
	}
}

func isAlreadyGone(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "no such container") || strings.Contains(s, "no such object")
}

func isNotRunning(stderr string) bool {
	return strings.Contains(strings.ToLower(stderr), "is not running")
}
