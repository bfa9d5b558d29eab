package sandbox

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ExecOptions carries the per-command knobs for Execute. Zero values fall
// back to engine defaults.
type ExecOptions struct {
	Timeout time.Duration
	Env     map[string]string
	Workdir string
}

// ExecutionResult captures the outcome of one command. ExitCode is the
// verbatim process exit status; the engine makes no success judgment.
type ExecutionResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Executor runs commands inside running containers. Concurrent execs
// against the same container are unsupported: callers must serialize
// per container; independent containers may execute in parallel.
//
// On timeout only the runtime exec client is killed; the runtime does not
// propagate client death, so the exec'd process can keep running inside the
// container. It stays confined by the container's cpu/memory/pids quotas and
// dies with the container at cleanup, which is why a timed-out container
// should be cleaned up promptly rather than reused.
type Executor struct {
	logger         *zap.Logger
	metrics        *Metrics
	manager        *Manager
	runtimeBin     string
	defaultTimeout time.Duration
	cmdRunner      CommandRunner
}

// ExecutorOption defines a functional option for Executor
type ExecutorOption func(*Executor)

// WithExecutorCommandRunner sets the CommandRunner for Executor
func WithExecutorCommandRunner(cmdRunner CommandRunner) ExecutorOption {
	return func(e *Executor) {
		e.cmdRunner = cmdRunner
	}
}

// NewExecutor creates a command executor bound to a lifecycle manager.
func NewExecutor(logger *zap.Logger, manager *Manager, runtimeBin string, defaultTimeout time.Duration, maxOutputBytes int, metrics *Metrics, opts ...ExecutorOption) *Executor {
	e := &Executor{
		logger:         logger,
		metrics:        metrics,
		manager:        manager,
		runtimeBin:     runtimeBin,
		defaultTimeout: defaultTimeout,
		cmdRunner:      RealCommandRunner{MaxOutputBytes: maxOutputBytes},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs argv inside the given container, buffering stdout and stderr
// until completion. If the deadline elapses first, the exec client is killed
// and the call fails with the timeout kind; the container itself is left
// running and remains cleanable.
func (e *Executor) Execute(ctx context.Context, containerID string, argv []string, opts ExecOptions) (ExecutionResult, error) {
	if len(argv) == 0 {
		return ExecutionResult{}, newError(KindCommandExecution, "execute",
			fmt.Errorf("empty command")).withContainer(containerID)
	}

	container, tracked := e.manager.Get(containerID)
	if !tracked {
		e.metrics.executionFailed()
		return ExecutionResult{}, newError(KindCommandExecution, "execute",
			fmt.Errorf("container is not tracked")).withContainer(containerID).withCommand(argv)
	}
	if container.State != StateRunning {
		e.metrics.executionFailed()
		return ExecutionResult{}, newError(KindCommandExecution, "execute",
			fmt.Errorf("container is %s, not running", container.State)).withContainer(containerID).withCommand(argv)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	args := []string{e.runtimeBin, "exec"}
	for _, kv := range sortedEnv(opts.Env) {
		args = append(args, "--env", kv)
	}
	if opts.Workdir != "" {
		args = append(args, "--workdir", opts.Workdir)
	}
	args = append(args, containerID)
	args = append(args, argv...)

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	e.logger.Debug("executing command",
		zap.String("container", containerID),
		zap.Strings("command", argv),
		zap.Duration("timeout", timeout))

	start := time.Now()
	stdout, stderr, exitCode, err := e.cmdRunner.RunCommand(execCtx, args)
	duration := time.Since(start)

	if execCtx.Err() == context.DeadlineExceeded {
		e.metrics.executionTimedOut()
		e.logger.Warn("command timed out",
			zap.String("container", containerID),
			zap.Strings("command", argv),
			zap.Duration("timeout", timeout))
		return ExecutionResult{}, newError(KindCommandTimeout, "execute",
			fmt.Errorf("command exceeded %s", timeout)).withContainer(containerID).withCommand(argv)
	}

	if err != nil {
		e.metrics.executionFailed()
		return ExecutionResult{}, newError(KindCommandExecution, "execute", err).
			withContainer(containerID).withCommand(argv)
	}

	// The runtime reserves 125-127 for its own exec failures (dead container,
	// missing binary path resolution at the daemon level). A vanished
	// container must surface as a failure, never as an empty result. 126/127
	// from the user's own command (non-executable script, shell "command not
	// found") carry no runtime diagnostic and stay verbatim results.
	if exitCode == 125 || ((exitCode == 126 || exitCode == 127) && isRuntimeDiagnostic(stderr)) {
		e.metrics.executionFailed()
		return ExecutionResult{}, newError(KindCommandExecution, "execute",
			fmt.Errorf("runtime exec exited %d: %s", exitCode, strings.TrimSpace(stderr))).
			withContainer(containerID).withCommand(argv)
	}

	e.metrics.executionFinished(duration.Seconds())

	e.logger.Debug("command completed",
		zap.String("container", containerID),
		zap.Int("exit_code", exitCode),
		zap.Duration("duration", duration),
		zap.Int("stdout_bytes", len(stdout)),
		zap.Int("stderr_bytes", len(stderr)))

	return ExecutionResult{
		ExitCode: exitCode,
		Stdout:   stdout,
		Stderr:   stderr,
		Duration: duration,
	}, nil
}

// sortedEnv renders an env map as deterministic KEY=VALUE pairs.
func sortedEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+env[k])
	}
	return pairs
}

func isRuntimeDiagnostic(stderr string) bool {
	s := strings.ToLower(stderr)
	return isAlreadyGone(s) || isNotRunning(s) ||
		strings.Contains(s, "oci runtime") ||
		strings.Contains(s, "executable file not found")
}
