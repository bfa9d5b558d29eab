// Package sandbox provides the isolated execution engine for untrusted code.
//
// The sandbox package manages the full lifecycle of ephemeral execution
// environments: per-session host scratch directories with path-traversal
// defenses (FileBridge), hardened container creation against the Docker or
// Podman CLI (Manager), command execution with timeout semantics (Executor),
// and constrained repository clone/list/read operations (RepoManager). The
// Engine facade composes these behind the operations an orchestrator needs.
//
// All failures carry a structured kind (container creation, execution,
// timeout, file system, security violation, resource limit) so callers can
// distinguish recoverable input problems from hard faults.
//
// Usage:
//
//	engine, err := sandbox.New(logger, cfg, registry)
//	session, err := engine.CreateSession("task")
//	mounts, err := engine.PrepareFiles(session, map[string][]byte{"main.py": code})
//	id, err := engine.CreateAndStartContainer(ctx, "", mounts)
//	result, err := engine.ExecuteCommand(ctx, id, []string{"python", "main.py"}, sandbox.ExecOptions{})
package sandbox
