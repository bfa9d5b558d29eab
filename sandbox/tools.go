package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ToolRunner is the capability interface for analysis tools (linters, test
// runners) that execute against a running container. One implementation per
// tool, registered in a lookup table, instead of branching on string codes.
type ToolRunner interface {
	Name() string
	Run(ctx context.Context, containerID, workdir string) (ExecutionResult, error)
}

// commandTool runs a fixed argv in the given working directory.
type commandTool struct {
	name     string
	argv     []string
	timeout  time.Duration
	executor *Executor
}

func (t *commandTool) Name() string {
	return t.name
}

func (t *commandTool) Run(ctx context.Context, containerID, workdir string) (ExecutionResult, error) {
	return t.executor.Execute(ctx, containerID, t.argv, ExecOptions{
		Timeout: t.timeout,
		Workdir: workdir,
	})
}

// NewCommandTool creates a ToolRunner that executes argv via the executor.
// A zero timeout uses the executor default.
func NewCommandTool(name string, argv []string, timeout time.Duration, executor *Executor) ToolRunner {
	return &commandTool{
		name:     name,
		argv:     argv,
		timeout:  timeout,
		executor: executor,
	}
}

// ToolRegistry is a concurrency-safe lookup table of ToolRunners.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]ToolRunner
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]ToolRunner)}
}

// Register adds a tool; a duplicate name is an error.
func (r *ToolRegistry) Register(tool ToolRunner) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name()]; exists {
		return fmt.Errorf("tool %q already registered", tool.Name())
	}
	r.tools[tool.Name()] = tool
	return nil
}

// Lookup returns the tool registered under name.
func (r *ToolRegistry) Lookup(name string) (ToolRunner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Names lists the registered tool names.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// DefaultToolRegistry registers the stock analysis tools.
func DefaultToolRegistry(executor *Executor) *ToolRegistry {
	registry := NewToolRegistry()
	registry.Register(NewCommandTool("pylint", []string{"python", "-m", "pylint", "--output-format=text", "."}, 0, executor)) //nolint:errcheck // fresh registry, names are distinct
	registry.Register(NewCommandTool("pytest", []string{"python", "-m", "pytest", "-q"}, 0, executor))                        //nolint:errcheck // fresh registry, names are distinct
	return registry
}
