package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToolRegistry(t *testing.T) {
	t.Run("RegisterAndLookup", func(t *testing.T) {
		registry := NewToolRegistry()
		tool := NewCommandTool("ruff", []string{"ruff", "check", "."}, 0, nil)

		require.NoError(t, registry.Register(tool))

		got, ok := registry.Lookup("ruff")
		require.True(t, ok)
		assert.Equal(t, "ruff", got.Name())
	})

	t.Run("DuplicateRejected", func(t *testing.T) {
		registry := NewToolRegistry()
		require.NoError(t, registry.Register(NewCommandTool("ruff", []string{"ruff"}, 0, nil)))

		err := registry.Register(NewCommandTool("ruff", []string{"other"}, 0, nil))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already registered")
	})

	t.Run("UnknownLookup", func(t *testing.T) {
		registry := NewToolRegistry()
		_, ok := registry.Lookup("nope")
		assert.False(t, ok)
	})

	t.Run("Names", func(t *testing.T) {
		registry := NewToolRegistry()
		require.NoError(t, registry.Register(NewCommandTool("a", []string{"a"}, 0, nil)))
		require.NoError(t, registry.Register(NewCommandTool("b", []string{"b"}, 0, nil)))

		assert.ElementsMatch(t, []string{"a", "b"}, registry.Names())
	})
}

func TestDefaultToolRegistry(t *testing.T) {
	registry := DefaultToolRegistry(nil)
	assert.ElementsMatch(t, []string{"pylint", "pytest"}, registry.Names())
}

func TestCommandToolRun(t *testing.T) {
	runner := newStubRunner().
		on("exec", stubResult{stdout: "2 passed", exitCode: 0})
	executor, manager := newTestExecutor(t, runner)
	id := startTestContainer(t, manager, runner)

	tool := NewCommandTool("pytest", []string{"python", "-m", "pytest", "-q"}, time.Minute, executor)
	result, err := tool.Run(context.Background(), id, "/workspace")
	require.NoError(t, err)
	assert.Equal(t, "2 passed", result.Stdout)

	args := runner.callsFor("exec")[0]
	assert.True(t, hasFlag(args, "--workdir"))
	assert.True(t, hasFlag(args, "/workspace"))
	assert.True(t, hasFlag(args, "pytest"))
}
