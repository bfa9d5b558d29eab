package sandbox

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestBridge(t *testing.T, policy FilePolicy) *FileBridge {
	t.Helper()
	bridge, err := NewFileBridge(zaptest.NewLogger(t), t.TempDir(), policy)
	require.NoError(t, err)
	return bridge
}

func TestNewFileBridge(t *testing.T) {
	t.Run("CreatesRoot", func(t *testing.T) {
		root := filepath.Join(t.TempDir(), "scratch")
		bridge, err := NewFileBridge(zaptest.NewLogger(t), root, FilePolicy{})
		require.NoError(t, err)
		assert.DirExists(t, bridge.TempRoot())
	})

	t.Run("EmptyRootRejected", func(t *testing.T) {
		_, err := NewFileBridge(zaptest.NewLogger(t), "", FilePolicy{})
		require.Error(t, err)
		assert.True(t, IsKind(err, KindFileSystem))
	})
}

func TestCreateSessionDir(t *testing.T) {
	bridge := newTestBridge(t, FilePolicy{})

	t.Run("UniqueDirs", func(t *testing.T) {
		first, err := bridge.CreateSessionDir("task")
		require.NoError(t, err)
		second, err := bridge.CreateSessionDir("task")
		require.NoError(t, err)

		assert.NotEqual(t, first, second)
		assert.DirExists(t, first)
		assert.True(t, strings.HasPrefix(filepath.Base(first), "task-"))
	})

	t.Run("DefaultPrefix", func(t *testing.T) {
		dir, err := bridge.CreateSessionDir("")
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(filepath.Base(dir), "session-"))
	})

	t.Run("PathPrefixRejected", func(t *testing.T) {
		for _, prefix := range []string{"../evil", "a/b", `a\b`, ".."} {
			_, err := bridge.CreateSessionDir(prefix)
			require.Error(t, err, "prefix %q", prefix)
			assert.True(t, IsKind(err, KindSecurityViolation))
		}
	})
}

func TestPrepareFilesForMount(t *testing.T) {
	t.Run("StagesFilesReadOnly", func(t *testing.T) {
		bridge := newTestBridge(t, FilePolicy{})
		session, err := bridge.CreateSessionDir("prep")
		require.NoError(t, err)

		mounts, err := bridge.PrepareFilesForMount(session, map[string][]byte{
			"main.py":       []byte("print('hi')"),
			"pkg/helper.py": []byte("x = 1"),
		})
		require.NoError(t, err)
		require.Len(t, mounts, 2)

		byContainerPath := map[string]MountSpec{}
		for _, m := range mounts {
			assert.True(t, m.ReadOnly)
			assert.True(t, strings.HasPrefix(m.ContainerPath, ContainerWorkspaceDir+"/"))
			byContainerPath[m.ContainerPath] = m

			content, readErr := os.ReadFile(m.HostPath)
			require.NoError(t, readErr)
			assert.NotEmpty(t, content)
		}
		assert.Contains(t, byContainerPath, "/workspace/main.py")
		assert.Contains(t, byContainerPath, "/workspace/pkg/helper.py")
	})

	t.Run("StagedFilesReadableByContainerUser", func(t *testing.T) {
		// The container runs as a non-root user distinct from the server's
		// uid; bind mounts preserve host permissions, so staged inputs need
		// the world-read bits.
		bridge := newTestBridge(t, FilePolicy{})
		session, err := bridge.CreateSessionDir("prep")
		require.NoError(t, err)

		mounts, err := bridge.PrepareFilesForMount(session, map[string][]byte{
			"main.py": []byte("print('hi')"),
		})
		require.NoError(t, err)
		require.Len(t, mounts, 1)

		info, err := os.Stat(mounts[0].HostPath)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())
	})

	t.Run("TraversalRejectedWithZeroWrites", func(t *testing.T) {
		fs := &countingFileSystem{}
		bridge, err := NewFileBridge(zaptest.NewLogger(t), t.TempDir(), FilePolicy{}, WithBridgeFileSystem(fs))
		require.NoError(t, err)
		session, err := bridge.CreateSessionDir("prep")
		require.NoError(t, err)

		_, err = bridge.PrepareFilesForMount(session, map[string][]byte{
			"ok.py":          []byte("fine"),
			"../escape.txt":  []byte("bad"),
			"nested/util.py": []byte("fine"),
		})
		require.Error(t, err)
		assert.True(t, IsKind(err, KindSecurityViolation))
		assert.Equal(t, 0, fs.writeCount())
	})

	t.Run("AbsolutePathRejected", func(t *testing.T) {
		bridge := newTestBridge(t, FilePolicy{})
		session, err := bridge.CreateSessionDir("prep")
		require.NoError(t, err)

		_, err = bridge.PrepareFilesForMount(session, map[string][]byte{
			"/etc/passwd": []byte("bad"),
		})
		require.Error(t, err)
		assert.True(t, IsKind(err, KindSecurityViolation))
	})

	t.Run("BlockedExtension", func(t *testing.T) {
		bridge := newTestBridge(t, FilePolicy{BlockedExtensions: []string{".so", ".exe"}})
		session, err := bridge.CreateSessionDir("prep")
		require.NoError(t, err)

		_, err = bridge.PrepareFilesForMount(session, map[string][]byte{
			"payload.SO": []byte{0x7f},
		})
		require.Error(t, err)
		assert.True(t, IsKind(err, KindSecurityViolation))
	})

	t.Run("AllowedListEnforced", func(t *testing.T) {
		bridge := newTestBridge(t, FilePolicy{AllowedExtensions: []string{".py"}})
		session, err := bridge.CreateSessionDir("prep")
		require.NoError(t, err)

		_, err = bridge.PrepareFilesForMount(session, map[string][]byte{
			"script.sh": []byte("echo"),
		})
		require.Error(t, err)
		assert.True(t, IsKind(err, KindSecurityViolation))

		_, err = bridge.PrepareFilesForMount(session, map[string][]byte{
			"script.py": []byte("pass"),
		})
		assert.NoError(t, err)
	})

	t.Run("FileSizeLimit", func(t *testing.T) {
		bridge := newTestBridge(t, FilePolicy{MaxFileSizeKB: 1})
		session, err := bridge.CreateSessionDir("prep")
		require.NoError(t, err)

		_, err = bridge.PrepareFilesForMount(session, map[string][]byte{
			"big.txt": make([]byte, 2*BytesPerKB),
		})
		require.Error(t, err)
		assert.True(t, IsKind(err, KindResourceLimit))
	})

	t.Run("FileCountLimit", func(t *testing.T) {
		bridge := newTestBridge(t, FilePolicy{MaxFileCount: 1})
		session, err := bridge.CreateSessionDir("prep")
		require.NoError(t, err)

		_, err = bridge.PrepareFilesForMount(session, map[string][]byte{
			"a.txt": []byte("a"),
			"b.txt": []byte("b"),
		})
		require.Error(t, err)
		assert.True(t, IsKind(err, KindResourceLimit))
	})

	t.Run("SessionOutsideRootRejected", func(t *testing.T) {
		bridge := newTestBridge(t, FilePolicy{})
		_, err := bridge.PrepareFilesForMount(t.TempDir(), map[string][]byte{
			"a.txt": []byte("a"),
		})
		require.Error(t, err)
		assert.True(t, IsKind(err, KindSecurityViolation))
	})
}

func TestCreateOutputDir(t *testing.T) {
	bridge := newTestBridge(t, FilePolicy{})
	session, err := bridge.CreateSessionDir("out")
	require.NoError(t, err)

	mount, err := bridge.CreateOutputDir(session)
	require.NoError(t, err)

	assert.False(t, mount.ReadOnly)
	assert.Equal(t, ContainerOutputDir, mount.ContainerPath)
	assert.DirExists(t, mount.HostPath)

	// The container user must be able to create files in the output mount.
	info, err := os.Stat(mount.HostPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o777), info.Mode().Perm())
}

func TestCleanupSessionDir(t *testing.T) {
	t.Run("RemovesAndIsIdempotent", func(t *testing.T) {
		bridge := newTestBridge(t, FilePolicy{})
		session, err := bridge.CreateSessionDir("gone")
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(session, "f.txt"), []byte("x"), 0o600))

		require.NoError(t, bridge.CleanupSessionDir(session))
		assert.NoDirExists(t, session)

		// Second call sees nothing and still succeeds.
		assert.NoError(t, bridge.CleanupSessionDir(session))
	})

	t.Run("RefusesPathOutsideRoot", func(t *testing.T) {
		bridge := newTestBridge(t, FilePolicy{})
		victim := t.TempDir()

		err := bridge.CleanupSessionDir(victim)
		require.Error(t, err)
		assert.True(t, IsKind(err, KindSecurityViolation))
		assert.DirExists(t, victim)
	})

	t.Run("RefusesScratchRootItself", func(t *testing.T) {
		bridge := newTestBridge(t, FilePolicy{})

		err := bridge.CleanupSessionDir(bridge.TempRoot())
		require.Error(t, err)
		assert.True(t, IsKind(err, KindSecurityViolation))
		assert.DirExists(t, bridge.TempRoot())
	})
}

func TestIsDescendant(t *testing.T) {
	root := filepath.Join(string(os.PathSeparator), "scratch")

	assert.True(t, isDescendant(root, filepath.Join(root, "a")))
	assert.True(t, isDescendant(root, filepath.Join(root, "a", "b")))
	assert.False(t, isDescendant(root, root))
	assert.False(t, isDescendant(root, filepath.Dir(root)))
	assert.False(t, isDescendant(root, filepath.Join(root, "..", "other")))
	// Sibling with a shared name prefix must not count.
	assert.False(t, isDescendant(root, root+"-sibling"))
}
