package sandbox

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// makeArchive builds a tar.gz from name to content pairs, preserving order.
func makeArchive(t *testing.T, entries []tarEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		hdr := &tar.Header{
			Name:     e.name,
			Mode:     0o600,
			Size:     int64(len(e.content)),
			Typeflag: tar.TypeReg,
		}
		if e.typeflag != 0 {
			hdr.Typeflag = e.typeflag
			hdr.Size = 0
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if hdr.Typeflag == tar.TypeReg {
			_, err := tw.Write(e.content)
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

type tarEntry struct {
	name     string
	content  []byte
	typeflag byte
}

func TestStageArchive(t *testing.T) {
	t.Run("ExtractsFilesAndDirs", func(t *testing.T) {
		bridge := newTestBridge(t, FilePolicy{})
		session, err := bridge.CreateSessionDir("stage")
		require.NoError(t, err)

		data := makeArchive(t, []tarEntry{
			{name: "src", typeflag: tar.TypeDir},
			{name: "src/app.py", content: []byte("print('ok')")},
			{name: "README.md", content: []byte("# demo")},
		})

		require.NoError(t, bridge.StageArchive(session, data))

		content, err := os.ReadFile(filepath.Join(session, "src", "app.py"))
		require.NoError(t, err)
		assert.Equal(t, "print('ok')", string(content))
		assert.FileExists(t, filepath.Join(session, "README.md"))
	})

	t.Run("TraversalEntryRejected", func(t *testing.T) {
		bridge := newTestBridge(t, FilePolicy{})
		session, err := bridge.CreateSessionDir("stage")
		require.NoError(t, err)

		data := makeArchive(t, []tarEntry{
			{name: "../outside.txt", content: []byte("bad")},
		})

		err = bridge.StageArchive(session, data)
		require.Error(t, err)
		assert.True(t, IsKind(err, KindSecurityViolation))
		assert.False(t, fileExists(filepath.Join(session, "..", "outside.txt")))
	})

	t.Run("AbsoluteEntryRejected", func(t *testing.T) {
		bridge := newTestBridge(t, FilePolicy{})
		session, err := bridge.CreateSessionDir("stage")
		require.NoError(t, err)

		data := makeArchive(t, []tarEntry{
			{name: "/etc/cron.d/job", content: []byte("bad")},
		})

		err = bridge.StageArchive(session, data)
		require.Error(t, err)
		assert.True(t, IsKind(err, KindSecurityViolation))
	})

	t.Run("SymlinkEntryRejected", func(t *testing.T) {
		bridge := newTestBridge(t, FilePolicy{})
		session, err := bridge.CreateSessionDir("stage")
		require.NoError(t, err)

		data := makeArchive(t, []tarEntry{
			{name: "link", typeflag: tar.TypeSymlink},
		})

		err = bridge.StageArchive(session, data)
		require.Error(t, err)
		assert.True(t, IsKind(err, KindSecurityViolation))
	})

	t.Run("ForgedEntrySizeRejectedWithoutAllocation", func(t *testing.T) {
		// A header claiming a multi-gigabyte entry must be rejected from the
		// size claim alone, never allocated for.
		bridge := newTestBridge(t, FilePolicy{MaxFileSizeKB: 1})
		session, err := bridge.CreateSessionDir("stage")
		require.NoError(t, err)

		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		tw := tar.NewWriter(gz)
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     "bomb.bin",
			Mode:     0o600,
			Size:     1 << 34,
			Typeflag: tar.TypeReg,
		}))
		// No body follows the forged header.
		require.NoError(t, gz.Close())

		err = bridge.StageArchive(session, buf.Bytes())
		require.Error(t, err)
		assert.True(t, IsKind(err, KindResourceLimit))
		assert.False(t, fileExists(filepath.Join(session, "bomb.bin")))
	})

	t.Run("OversizedEntryRejected", func(t *testing.T) {
		bridge := newTestBridge(t, FilePolicy{MaxFileSizeKB: 1})
		session, err := bridge.CreateSessionDir("stage")
		require.NoError(t, err)

		data := makeArchive(t, []tarEntry{
			{name: "big.txt", content: make([]byte, 2*BytesPerKB)},
		})

		err = bridge.StageArchive(session, data)
		require.Error(t, err)
		assert.True(t, IsKind(err, KindResourceLimit))
	})

	t.Run("BlockedExtensionRejected", func(t *testing.T) {
		// The archive path enforces the same file policy as direct staging.
		bridge := newTestBridge(t, FilePolicy{BlockedExtensions: []string{".so"}})
		session, err := bridge.CreateSessionDir("stage")
		require.NoError(t, err)

		data := makeArchive(t, []tarEntry{
			{name: "payload.so", content: []byte{0x7f, 0x45}},
		})

		err = bridge.StageArchive(session, data)
		require.Error(t, err)
		assert.True(t, IsKind(err, KindSecurityViolation))
		assert.False(t, fileExists(filepath.Join(session, "payload.so")))
	})

	t.Run("EntryCountLimitRejected", func(t *testing.T) {
		bridge := newTestBridge(t, FilePolicy{MaxFileCount: 1})
		session, err := bridge.CreateSessionDir("stage")
		require.NoError(t, err)

		data := makeArchive(t, []tarEntry{
			{name: "a.txt", content: []byte("a")},
			{name: "b.txt", content: []byte("b")},
		})

		err = bridge.StageArchive(session, data)
		require.Error(t, err)
		assert.True(t, IsKind(err, KindResourceLimit))
	})

	t.Run("CorruptArchiveRejected", func(t *testing.T) {
		bridge := newTestBridge(t, FilePolicy{})
		session, err := bridge.CreateSessionDir("stage")
		require.NoError(t, err)

		err = bridge.StageArchive(session, []byte("not a gzip stream"))
		require.Error(t, err)
		assert.True(t, IsKind(err, KindFileSystem))
	})
}

func TestCollectArtifacts(t *testing.T) {
	writeTree := func(t *testing.T, session string) {
		t.Helper()
		require.NoError(t, os.MkdirAll(filepath.Join(session, "output"), 0o755))
		require.NoError(t, os.MkdirAll(filepath.Join(session, "__pycache__"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(session, "output", "result.json"), []byte(`{"ok":true}`), 0o600))
		require.NoError(t, os.WriteFile(filepath.Join(session, "__pycache__", "m.pyc"), []byte{0x00}, 0o600))
		require.NoError(t, os.WriteFile(filepath.Join(session, "trace.pyc"), []byte{0x01}, 0o600))
	}

	listArchive := func(t *testing.T, data []byte) []string {
		t.Helper()
		gz, err := gzip.NewReader(bytes.NewReader(data))
		require.NoError(t, err)
		tr := tar.NewReader(gz)
		var names []string
		for {
			hdr, err := tr.Next()
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			names = append(names, hdr.Name)
		}
		return names
	}

	t.Run("ExcludesPatterns", func(t *testing.T) {
		bridge := newTestBridge(t, FilePolicy{})
		session, err := bridge.CreateSessionDir("collect")
		require.NoError(t, err)
		writeTree(t, session)

		data, err := bridge.CollectArtifacts(session, []string{"__pycache__", "*.pyc"}, 0)
		require.NoError(t, err)

		names := listArchive(t, data)
		assert.Contains(t, names, "output")
		assert.Contains(t, names, "output/result.json")
		assert.NotContains(t, names, "__pycache__")
		assert.NotContains(t, names, "__pycache__/m.pyc")
		assert.NotContains(t, names, "trace.pyc")
	})

	t.Run("SizeLimitEnforced", func(t *testing.T) {
		bridge := newTestBridge(t, FilePolicy{})
		session, err := bridge.CreateSessionDir("collect")
		require.NoError(t, err)
		// Random-ish content defeats gzip so the archive exceeds a tiny cap.
		payload := make([]byte, 8*BytesPerKB)
		for i := range payload {
			payload[i] = byte(i*31 + i>>3)
		}
		require.NoError(t, os.WriteFile(filepath.Join(session, "blob.bin"), payload, 0o600))

		_, err = bridge.CollectArtifacts(session, nil, 64)
		require.Error(t, err)
		assert.True(t, IsKind(err, KindResourceLimit))
	})

	t.Run("RoundTripsThroughStage", func(t *testing.T) {
		bridge := newTestBridge(t, FilePolicy{})
		src, err := bridge.CreateSessionDir("src")
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(src, "keep.txt"), []byte("kept"), 0o600))

		data, err := bridge.CollectArtifacts(src, nil, 0)
		require.NoError(t, err)

		dst, err := bridge.CreateSessionDir("dst")
		require.NoError(t, err)
		require.NoError(t, bridge.StageArchive(dst, data))

		content, err := os.ReadFile(filepath.Join(dst, "keep.txt"))
		require.NoError(t, err)
		assert.Equal(t, "kept", string(content))
	})
}

func TestShouldExcludeFile(t *testing.T) {
	cases := []struct {
		path     string
		patterns []string
		want     bool
	}{
		{"main.py", []string{"*.pyc"}, false},
		{"cache.pyc", []string{"*.pyc"}, true},
		{"__pycache__/mod.pyc", []string{"__pycache__"}, true},
		{"deep/node_modules/pkg/index.js", []string{"node_modules"}, true},
		{"build/out.bin", []string{"build/"}, true},
		{"rebuild/out.bin", []string{"build/"}, false},
		{"src/app.py", nil, false},
		{"src/app.py", []string{""}, false},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, shouldExcludeFile(tc.path, tc.patterns), "path=%s patterns=%v", tc.path, tc.patterns)
	}
}
