package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// Container-side paths used for staged mounts. Inputs are read-only under
// the workspace; the output directory is the only writable mount.
const (
	ContainerWorkspaceDir = "/workspace"
	ContainerOutputDir    = "/output"

	outputDirName = "output"
)

// MountSpec binds a host path to a container path with a read-only flag.
type MountSpec struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// FilePolicy constrains what callers may stage into a session directory.
// An empty AllowedExtensions list permits any extension not blocked.
type FilePolicy struct {
	AllowedExtensions []string
	BlockedExtensions []string
	MaxFileSizeKB     int
	MaxFileCount      int
}

// FileBridge manages per-session host scratch directories and validates and
// stages files for mounting. Every path operation is confined to the
// configured temp root: any resolution outside it is rejected before I/O.
type FileBridge struct {
	logger   *zap.Logger
	tempRoot string
	policy   FilePolicy
	fs       FileSystem
}

// FileBridgeOption defines a functional option for FileBridge
type FileBridgeOption func(*FileBridge)

// WithBridgeFileSystem sets the FileSystem for FileBridge
func WithBridgeFileSystem(fs FileSystem) FileBridgeOption {
	return func(b *FileBridge) {
		b.fs = fs
	}
}

// NewFileBridge creates a FileBridge rooted at tempRoot. The root is created
// if it does not exist.
func NewFileBridge(logger *zap.Logger, tempRoot string, policy FilePolicy, opts ...FileBridgeOption) (*FileBridge, error) {
	if tempRoot == "" {
		return nil, newError(KindFileSystem, "new_file_bridge", fmt.Errorf("temp root must not be empty"))
	}

	absRoot, err := filepath.Abs(tempRoot)
	if err != nil {
		return nil, newError(KindFileSystem, "new_file_bridge", err).withPath(tempRoot)
	}

	b := &FileBridge{
		logger:   logger,
		tempRoot: absRoot,
		policy:   policy,
		fs:       RealFileSystem{},
	}
	for _, opt := range opts {
		opt(b)
	}

	if err := b.fs.MkdirAll(absRoot, DirPermission); err != nil {
		return nil, newError(KindFileSystem, "new_file_bridge", err).withPath(absRoot)
	}

	return b, nil
}

// TempRoot returns the configured scratch root.
func (b *FileBridge) TempRoot() string {
	return b.tempRoot
}

// CreateSessionDir allocates a new uniquely named directory under the
// configured temp root. The prefix must be a plain name, not a path.
func (b *FileBridge) CreateSessionDir(prefix string) (string, error) {
	if prefix == "" {
		prefix = "session"
	}
	if strings.ContainsAny(prefix, `/\`) || strings.Contains(prefix, "..") {
		return "", newError(KindSecurityViolation, "create_session_dir",
			fmt.Errorf("session prefix must not contain path separators")).withPath(prefix)
	}

	dir, err := b.fs.MkdirTemp(b.tempRoot, prefix+"-*")
	if err != nil {
		return "", newError(KindFileSystem, "create_session_dir", err).withPath(b.tempRoot)
	}

	b.logger.Debug("session directory created", zap.String("path", dir))
	return dir, nil
}

// PrepareFilesForMount validates and writes the given relative-path to
// content map under sessionDir and returns read-only mount specs for each
// file. Every path is validated before anything is written: a single
// traversal attempt rejects the whole call with zero bytes on disk.
func (b *FileBridge) PrepareFilesForMount(sessionDir string, files map[string][]byte) ([]MountSpec, error) {
	if err := b.ensureUnderRoot("prepare_files", sessionDir); err != nil {
		return nil, err
	}

	if b.policy.MaxFileCount > 0 && len(files) > b.policy.MaxFileCount {
		return nil, newError(KindResourceLimit, "prepare_files",
			fmt.Errorf("file count %d exceeds limit %d", len(files), b.policy.MaxFileCount))
	}

	// Validation pass: resolve and policy-check every entry first.
	resolved := make(map[string]string, len(files))
	for rel, content := range files {
		hostPath, err := resolveWithin(sessionDir, rel)
		if err != nil {
			return nil, newError(KindSecurityViolation, "prepare_files", err).withPath(rel)
		}
		if err := b.checkFilePolicy("prepare_files", rel, content); err != nil {
			return nil, err
		}
		resolved[rel] = hostPath
	}

	// Write pass.
	specs := make([]MountSpec, 0, len(files))
	for rel, hostPath := range resolved {
		if err := b.fs.MkdirAll(filepath.Dir(hostPath), DirPermission); err != nil {
			return nil, newError(KindFileSystem, "prepare_files", err).withPath(hostPath)
		}
		if err := b.fs.WriteFile(hostPath, files[rel], FilePermission); err != nil {
			return nil, newError(KindFileSystem, "prepare_files", err).withPath(hostPath)
		}
		// WriteFile's mode is subject to the process umask; the container
		// user needs the read bits regardless.
		if err := b.fs.Chmod(hostPath, FilePermission); err != nil {
			return nil, newError(KindFileSystem, "prepare_files", err).withPath(hostPath)
		}
		specs = append(specs, MountSpec{
			HostPath:      hostPath,
			ContainerPath: ContainerWorkspaceDir + "/" + filepath.ToSlash(filepath.Clean(rel)),
			ReadOnly:      true,
		})
	}

	b.logger.Debug("files staged for mount",
		zap.String("session", sessionDir),
		zap.Int("count", len(specs)))

	return specs, nil
}

// CreateOutputDir allocates the session's writable output directory and
// returns its mount spec. This is the only writable mount a session gets.
func (b *FileBridge) CreateOutputDir(sessionDir string) (MountSpec, error) {
	if err := b.ensureUnderRoot("create_output_dir", sessionDir); err != nil {
		return MountSpec{}, err
	}

	hostPath := filepath.Join(sessionDir, outputDirName)
	if err := b.fs.MkdirAll(hostPath, DirPermission); err != nil {
		return MountSpec{}, newError(KindFileSystem, "create_output_dir", err).withPath(hostPath)
	}
	// The container user is not the server's uid, so the session-scoped
	// output dir must be world-writable for the sandboxed process to create
	// files in it.
	if err := b.fs.Chmod(hostPath, OutputDirPermission); err != nil {
		return MountSpec{}, newError(KindFileSystem, "create_output_dir", err).withPath(hostPath)
	}

	return MountSpec{
		HostPath:      hostPath,
		ContainerPath: ContainerOutputDir,
		ReadOnly:      false,
	}, nil
}

// CleanupSessionDir recursively removes a session directory. A path outside
// the configured temp root is rejected before any deletion; an already
// absent directory is success, so the call is safe to repeat.
func (b *FileBridge) CleanupSessionDir(hostPath string) error {
	if err := b.ensureUnderRoot("cleanup_session_dir", hostPath); err != nil {
		return err
	}

	if err := b.fs.RemoveAll(hostPath); err != nil {
		return newError(KindFileSystem, "cleanup_session_dir", err).withPath(hostPath)
	}

	b.logger.Debug("session directory removed", zap.String("path", hostPath))
	return nil
}

// checkFilePolicy enforces the extension and size limits for one entry.
func (b *FileBridge) checkFilePolicy(op, rel string, content []byte) error {
	ext := strings.ToLower(filepath.Ext(rel))

	for _, blocked := range b.policy.BlockedExtensions {
		if ext == strings.ToLower(blocked) {
			return newError(KindSecurityViolation, op,
				fmt.Errorf("extension %s is blocked", ext)).withPath(rel)
		}
	}

	if len(b.policy.AllowedExtensions) > 0 {
		allowed := false
		for _, a := range b.policy.AllowedExtensions {
			if ext == strings.ToLower(a) {
				allowed = true
				break
			}
		}
		if !allowed {
			return newError(KindSecurityViolation, op,
				fmt.Errorf("extension %s is not in the allowed list", ext)).withPath(rel)
		}
	}

	if b.policy.MaxFileSizeKB > 0 && len(content) > b.policy.MaxFileSizeKB*BytesPerKB {
		return newError(KindResourceLimit, op,
			fmt.Errorf("file size %d bytes exceeds limit %d KB", len(content), b.policy.MaxFileSizeKB)).withPath(rel)
	}

	return nil
}

// ensureUnderRoot rejects any path that does not resolve to a descendant of
// the temp root.
func (b *FileBridge) ensureUnderRoot(op, candidate string) error {
	abs, err := filepath.Abs(candidate)
	if err != nil {
		return newError(KindFileSystem, op, err).withPath(candidate)
	}
	if !isDescendant(b.tempRoot, abs) {
		return newError(KindSecurityViolation, op,
			fmt.Errorf("path escapes temp root %s", b.tempRoot)).withPath(candidate)
	}
	return nil
}

// resolveWithin joins rel onto root and fails if the result escapes root.
// Absolute paths and traversal components are both rejected.
func resolveWithin(root, rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("empty relative path")
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("absolute path not allowed: %s", rel)
	}

	joined := filepath.Join(root, rel)
	if !isDescendant(root, joined) {
		return "", fmt.Errorf("path %s resolves outside %s", rel, root)
	}
	return joined, nil
}

// isDescendant reports whether candidate is strictly inside root. The root
// itself does not count: that keeps CleanupSessionDir from ever removing the
// whole scratch root.
func isDescendant(root, candidate string) bool {
	rel, err := filepath.Rel(root, candidate)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator))
}
