package sandbox

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// StageArchive extracts a tar.gz archive into sessionDir. Entry names are
// validated against the session boundary before anything is written, so a
// crafted archive cannot plant files outside the session, and every regular
// entry passes the same file policy as PrepareFilesForMount. Entry sizes are
// never trusted: content is read through a capped reader, so a forged
// multi-gigabyte size claim cannot force an allocation.
func (b *FileBridge) StageArchive(sessionDir string, data []byte) error {
	if err := b.ensureUnderRoot("stage_archive", sessionDir); err != nil {
		return err
	}

	gzipReader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return newError(KindFileSystem, "stage_archive", fmt.Errorf("failed to create gzip reader: %w", err))
	}
	defer gzipReader.Close()

	tarReader := tar.NewReader(gzipReader)

	fileCount := 0
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return newError(KindFileSystem, "stage_archive", fmt.Errorf("error reading tar: %w", err))
		}

		if filepath.IsAbs(header.Name) {
			return newError(KindSecurityViolation, "stage_archive",
				fmt.Errorf("absolute path not allowed in archive")).withPath(header.Name)
		}

		filePath, err := resolveWithin(sessionDir, header.Name)
		if err != nil {
			return newError(KindSecurityViolation, "stage_archive", err).withPath(header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := b.fs.MkdirAll(filePath, DirPermission); err != nil {
				return newError(KindFileSystem, "stage_archive", err).withPath(filePath)
			}
		case tar.TypeReg:
			fileCount++
			if b.policy.MaxFileCount > 0 && fileCount > b.policy.MaxFileCount {
				return newError(KindResourceLimit, "stage_archive",
					fmt.Errorf("archive entry count exceeds limit %d", b.policy.MaxFileCount))
			}

			content, err := b.readArchiveEntry(tarReader, header)
			if err != nil {
				return err
			}
			if err := b.checkFilePolicy("stage_archive", header.Name, content); err != nil {
				return err
			}

			if err := b.fs.MkdirAll(filepath.Dir(filePath), DirPermission); err != nil {
				return newError(KindFileSystem, "stage_archive", err).withPath(filePath)
			}
			if err := b.fs.WriteFile(filePath, content, FilePermission); err != nil {
				return newError(KindFileSystem, "stage_archive", err).withPath(filePath)
			}
			if err := b.fs.Chmod(filePath, FilePermission); err != nil {
				return newError(KindFileSystem, "stage_archive", err).withPath(filePath)
			}
		default:
			return newError(KindSecurityViolation, "stage_archive",
				fmt.Errorf("unsupported entry type in archive: %c", header.Typeflag)).withPath(header.Name)
		}
	}

	return nil
}

// readArchiveEntry reads one regular entry's content without trusting the
// header's size claim. The size limit rejects the claim up front; the capped
// reader bounds what actually gets buffered either way.
func (b *FileBridge) readArchiveEntry(tarReader *tar.Reader, header *tar.Header) ([]byte, error) {
	maxBytes := int64(b.policy.MaxFileSizeKB) * BytesPerKB
	if maxBytes > 0 && header.Size > maxBytes {
		return nil, newError(KindResourceLimit, "stage_archive",
			fmt.Errorf("archive entry size %d bytes exceeds limit %d KB", header.Size, b.policy.MaxFileSizeKB)).
			withPath(header.Name)
	}

	var buf bytes.Buffer
	if maxBytes > 0 {
		n, err := io.Copy(&buf, io.LimitReader(tarReader, maxBytes+1))
		if err != nil {
			return nil, newError(KindFileSystem, "stage_archive", fmt.Errorf("failed to read entry content: %w", err))
		}
		if n > maxBytes {
			return nil, newError(KindResourceLimit, "stage_archive",
				fmt.Errorf("archive entry exceeds limit %d KB", b.policy.MaxFileSizeKB)).withPath(header.Name)
		}
	} else {
		if _, err := io.Copy(&buf, tarReader); err != nil {
			return nil, newError(KindFileSystem, "stage_archive", fmt.Errorf("failed to read entry content: %w", err))
		}
	}
	return buf.Bytes(), nil
}

// CollectArtifacts archives the contents of sessionDir as tar.gz, skipping
// entries matching any exclude pattern. maxSizeBytes bounds the archive;
// zero means unbounded.
func (b *FileBridge) CollectArtifacts(sessionDir string, excludePatterns []string, maxSizeBytes int) ([]byte, error) {
	if err := b.ensureUnderRoot("collect_artifacts", sessionDir); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	gzipWriter := gzip.NewWriter(&buf)
	tarWriter := tar.NewWriter(gzipWriter)

	err := filepath.Walk(sessionDir, func(file string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(sessionDir, file)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}

		if shouldExcludeFile(relPath, excludePatterns) {
			if fi.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		header, err := tar.FileInfoHeader(fi, file)
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(relPath)

		if err := tarWriter.WriteHeader(header); err != nil {
			return err
		}

		if !fi.IsDir() {
			data, err := os.Open(file)
			if err != nil {
				return err
			}
			defer data.Close()

			if _, err := io.Copy(tarWriter, data); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, newError(KindFileSystem, "collect_artifacts", err).withPath(sessionDir)
	}

	if err := tarWriter.Close(); err != nil {
		return nil, newError(KindFileSystem, "collect_artifacts", err)
	}
	if err := gzipWriter.Close(); err != nil {
		return nil, newError(KindFileSystem, "collect_artifacts", err)
	}

	if maxSizeBytes > 0 && buf.Len() > maxSizeBytes {
		return nil, newError(KindResourceLimit, "collect_artifacts",
			fmt.Errorf("artifact size %d bytes exceeds limit %d bytes", buf.Len(), maxSizeBytes)).withPath(sessionDir)
	}

	return buf.Bytes(), nil
}

// shouldExcludeFile reports whether a slash-relative path matches any of the
// exclude patterns. A pattern matches the base name, any single path
// segment, or (for patterns like "build/") a leading directory.
func shouldExcludeFile(relPath string, patterns []string) bool {
	slashPath := filepath.ToSlash(relPath)
	segments := strings.Split(slashPath, "/")

	for _, pattern := range patterns {
		pattern = strings.TrimSuffix(pattern, "/")
		if pattern == "" {
			continue
		}

		for _, seg := range segments {
			if ok, _ := filepath.Match(pattern, seg); ok {
				return true
			}
		}
	}

	return false
}
